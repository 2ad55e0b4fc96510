package client

import "github.com/reklamai/api/internal/model"

// familyEndpoints holds the create/status paths for one provider API
// family. The market family is the default; the older families predate
// the unified jobs API and keep their own paths.
type familyEndpoints struct {
	CreatePath string
	StatusPath string

	// Idempotent marks families where re-submitting the same request
	// cannot double-charge or double-generate. The reconciliation worker
	// only re-submits these; everything else goes to manual review.
	Idempotent bool
}

var familyEndpointTable = map[model.APIFamily]familyEndpoints{
	model.FamilyMarket: {
		CreatePath: "/api/v1/jobs/createTask",
		StatusPath: "/api/v1/jobs/recordInfo",
	},
	model.FamilyVeo3: {
		CreatePath: "/api/v1/veo/generate",
		StatusPath: "/api/v1/veo/record-info",
	},
	model.Family4oImage: {
		CreatePath: "/api/v1/gpt4o-image/generate",
		StatusPath: "/api/v1/gpt4o-image/record-info",
	},
	model.FamilyRunway: {
		CreatePath: "/api/v1/runway/generate",
		StatusPath: "/api/v1/runway/record-info",
	},
	model.FamilyLuma: {
		// Luma rides the modify endpoints, not /api/v1/luma.
		CreatePath: "/api/v1/modify/generate",
		StatusPath: "/api/v1/modify/record-info",
	},
	model.FamilyFluxKontext: {
		CreatePath: "/api/v1/flux/kontext/generate",
		StatusPath: "/api/v1/flux/kontext/getImageDetails",
	},
	model.FamilySuno: {
		// Suno uses /api/v1/generate, not /api/v1/suno/generate.
		CreatePath: "/api/v1/generate",
		StatusPath: "/api/v1/generate/record-info",
	},
}

// endpointsFor resolves a family's paths, falling back to the market API
// for unknown families.
func endpointsFor(family model.APIFamily) familyEndpoints {
	if ep, ok := familyEndpointTable[family]; ok {
		return ep
	}
	return familyEndpointTable[model.FamilyMarket]
}

// FamilyIdempotent reports whether a family tolerates re-submission.
func FamilyIdempotent(family model.APIFamily) bool {
	return endpointsFor(family).Idempotent
}
