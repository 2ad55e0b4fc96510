package model

// APIFamily selects which provider endpoint family a model is served by.
// Different families use different create/status paths and, in places,
// different wire field names for the same concepts.
type APIFamily string

const (
	FamilyMarket      APIFamily = "market"
	FamilyVeo3        APIFamily = "veo3"
	Family4oImage     APIFamily = "4o-image"
	FamilyRunway      APIFamily = "runway"
	FamilyLuma        APIFamily = "luma"
	FamilyFluxKontext APIFamily = "flux-kontext"
	FamilySuno        APIFamily = "suno"
)

// Preset is the user-facing generation template. Read-only to the core.
type Preset struct {
	Key            string   `json:"key"`
	Name           string   `json:"name"`
	Modality       Modality `json:"modality"`
	DefaultCredits float64  `json:"defaultCredits"`
	Models         []string `json:"models,omitempty"`

	// Defaults are merged into provider params when the request leaves
	// them unset (aspect ratio, duration, ...).
	Defaults map[string]interface{} `json:"defaults,omitempty"`
}

// ProviderModel maps a catalog model key to the provider's identifier,
// its endpoint family and its pricing. Read-only to the core.
type ProviderModel struct {
	Key             string    `json:"key"`
	Name            string    `json:"name"`
	ProviderModelID string    `json:"providerModelId"`
	Family          APIFamily `json:"family"`
	Modality        Modality  `json:"modality"`
	PriceMultiplier float64   `json:"priceMultiplier"`
	DocsURL         string    `json:"docsUrl,omitempty"`

	SupportsImageInput bool `json:"supportsImageInput,omitempty"`
	SupportsVideoInput bool `json:"supportsVideoInput,omitempty"`
	SupportsAudioInput bool `json:"supportsAudioInput,omitempty"`
}
