package client

import (
	"math/rand"
	"strings"

	"github.com/reklamai/api/internal/model"
)

// maxSeed is the largest seed most provider models accept (2^31-1).
const maxSeed = 2147483647

// BuildPayload assembles the provider params for one generation. The
// returned map becomes the "input" object of the create-task body,
// alongside the prompt. Preset defaults go in first, reference media
// land on different wire fields depending on the model's modality, and
// free-form params are merged last so callers can override anything
// except a defaulted aspect_ratio.
func BuildPayload(pm *model.ProviderModel, input *model.GenerationInput, defaults map[string]interface{}) map[string]interface{} {
	payload := map[string]interface{}{}
	for k, v := range defaults {
		payload[k] = v
	}

	var params map[string]interface{}
	if input != nil {
		params = input.Params
	}

	// Inject a random seed unless the caller pinned one. Without it some
	// models return identical outputs for identical prompts.
	if params["seed"] == nil && params["random_seed"] == nil {
		payload["seed"] = rand.Intn(maxSeed)
	}

	// Some models reject requests without an explicit aspect_ratio; fill
	// one in only when neither the preset nor the caller chose.
	if requiresAspectRatio(pm.ProviderModelID) && payload["aspect_ratio"] == nil {
		payload["aspect_ratio"] = "16:9"
	}
	if v, ok := params["aspect_ratio"]; ok && v != nil && v != "" {
		payload["aspect_ratio"] = v
	}

	if input != nil {
		switch pm.Modality {
		case model.ModalityImage:
			if input.ReferenceImagePath != "" {
				if usesDirectImageField(pm.ProviderModelID) {
					payload["image"] = input.ReferenceImagePath
				} else {
					payload["reference_image"] = input.ReferenceImagePath
				}
			}
		case model.ModalityEdit:
			if input.ReferenceImagePath != "" {
				payload["image"] = input.ReferenceImagePath
			}
		case model.ModalityVideo:
			if input.ReferenceImagePath != "" {
				payload["image"] = input.ReferenceImagePath
			}
			if input.ReferenceVideoPath != "" {
				payload["video"] = input.ReferenceVideoPath
			}
			if input.StartFramePath != "" {
				payload["start_frame"] = input.StartFramePath
			}
			if input.EndFramePath != "" {
				payload["end_frame"] = input.EndFramePath
			}
		case model.ModalityAudio:
			if input.AudioPath != "" {
				payload["audio"] = input.AudioPath
			}
		}
	}

	for k, v := range params {
		if k == "aspect_ratio" && payload["aspect_ratio"] != nil && (v == nil || v == "") {
			continue
		}
		payload[k] = v
	}

	return payload
}

// requiresAspectRatio lists models that reject requests without an
// explicit aspect_ratio.
func requiresAspectRatio(providerModelID string) bool {
	for _, frag := range []string{"grok-imagine", "gpt-image", "ideogram", "flux2", "flux-2"} {
		if strings.Contains(providerModelID, frag) {
			return true
		}
	}
	return false
}

// usesDirectImageField lists image model variants that take reference
// media on "image" instead of "reference_image".
func usesDirectImageField(providerModelID string) bool {
	for _, frag := range []string{"image-to-image", "edit", "upscale", "remove-background"} {
		if strings.Contains(providerModelID, frag) {
			return true
		}
	}
	return false
}
