package client

import (
	"testing"

	"github.com/reklamai/api/internal/model"
)

func imageModel(providerID string) *model.ProviderModel {
	return &model.ProviderModel{
		Key:             providerID,
		ProviderModelID: providerID,
		Family:          model.FamilyMarket,
		Modality:        model.ModalityImage,
	}
}

func TestBuildPayloadInjectsSeed(t *testing.T) {
	payload := BuildPayload(imageModel("flux-1"), nil, nil)

	seed, ok := payload["seed"].(int)
	if !ok {
		t.Fatalf("expected an int seed, got %T", payload["seed"])
	}
	if seed < 0 || seed >= maxSeed {
		t.Errorf("seed out of range: %d", seed)
	}
}

func TestBuildPayloadKeepsPinnedSeed(t *testing.T) {
	input := &model.GenerationInput{
		Params: map[string]interface{}{"seed": 42},
	}
	payload := BuildPayload(imageModel("flux-1"), input, nil)

	if payload["seed"] != 42 {
		t.Errorf("pinned seed overridden: %v", payload["seed"])
	}
}

func TestBuildPayloadAspectRatioDefault(t *testing.T) {
	for _, id := range []string{"grok-imagine", "gpt-image", "ideogram", "flux-2"} {
		payload := BuildPayload(imageModel(id), nil, nil)
		if payload["aspect_ratio"] != "16:9" {
			t.Errorf("%s: expected default aspect_ratio 16:9, got %v", id, payload["aspect_ratio"])
		}
	}

	// Models without the requirement get nothing injected.
	payload := BuildPayload(imageModel("sdxl"), nil, nil)
	if _, ok := payload["aspect_ratio"]; ok {
		t.Errorf("sdxl: unexpected aspect_ratio %v", payload["aspect_ratio"])
	}
}

func TestBuildPayloadAspectRatioOverride(t *testing.T) {
	input := &model.GenerationInput{
		Params: map[string]interface{}{"aspect_ratio": "9:16"},
	}
	payload := BuildPayload(imageModel("gpt-image"), input, nil)
	if payload["aspect_ratio"] != "9:16" {
		t.Errorf("expected caller's 9:16, got %v", payload["aspect_ratio"])
	}
}

func TestBuildPayloadImageReferenceFields(t *testing.T) {
	input := &model.GenerationInput{ReferenceImagePath: "https://cdn.example.com/ref.png"}

	// Plain image models take the reference on reference_image.
	payload := BuildPayload(imageModel("seedream-3"), input, nil)
	if payload["reference_image"] != input.ReferenceImagePath {
		t.Errorf("expected reference_image, got %v", payload)
	}
	if _, ok := payload["image"]; ok {
		t.Error("image field should not be set for plain image models")
	}

	// Image-to-image variants take it on image.
	payload = BuildPayload(imageModel("flux2/pro-image-to-image"), input, nil)
	if payload["image"] != input.ReferenceImagePath {
		t.Errorf("expected image field, got %v", payload)
	}
}

func TestBuildPayloadEditModel(t *testing.T) {
	pm := &model.ProviderModel{
		ProviderModelID: "flux-kontext",
		Family:          model.FamilyFluxKontext,
		Modality:        model.ModalityEdit,
	}
	input := &model.GenerationInput{ReferenceImagePath: "https://cdn.example.com/ref.png"}

	payload := BuildPayload(pm, input, nil)
	if payload["image"] != input.ReferenceImagePath {
		t.Errorf("edit models take the reference on image, got %v", payload)
	}
}

func TestBuildPayloadVideoFields(t *testing.T) {
	pm := &model.ProviderModel{
		ProviderModelID: "kling-v2",
		Family:          model.FamilyMarket,
		Modality:        model.ModalityVideo,
	}
	input := &model.GenerationInput{
		ReferenceImagePath: "https://cdn.example.com/img.png",
		ReferenceVideoPath: "https://cdn.example.com/clip.mp4",
		StartFramePath:     "https://cdn.example.com/start.png",
		EndFramePath:       "https://cdn.example.com/end.png",
	}

	payload := BuildPayload(pm, input, nil)
	if payload["image"] != input.ReferenceImagePath ||
		payload["video"] != input.ReferenceVideoPath ||
		payload["start_frame"] != input.StartFramePath ||
		payload["end_frame"] != input.EndFramePath {
		t.Errorf("video reference fields wrong: %v", payload)
	}
}

func TestBuildPayloadAudioField(t *testing.T) {
	pm := &model.ProviderModel{
		ProviderModelID: "elevenlabs-tts",
		Family:          model.FamilyMarket,
		Modality:        model.ModalityAudio,
	}
	input := &model.GenerationInput{AudioPath: "https://cdn.example.com/voice.mp3"}

	payload := BuildPayload(pm, input, nil)
	if payload["audio"] != input.AudioPath {
		t.Errorf("expected audio field, got %v", payload)
	}
}

func TestBuildPayloadPresetDefaults(t *testing.T) {
	defaults := map[string]interface{}{"aspect_ratio": "1:1", "style": "photo"}

	payload := BuildPayload(imageModel("flux-1"), nil, defaults)
	if payload["aspect_ratio"] != "1:1" || payload["style"] != "photo" {
		t.Errorf("preset defaults not merged: %v", payload)
	}

	// The preset's choice beats the model's fallback aspect ratio.
	payload = BuildPayload(imageModel("gpt-image"), nil, defaults)
	if payload["aspect_ratio"] != "1:1" {
		t.Errorf("expected preset's 1:1 over the 16:9 fallback, got %v", payload["aspect_ratio"])
	}

	// The caller's params beat the preset.
	input := &model.GenerationInput{Params: map[string]interface{}{"aspect_ratio": "9:16"}}
	payload = BuildPayload(imageModel("gpt-image"), input, defaults)
	if payload["aspect_ratio"] != "9:16" {
		t.Errorf("expected caller's 9:16 over the preset, got %v", payload["aspect_ratio"])
	}
}

func TestBuildPayloadMergesParams(t *testing.T) {
	input := &model.GenerationInput{
		Params: map[string]interface{}{"duration": 10, "quality": "high"},
	}
	payload := BuildPayload(imageModel("flux-1"), input, nil)

	if payload["duration"] != 10 || payload["quality"] != "high" {
		t.Errorf("params not merged: %v", payload)
	}
}
