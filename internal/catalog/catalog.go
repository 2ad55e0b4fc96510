// Package catalog holds the preset and model registry. Records live in
// Redis so an operator can add models without a deploy; a built-in set is
// seeded on startup with SETNX so operator edits survive restarts.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/reklamai/api/internal/model"
)

var (
	ErrPresetNotFound = errors.New("preset not found")
	ErrModelNotFound  = errors.New("model not found")
)

const (
	presetKeyPrefix = "catalog:preset:"
	modelKeyPrefix  = "catalog:model:"
)

// Catalog is a read-through cache over the Redis registry. Entries are
// effectively immutable at runtime, so cached reads are never refreshed.
type Catalog struct {
	redis *redis.Client

	mu      sync.RWMutex
	presets map[string]*model.Preset
	models  map[string]*model.ProviderModel
}

func New(redisClient *redis.Client) *Catalog {
	return &Catalog{
		redis:   redisClient,
		presets: make(map[string]*model.Preset),
		models:  make(map[string]*model.ProviderModel),
	}
}

// Seed writes the built-in presets and models, skipping keys an operator
// already customized. Safe to call on every startup.
func (c *Catalog) Seed(ctx context.Context) error {
	added := 0
	for _, p := range builtinPresets {
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to marshal preset %s: %w", p.Key, err)
		}
		ok, err := c.redis.SetNX(ctx, presetKeyPrefix+p.Key, data, 0).Result()
		if err != nil {
			return fmt.Errorf("failed to seed preset %s: %w", p.Key, err)
		}
		if ok {
			added++
		}
	}
	for _, m := range builtinModels {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("failed to marshal model %s: %w", m.Key, err)
		}
		ok, err := c.redis.SetNX(ctx, modelKeyPrefix+m.Key, data, 0).Result()
		if err != nil {
			return fmt.Errorf("failed to seed model %s: %w", m.Key, err)
		}
		if ok {
			added++
		}
	}
	if added > 0 {
		log.Printf("[Catalog] Seeded %d records", added)
	}
	return nil
}

// Preset resolves a preset key; ErrPresetNotFound for unknown keys.
func (c *Catalog) Preset(ctx context.Context, key string) (*model.Preset, error) {
	c.mu.RLock()
	if p, ok := c.presets[key]; ok {
		c.mu.RUnlock()
		return p, nil
	}
	c.mu.RUnlock()

	data, err := c.redis.Get(ctx, presetKeyPrefix+key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrPresetNotFound
		}
		return nil, err
	}

	var p model.Preset
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal preset %s: %w", key, err)
	}

	c.mu.Lock()
	c.presets[key] = &p
	c.mu.Unlock()
	return &p, nil
}

// Model resolves a model key; ErrModelNotFound for unknown keys.
func (c *Catalog) Model(ctx context.Context, key string) (*model.ProviderModel, error) {
	c.mu.RLock()
	if m, ok := c.models[key]; ok {
		c.mu.RUnlock()
		return m, nil
	}
	c.mu.RUnlock()

	data, err := c.redis.Get(ctx, modelKeyPrefix+key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrModelNotFound
		}
		return nil, err
	}

	var m model.ProviderModel
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal model %s: %w", key, err)
	}

	c.mu.Lock()
	c.models[key] = &m
	c.mu.Unlock()
	return &m, nil
}

// Resolve looks up a preset/model pair and checks the model is allowed
// for the preset and matches its modality.
func (c *Catalog) Resolve(ctx context.Context, presetKey, modelKey string) (*model.Preset, *model.ProviderModel, error) {
	preset, err := c.Preset(ctx, presetKey)
	if err != nil {
		return nil, nil, err
	}
	pm, err := c.Model(ctx, modelKey)
	if err != nil {
		return nil, nil, err
	}

	allowed := false
	for _, k := range preset.Models {
		if k == modelKey {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, nil, fmt.Errorf("model %s is not available for preset %s: %w", modelKey, presetKey, ErrModelNotFound)
	}
	return preset, pm, nil
}

var builtinPresets = []model.Preset{
	{
		Key:            "image-gen",
		Name:           "Image Generation",
		Modality:       model.ModalityImage,
		DefaultCredits: 1.0,
		Models: []string{
			"flux-1", "sdxl", "flux-2", "seedream-3", "gpt-image",
			"ideogram", "recraft-v3", "grok-imagine",
		},
		Defaults: map[string]interface{}{"aspect_ratio": "1:1"},
	},
	{
		Key:            "image-edit",
		Name:           "Image Editing",
		Modality:       model.ModalityEdit,
		DefaultCredits: 1.5,
		Models:         []string{"flux-kontext", "gpt-image"},
		Defaults:       map[string]interface{}{"aspect_ratio": "1:1"},
	},
	{
		Key:            "video-gen",
		Name:           "Video Generation",
		Modality:       model.ModalityVideo,
		DefaultCredits: 5.0,
		Models: []string{
			"kling-v2", "kling-v2-pro", "gen4-turbo", "gen3a-turbo",
			"ray-2", "veo3", "seedance-1", "wan-2-1", "hailuo",
		},
		Defaults: map[string]interface{}{"aspect_ratio": "16:9", "duration": 10},
	},
	{
		Key:            "audio-gen",
		Name:           "Audio Generation",
		Modality:       model.ModalityAudio,
		DefaultCredits: 2.0,
		Models:         []string{"elevenlabs-tts", "elevenlabs-sound-effect", "suno-v4"},
	},
}

var builtinModels = []model.ProviderModel{
	// Image
	{Key: "flux-1", Name: "FLUX.1", ProviderModelID: "flux-1", Family: model.FamilyMarket, Modality: model.ModalityImage, PriceMultiplier: 1.0},
	{Key: "flux-2", Name: "Flux 2", ProviderModelID: "flux-2", Family: model.FamilyMarket, Modality: model.ModalityImage, PriceMultiplier: 1.5},
	{Key: "flux-kontext", Name: "Flux Kontext", ProviderModelID: "flux-kontext", Family: model.FamilyFluxKontext, Modality: model.ModalityEdit, PriceMultiplier: 1.5, SupportsImageInput: true},
	{Key: "sdxl", Name: "SDXL", ProviderModelID: "sdxl", Family: model.FamilyMarket, Modality: model.ModalityImage, PriceMultiplier: 0.8},
	{Key: "seedream-3", Name: "Seedream 3.0", ProviderModelID: "seedream-3", Family: model.FamilyMarket, Modality: model.ModalityImage, PriceMultiplier: 1.2},
	{Key: "gpt-image", Name: "GPT Image (4o)", ProviderModelID: "gpt-image", Family: model.Family4oImage, Modality: model.ModalityImage, PriceMultiplier: 2.0, SupportsImageInput: true},
	{Key: "ideogram", Name: "Ideogram", ProviderModelID: "ideogram", Family: model.FamilyMarket, Modality: model.ModalityImage, PriceMultiplier: 1.0},
	{Key: "recraft-v3", Name: "Recraft V3", ProviderModelID: "recraft-v3", Family: model.FamilyMarket, Modality: model.ModalityImage, PriceMultiplier: 1.0},
	{Key: "grok-imagine", Name: "Grok Imagine", ProviderModelID: "grok-imagine", Family: model.FamilyMarket, Modality: model.ModalityImage, PriceMultiplier: 1.5},

	// Video
	{Key: "kling-v2", Name: "Kling v2", ProviderModelID: "kling-v2", Family: model.FamilyMarket, Modality: model.ModalityVideo, PriceMultiplier: 5.0, SupportsImageInput: true},
	{Key: "kling-v2-pro", Name: "Kling v2 Pro", ProviderModelID: "kling-v2-pro", Family: model.FamilyMarket, Modality: model.ModalityVideo, PriceMultiplier: 8.0, SupportsImageInput: true},
	{Key: "gen4-turbo", Name: "Runway Gen-4 Turbo", ProviderModelID: "gen4_turbo", Family: model.FamilyRunway, Modality: model.ModalityVideo, PriceMultiplier: 8.0, SupportsImageInput: true, SupportsVideoInput: true},
	{Key: "gen3a-turbo", Name: "Runway Gen-3a Turbo", ProviderModelID: "gen3a_turbo", Family: model.FamilyRunway, Modality: model.ModalityVideo, PriceMultiplier: 6.0, SupportsImageInput: true, SupportsVideoInput: true},
	{Key: "ray-2", Name: "Luma Ray 2", ProviderModelID: "ray-2", Family: model.FamilyLuma, Modality: model.ModalityVideo, PriceMultiplier: 6.0, SupportsImageInput: true},
	{Key: "veo3", Name: "Veo 3", ProviderModelID: "veo3", Family: model.FamilyVeo3, Modality: model.ModalityVideo, PriceMultiplier: 10.0},
	{Key: "seedance-1", Name: "Seedance 1.0", ProviderModelID: "seedance-1.0", Family: model.FamilyMarket, Modality: model.ModalityVideo, PriceMultiplier: 5.0, SupportsImageInput: true},
	{Key: "wan-2-1", Name: "Wan 2.1", ProviderModelID: "wan-2.1", Family: model.FamilyMarket, Modality: model.ModalityVideo, PriceMultiplier: 4.0, SupportsImageInput: true},
	{Key: "hailuo", Name: "Hailuo", ProviderModelID: "hailuo", Family: model.FamilyMarket, Modality: model.ModalityVideo, PriceMultiplier: 5.0, SupportsImageInput: true},

	// Audio
	{Key: "elevenlabs-tts", Name: "ElevenLabs TTS", ProviderModelID: "elevenlabs-tts", Family: model.FamilyMarket, Modality: model.ModalityAudio, PriceMultiplier: 2.0},
	{Key: "elevenlabs-sound-effect", Name: "ElevenLabs Sound FX", ProviderModelID: "elevenlabs-sound-effect", Family: model.FamilyMarket, Modality: model.ModalityAudio, PriceMultiplier: 2.0},
	{Key: "suno-v4", Name: "Suno V4 Music", ProviderModelID: "chirp-v4", Family: model.FamilySuno, Modality: model.ModalityAudio, PriceMultiplier: 3.0, SupportsAudioInput: true},
}
