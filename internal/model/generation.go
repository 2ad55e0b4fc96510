package model

import "time"

// GenerationStatus is the canonical lifecycle state of a generation.
type GenerationStatus string

const (
	StatusQueued     GenerationStatus = "queued"
	StatusProcessing GenerationStatus = "processing"
	StatusSucceeded  GenerationStatus = "succeeded"
	StatusFailed     GenerationStatus = "failed"
	StatusCancelled  GenerationStatus = "cancelled"
)

// Terminal reports whether no further transitions are permitted.
func (s GenerationStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is one of the known lifecycle states.
func (s GenerationStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Modality of the generated content.
type Modality string

const (
	ModalityImage Modality = "image"
	ModalityVideo Modality = "video"
	ModalityAudio Modality = "audio"
	ModalityEdit  Modality = "edit"
)

var ValidModalities = []Modality{
	ModalityImage, ModalityVideo, ModalityAudio, ModalityEdit,
}

// SubmitState tracks whether the provider acknowledged the submission.
// "unknown" means the submit call timed out after credits were reserved;
// such generations are picked up by the reconciliation worker instead of
// being blindly released.
type SubmitState string

const (
	SubmitPending  SubmitState = "pending"
	SubmitAccepted SubmitState = "accepted"
	SubmitUnknown  SubmitState = "unknown"
)

// Asset is a write-once locator for a generation output. The core stores
// locators only, never bytes.
type Asset struct {
	Kind          string `json:"kind"` // "output" or "preview"
	AssetType     string `json:"assetType,omitempty"`
	StorageBucket string `json:"storageBucket,omitempty"`
	StorageKey    string `json:"storageKey,omitempty"`
	ProviderURL   string `json:"providerUrl,omitempty"`
	ContentType   string `json:"contentType,omitempty"`
	Size          int64  `json:"size,omitempty"`
}

// GenerationInput carries optional reference media and free-form
// provider parameters for a generation request.
type GenerationInput struct {
	ReferenceImagePath string                 `json:"referenceImagePath,omitempty"`
	ReferenceVideoPath string                 `json:"referenceVideoPath,omitempty"`
	StartFramePath     string                 `json:"startFramePath,omitempty"`
	EndFramePath       string                 `json:"endFramePath,omitempty"`
	AudioPath          string                 `json:"audioPath,omitempty"`
	Params             map[string]interface{} `json:"params,omitempty"`
}

// Generation is one user-submitted job, tracked end-to-end.
type Generation struct {
	ID        string           `json:"id"`
	OwnerID   string           `json:"ownerId"`
	PresetKey string           `json:"presetKey"`
	ModelKey  string           `json:"modelKey"`
	Modality  Modality         `json:"modality"`
	Prompt    string           `json:"prompt"`
	Input     *GenerationInput `json:"input,omitempty"`

	Status         GenerationStatus `json:"status"`
	Progress       int              `json:"progress"`
	ProviderTaskID string           `json:"providerTaskId,omitempty"`
	SubmitState    SubmitState      `json:"submitState"`

	// CreditsReserved is immutable once set at creation; CreditsFinal is
	// set only when the generation reaches a terminal state.
	CreditsReserved float64  `json:"creditsReserved"`
	CreditsFinal    *float64 `json:"creditsFinal,omitempty"`

	Error   *string `json:"error,omitempty"`
	Outputs []Asset `json:"outputs,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// GenerateRequest is the POST /api/generate body.
type GenerateRequest struct {
	PresetKey string           `json:"presetKey" validate:"required"`
	ModelKey  string           `json:"modelKey" validate:"required"`
	Prompt    string           `json:"prompt" validate:"required,min=1"`
	Input     *GenerationInput `json:"input,omitempty"`
}

// GenerateResponse is returned as soon as the provider accepted the task;
// the call never blocks for completion.
type GenerateResponse struct {
	GenerationID    string           `json:"generationId"`
	Status          GenerationStatus `json:"status"`
	ProviderTaskID  string           `json:"providerTaskId,omitempty"`
	CreditsReserved float64          `json:"creditsReserved"`
	CreatedAt       time.Time        `json:"createdAt"`
}

// StatusResponse is the polled view of a generation.
type StatusResponse struct {
	GenerationID    string           `json:"generationId"`
	Status          GenerationStatus `json:"status"`
	Progress        int              `json:"progress"`
	PreviewURL      string           `json:"previewUrl,omitempty"`
	Outputs         []Asset          `json:"outputs,omitempty"`
	Error           *string          `json:"error,omitempty"`
	ProviderNote    string           `json:"providerNote,omitempty"`
	CreditsReserved float64          `json:"creditsReserved"`
	CreditsFinal    *float64         `json:"creditsFinal,omitempty"`
	UpdatedAt       time.Time        `json:"updatedAt"`
	CompletedAt     *time.Time       `json:"completedAt,omitempty"`
}

// CancelResponse confirms a cooperative cancel.
type CancelResponse struct {
	GenerationID string           `json:"generationId"`
	Status       GenerationStatus `json:"status"`
}

// GenerationListResponse is a page of the owner's generations.
type GenerationListResponse struct {
	Items  []Generation `json:"items"`
	Total  int64        `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}
