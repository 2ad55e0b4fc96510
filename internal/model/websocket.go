package model

// WebSocket message types
const (
	WSMessageTypeStatus   = "status"
	WSMessageTypeComplete = "complete"
	WSMessageTypeError    = "error"
	WSMessageTypePing     = "ping"
	WSMessageTypePong     = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSStatusMessage pushes a status/progress update for a generation
type WSStatusMessage struct {
	Type         string           `json:"type"`
	GenerationID string           `json:"generationId"`
	Status       GenerationStatus `json:"status"`
	Progress     int              `json:"progress"`
}

// WSCompleteMessage pushes the terminal success view with output locators
type WSCompleteMessage struct {
	Type         string  `json:"type"`
	GenerationID string  `json:"generationId"`
	Outputs      []Asset `json:"outputs,omitempty"`
	PreviewURL   string  `json:"previewUrl,omitempty"`
}

// WSErrorMessage pushes a terminal failure
type WSErrorMessage struct {
	Type         string  `json:"type"`
	GenerationID string  `json:"generationId"`
	Error        WSError `json:"error"`
}

// WSError represents error details
type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
