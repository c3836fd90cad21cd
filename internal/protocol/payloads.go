package protocol

import "fmt"

// InputMode selects the frame supply for a session.
type InputMode string

const (
	ModeCamera InputMode = "camera"
	ModeFile   InputMode = "file"
)

// Valid reports whether the mode is one the server accepts.
func (m InputMode) Valid() bool {
	return m == ModeCamera || m == ModeFile
}

// --- Client → server payloads ---

type StartSessionPayload struct {
	InputMode InputMode `json:"input_mode"`
}

// ProcessFramePayload carries one encoded still image. encoding/json
// serializes []byte as base64, which is the wire representation the
// server expects for image fields.
type ProcessFramePayload struct {
	Frame []byte `json:"frame"`
}

type SaveBackgroundPayload struct{}

type UpdateBackgroundPayload struct {
	Frame []byte `json:"frame"`
}

type EndSessionPayload struct {
	SessionID string `json:"session_id"`
}

// --- Server → client payloads ---

type ConnectedPayload struct {
	Message string `json:"message"`
}

type SessionStartedPayload struct {
	Success   bool   `json:"success"`
	SessionID string `json:"session_id"`
}

type FrameProcessedPayload struct {
	Success        bool   `json:"success"`
	SessionID      string `json:"session_id"`
	FrameCount     int    `json:"frame_count"`
	ProcessedFrame []byte `json:"processed_frame"`
	Status         string `json:"status"`
	HasBackground  bool   `json:"has_background"`
}

type BackgroundMetadata struct {
	Width      int `json:"width"`
	Height     int `json:"height"`
	FrameCount int `json:"frame_count"`
}

type BackgroundSavedPayload struct {
	Success         bool                `json:"success"`
	SessionID       string              `json:"session_id"`
	Message         string              `json:"message"`
	BackgroundImage []byte              `json:"background_image"`
	Metadata        *BackgroundMetadata `json:"metadata,omitempty"`
}

type BackgroundUpdatedPayload struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// ServerError is a server-reported error event. It is recorded on the
// session state machine as observable but non-fatal.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error: %s", e.Message)
}
