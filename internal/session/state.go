package session

import (
	"errors"
	"time"

	"github.com/satriabw/calibration-frontend/internal/protocol"
)

// State is a session lifecycle state.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateActive   State = "active"
	StateEnded    State = "ended"
)

// Request precondition failures. These are validated locally; no wire
// event is sent when one of them applies.
var (
	ErrNotIdle      = errors.New("session: start requires idle state")
	ErrNotActive    = errors.New("session: no active session")
	ErrNoSession    = errors.New("session: no session identifier")
	ErrNoBackground = errors.New("session: no background available yet")
	ErrNotEnded     = errors.New("session: redo requires ended state")
)

// SavedBackground is the one durable artifact of a session. Once set it is
// immutable until a redo explicitly clears it.
type SavedBackground struct {
	SessionID  string    `json:"session_id"`
	Image      []byte    `json:"-"`
	SavedAt    time.Time `json:"saved_at"`
	Width      int       `json:"width,omitempty"`
	Height     int       `json:"height,omitempty"`
	FrameCount int       `json:"frame_count,omitempty"`
}

// Snapshot is a value copy of the machine state for readers. Presentation
// and status code only ever sees snapshots, never live state.
type Snapshot struct {
	State           State              `json:"state"`
	SessionID       string             `json:"session_id,omitempty"`
	Mode            protocol.InputMode `json:"input_mode,omitempty"`
	FramesSent      int                `json:"frames_sent"`
	FramesProcessed int                `json:"frames_processed"`
	Status          string             `json:"status,omitempty"`
	HasBackground   bool               `json:"has_background"`
	BackgroundSaved bool               `json:"background_saved"`
	LastError       string             `json:"last_error,omitempty"`
}
