// Package media supplies frames to the capture loop. A Source produces
// Frames on demand; the capture loop is the only sampler, so sources do
// not need to be safe for concurrent Sample calls.
package media

import (
	"errors"
	"fmt"

	"github.com/satriabw/calibration-frontend/internal/protocol"
)

var (
	// ErrNoFrame means the source had nothing ready right now. The caller
	// should retry shortly rather than treat it as a failure.
	ErrNoFrame = errors.New("media: no frame available")

	// ErrSourceBusy means a source is already attached and a second one
	// cannot be opened until the first is closed.
	ErrSourceBusy = errors.New("media: source already in use")
)

// AcquisitionError wraps a failure to open an input device or file.
type AcquisitionError struct {
	Input string
	Err   error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("media: acquiring %q: %v", e.Input, e.Err)
}

func (e *AcquisitionError) Unwrap() error {
	return e.Err
}

// Frame is one captured image. Release must be called exactly once when
// the frame is no longer needed; the underlying buffer is native memory.
type Frame interface {
	// EncodeJPEG encodes the frame as JPEG at the given quality (1-100).
	EncodeJPEG(quality int) ([]byte, error)
	// Bounds returns the frame dimensions in pixels.
	Bounds() (width, height int)
	// Release frees the frame's backing buffer.
	Release()
}

// Source produces frames for a session.
type Source interface {
	// Sample grabs the current frame. Returns ErrNoFrame when nothing is
	// ready yet.
	Sample() (Frame, error)
	// Mode reports the input mode this source implements.
	Mode() protocol.InputMode
	// Close releases the underlying device or file.
	Close() error
}

// Open creates a Source for the given input mode. For camera mode the
// input is a device index ("0") or device path; for file mode it is a
// video file path, replayed in a loop.
func Open(mode protocol.InputMode, input string) (Source, error) {
	switch mode {
	case protocol.ModeCamera:
		return openCamera(input)
	case protocol.ModeFile:
		return openFile(input)
	default:
		return nil, fmt.Errorf("media: unsupported input mode %q", mode)
	}
}
