package transport

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned by Emit when no link is up. The event is
// dropped, not queued.
var ErrNotConnected = errors.New("transport: not connected")

// ConnectionError reports a failed connection attempt. Strategy names the
// last strategy tried before giving up.
type ConnectionError struct {
	Strategy string
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Strategy == "" {
		return fmt.Sprintf("transport: connect failed: %v", e.Err)
	}
	return fmt.Sprintf("transport: connect failed (last strategy %s): %v", e.Strategy, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
