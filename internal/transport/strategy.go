package transport

import (
	"context"

	"github.com/satriabw/calibration-frontend/internal/protocol"
)

// Link is one established connection produced by a Strategy. Send may be
// called from any goroutine; Receive is called only from the connector's
// read loop. Close must unblock a pending Receive.
type Link interface {
	Send(env protocol.Envelope) error
	Receive() (protocol.Envelope, error)
	Close() error
}

// Strategy dials one kind of link to the processing service.
type Strategy interface {
	Name() string
	Dial(ctx context.Context) (Link, error)
}
