package session

import (
	"encoding/json"
	"log/slog"

	"github.com/satriabw/calibration-frontend/internal/transport"
)

// EventBus and Subscription are the transport subscription surface the
// machine binds against.
type (
	EventBus     = transport.EventBus
	Subscription = transport.Subscription
)

func decode(event string, data json.RawMessage, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		slog.Warn("Dropping undecodable server event", "event", event, "error", err)
		return err
	}
	return nil
}
