// Package client orchestrates the capture stack: it owns the resource
// lifecycle spanning the media source, the capture loop, the session
// machine, and the transport link. Engagement is exactly-once in each
// direction: a second StartCapture is refused while engaged, and teardown
// runs its full sequence exactly once no matter which trigger fires first.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/satriabw/calibration-frontend/internal/media"
	"github.com/satriabw/calibration-frontend/internal/protocol"
	"github.com/satriabw/calibration-frontend/internal/session"
	"github.com/satriabw/calibration-frontend/internal/transport"
)

// ErrCaptureNotRunning means an operation needs the capture loop to be
// actively producing frames.
var ErrCaptureNotRunning = errors.New("client: capture loop not running")

// Connector is the transport surface the client depends on.
type Connector interface {
	transport.EventBus
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context)
	Emit(event string, payload any) error
	State() transport.State
	StrategyName() string
	SetShutdownNotice(event string, payload any)
	ClearShutdownNotice()
}

// Loop is the capture loop surface the client depends on.
type Loop interface {
	Start(source media.Source, rateHz float64) error
	Stop()
	Running() bool
	LastFrame() []byte
}

// Machine is the session machine surface the client depends on.
type Machine interface {
	RequestStart(mode protocol.InputMode) error
	RequestSave() error
	RequestUpdate(frame []byte) error
	RequestRedo() error
	End(reason string)
	Snapshot() session.Snapshot
	SavedBackground() *session.SavedBackground
	Stop()
}

// StartOptions selects the frame supply for a capture run.
type StartOptions struct {
	Mode   protocol.InputMode
	Input  string
	RateHz float64
}

// Client wires the capture stack together and guards its lifecycle.
type Client struct {
	connector  Connector
	loop       Loop
	machine    Machine
	openSource func(mode protocol.InputMode, input string) (media.Source, error)

	mu      sync.Mutex
	engaged bool
	source  media.Source
	rate    float64

	discSub transport.Subscription
}

// New creates a Client and subscribes it to transport loss, which triggers
// the same teardown sequence as an operator stop.
func New(connector Connector, loop Loop, machine Machine) *Client {
	c := &Client{
		connector:  connector,
		loop:       loop,
		machine:    machine,
		openSource: media.Open,
	}
	c.discSub = connector.On(transport.EventDisconnected, func(_ string, data json.RawMessage) {
		var p transport.DisconnectedPayload
		_ = json.Unmarshal(data, &p)
		// Off the dispatch goroutine: teardown waits for the capture loop.
		go c.teardown(context.Background(), "connection lost: "+p.Reason)
	})
	return c
}

// StartCapture acquires the input, connects the transport, and asks the
// server to start a session. The capture loop itself starts later, when
// the server acknowledges with session_started. While a source is attached
// a second StartCapture is refused.
func (c *Client) StartCapture(ctx context.Context, opts StartOptions) error {
	c.mu.Lock()
	if c.engaged {
		c.mu.Unlock()
		return media.ErrSourceBusy
	}
	source, err := c.openSource(opts.Mode, opts.Input)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.engaged = true
	c.source = source
	c.rate = opts.RateHz
	c.mu.Unlock()

	if err := c.connector.Connect(ctx); err != nil {
		c.abort(ctx, false)
		return fmt.Errorf("client: connect: %w", err)
	}
	if err := c.machine.RequestStart(opts.Mode); err != nil {
		c.abort(ctx, true)
		return fmt.Errorf("client: start session: %w", err)
	}
	return nil
}

// HandleSessionActive starts the capture loop once the server has issued a
// session identifier. Wire it to the session machine's OnActive callback.
func (c *Client) HandleSessionActive(sessionID string) {
	c.mu.Lock()
	engaged := c.engaged
	source := c.source
	rate := c.rate
	c.mu.Unlock()
	if !engaged {
		slog.Warn("Session became active with no attached source", "session_id", sessionID)
		return
	}

	// If the process dies or disconnects, the server still learns the
	// session is over.
	c.connector.SetShutdownNotice(protocol.EventEndSession, protocol.EndSessionPayload{SessionID: sessionID})

	if err := c.loop.Start(source, rate); err != nil {
		slog.Error("Capture loop failed to start", "session_id", sessionID, "error", err)
		c.teardown(context.Background(), "capture start failed")
	}
}

// SaveBackground asks the server to persist the current background.
func (c *Client) SaveBackground() error {
	return c.machine.RequestSave()
}

// UpdateBackground resubmits the most recently captured frame as the new
// background. It requires a running capture loop; the media source is only
// ever sampled by the loop itself.
func (c *Client) UpdateBackground() error {
	if !c.loop.Running() {
		return ErrCaptureNotRunning
	}
	frame := c.loop.LastFrame()
	if frame == nil {
		return fmt.Errorf("client: no frame captured yet")
	}
	return c.machine.RequestUpdate(frame)
}

// Stop ends the capture run: loop, media source, session, transport, in
// that order. Safe to call when nothing is engaged.
func (c *Client) Stop(ctx context.Context) {
	c.teardown(ctx, "operator stop")
}

// Redo tears the current run down if one is engaged, then resets the
// session for a fresh start, discarding the saved background.
func (c *Client) Redo(ctx context.Context) error {
	c.teardown(ctx, "redo")
	return c.machine.RequestRedo()
}

// Close tears down and stops the session machine. The client is unusable
// afterwards.
func (c *Client) Close(ctx context.Context) {
	c.teardown(ctx, "shutdown")
	c.discSub.Cancel()
	c.machine.Stop()
}

// Snapshot returns the current session state.
func (c *Client) Snapshot() session.Snapshot {
	return c.machine.Snapshot()
}

// SavedBackground returns the saved artifact, or nil.
func (c *Client) SavedBackground() *session.SavedBackground {
	return c.machine.SavedBackground()
}

// ConnectionState returns the transport state.
func (c *Client) ConnectionState() transport.State {
	return c.connector.State()
}

// StrategyName returns the negotiated transport strategy.
func (c *Client) StrategyName() string {
	return c.connector.StrategyName()
}

// abort unwinds a failed StartCapture before any session existed. The
// machine is left untouched so the operator can simply retry.
func (c *Client) abort(ctx context.Context, disconnect bool) {
	c.mu.Lock()
	source := c.source
	c.engaged = false
	c.source = nil
	c.mu.Unlock()

	if source != nil {
		if err := source.Close(); err != nil {
			slog.Warn("Media source close failed", "error", err)
		}
	}
	if disconnect {
		c.connector.Disconnect(ctx)
	}
}

// teardown runs the full four-step sequence exactly once per engagement.
// Every step runs even when an earlier one fails; a half-released stack is
// worse than a logged error.
func (c *Client) teardown(ctx context.Context, reason string) {
	c.mu.Lock()
	if !c.engaged {
		c.mu.Unlock()
		return
	}
	c.engaged = false
	source := c.source
	c.source = nil
	c.mu.Unlock()

	slog.Info("Tearing down capture run", "reason", reason)

	// 1. Stop producing frames.
	c.loop.Stop()

	// 2. Release the input device or file.
	if source != nil {
		if err := source.Close(); err != nil {
			slog.Warn("Media source close failed", "error", err)
		}
	}

	// 3. End the session, server side best-effort and locally always.
	if snap := c.machine.Snapshot(); snap.SessionID != "" {
		if err := c.connector.Emit(protocol.EventEndSession, protocol.EndSessionPayload{SessionID: snap.SessionID}); err != nil {
			slog.Debug("End session notice not delivered", "session_id", snap.SessionID, "error", err)
		}
	}
	c.machine.End(reason)

	// 4. Tear the link down. The shutdown notice is cleared first: the
	// session end was just sent (or is unsendable), so the armed copy is
	// stale either way.
	c.connector.ClearShutdownNotice()
	c.connector.Disconnect(ctx)
}
