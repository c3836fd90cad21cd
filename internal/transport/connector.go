package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/satriabw/calibration-frontend/internal/metrics"
	"github.com/satriabw/calibration-frontend/internal/platform/retry"
	"github.com/satriabw/calibration-frontend/internal/protocol"
)

// Local lifecycle events dispatched by the connector itself, never sent on
// the wire. Underscore-prefixed so they cannot collide with server events.
const (
	EventConnected    = "_connected"
	EventDisconnected = "_disconnected"
)

// DisconnectedPayload is the payload of the local EventDisconnected event.
type DisconnectedPayload struct {
	Reason string `json:"reason"`
}

// Handler receives a dispatched event. Handlers run serially on the read
// loop goroutine, in registration order, preserving server event order.
type Handler func(event string, data json.RawMessage)

// Subscription removes a single registered handler when cancelled.
type Subscription interface {
	Cancel()
}

// EventBus is the subscription surface of a Connector, split out so event
// consumers can be wired against fakes.
type EventBus interface {
	On(event string, h Handler) Subscription
	Off(event string)
}

const dialAttemptsPerStrategy = 2

// Options configures a Connector.
type Options struct {
	// Strategies are tried in order on every connect until one dials.
	Strategies []Strategy
	// Clock defaults to the real clock.
	Clock clockwork.Clock
	// DialBackoff is the initial backoff between dial retries within one
	// strategy. Defaults to 500ms.
	DialBackoff time.Duration
}

type shutdownNotice struct {
	event   string
	payload any
}

// Connector owns the persistent connection: negotiation, the read loop,
// the handler registry, and fire-and-forget emits. It is constructed
// explicitly and injected; nothing in this package is process-global.
type Connector struct {
	strategies  []Strategy
	clock       clockwork.Clock
	dialBackoff time.Duration

	sf singleflight.Group

	mu       sync.Mutex
	state    State
	link     Link
	strategy string
	notice   *shutdownNotice

	hmu      sync.Mutex
	handlers map[string]map[int]Handler
	nextID   int
}

// NewConnector creates a disconnected Connector.
func NewConnector(opts Options) *Connector {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	backoff := opts.DialBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	return &Connector{
		strategies:  opts.Strategies,
		clock:       clock,
		dialBackoff: backoff,
		handlers:    make(map[string]map[int]Handler),
	}
}

// State returns the current connection state.
func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StrategyName returns the negotiated strategy, or "" when disconnected.
func (c *Connector) StrategyName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.strategy
}

// Connect establishes the link. It is idempotent: when already connected
// it returns nil immediately, and concurrent calls collapse into one
// attempt. Strategies are tried in order; the first that dials wins. On
// total failure the state is StateError and a *ConnectionError is returned.
func (c *Connector) Connect(ctx context.Context) error {
	_, err, _ := c.sf.Do("connect", func() (any, error) {
		return nil, c.connect(ctx)
	})
	return err
}

func (c *Connector) connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	var (
		link     Link
		lastErr  error
		lastName string
	)
	for _, s := range c.strategies {
		lastName = s.Name()
		l, err := c.dial(ctx, s)
		if err != nil {
			lastErr = err
			metrics.TransportConnectAttempts.WithLabelValues(s.Name(), "error").Inc()
			slog.Warn("Transport strategy failed, falling back",
				"strategy", s.Name(),
				"error", err,
			)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		link = l
		metrics.TransportConnectAttempts.WithLabelValues(s.Name(), "success").Inc()
		break
	}

	if link == nil {
		c.mu.Lock()
		c.setStateLocked(StateError)
		c.mu.Unlock()
		return &ConnectionError{Strategy: lastName, Err: lastErr}
	}

	c.mu.Lock()
	c.link = link
	c.strategy = lastName
	c.setStateLocked(StateConnected)
	c.mu.Unlock()

	slog.Info("Transport connected", "strategy", lastName)
	go c.readLoop(link)

	payload, _ := json.Marshal(map[string]string{"strategy": lastName})
	c.dispatch(EventConnected, payload)
	return nil
}

func (c *Connector) dial(ctx context.Context, s Strategy) (Link, error) {
	policy := retry.Policy{
		MaxAttempts:    dialAttemptsPerStrategy,
		InitialBackoff: c.dialBackoff,
		Clock:          c.clock,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			slog.Debug("Retrying transport dial",
				"strategy", s.Name(),
				"attempt", attempt,
				"backoff", backoff,
				"error", err,
			)
		},
	}
	classify := func(err error) retry.Action {
		if ctx.Err() != nil {
			return retry.Stop
		}
		return retry.Retry
	}
	return retry.Do(ctx, policy, classify, func() (Link, error) {
		return s.Dial(ctx)
	})
}

// readLoop decodes envelopes and dispatches handlers serially until the
// link dies. There is exactly one read loop per established link.
func (c *Connector) readLoop(link Link) {
	for {
		env, err := link.Receive()
		if err != nil {
			c.handleLinkLoss(link, err)
			return
		}
		metrics.TransportEventsReceived.WithLabelValues(env.Event).Inc()
		c.dispatch(env.Event, env.Data)
	}
}

func (c *Connector) handleLinkLoss(link Link, cause error) {
	c.mu.Lock()
	if c.link != link {
		// Replaced or explicitly closed; not a link loss.
		c.mu.Unlock()
		return
	}
	c.link = nil
	c.strategy = ""
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	metrics.TransportDisconnects.Inc()
	slog.Warn("Transport connection lost", "error", cause)

	payload, _ := json.Marshal(DisconnectedPayload{Reason: cause.Error()})
	c.dispatch(EventDisconnected, payload)
}

// Emit sends one event, fire-and-forget. When not connected the event is
// dropped with a warning and ErrNotConnected; nothing is queued or retried.
func (c *Connector) Emit(event string, payload any) error {
	c.mu.Lock()
	link := c.link
	state := c.state
	c.mu.Unlock()

	if state != StateConnected || link == nil {
		slog.Warn("Dropping event: not connected", "event", event, "state", state.String())
		metrics.TransportEventsDropped.WithLabelValues("not_connected").Inc()
		return ErrNotConnected
	}

	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return err
	}

	if err := link.Send(env); err != nil {
		slog.Warn("Event send failed", "event", event, "error", err)
		metrics.TransportEventsDropped.WithLabelValues("send_failed").Inc()
		return err
	}

	metrics.TransportEventsSent.WithLabelValues(event).Inc()
	return nil
}

// On registers a handler for a named event. Multiple handlers per event
// are supported; they run in registration order.
func (c *Connector) On(event string, h Handler) Subscription {
	c.hmu.Lock()
	defer c.hmu.Unlock()

	if c.handlers[event] == nil {
		c.handlers[event] = make(map[int]Handler)
	}
	id := c.nextID
	c.nextID++
	c.handlers[event][id] = h

	return &subscription{connector: c, event: event, id: id}
}

// Off removes all handlers for the named event.
func (c *Connector) Off(event string) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	delete(c.handlers, event)
}

type subscription struct {
	connector *Connector
	event     string
	id        int
	once      sync.Once
}

func (s *subscription) Cancel() {
	s.once.Do(func() {
		c := s.connector
		c.hmu.Lock()
		defer c.hmu.Unlock()
		if hs := c.handlers[s.event]; hs != nil {
			delete(hs, s.id)
			if len(hs) == 0 {
				delete(c.handlers, s.event)
			}
		}
	})
}

func (c *Connector) dispatch(event string, data json.RawMessage) {
	c.hmu.Lock()
	ids := make([]int, 0, len(c.handlers[event]))
	for id := range c.handlers[event] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	ordered := make([]Handler, 0, len(ids))
	for _, id := range ids {
		ordered = append(ordered, c.handlers[event][id])
	}
	c.hmu.Unlock()

	for _, h := range ordered {
		h(event, data)
	}
}

// SetShutdownNotice arms a best-effort event sent right before an explicit
// Disconnect tears the link down. The session layer uses this to notify
// the server of session end.
func (c *Connector) SetShutdownNotice(event string, payload any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notice = &shutdownNotice{event: event, payload: payload}
}

// ClearShutdownNotice disarms the shutdown notice.
func (c *Connector) ClearShutdownNotice() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notice = nil
}

// Disconnect sends the armed shutdown notice best-effort, then tears the
// link down unconditionally. It never fails and is safe to call when
// already disconnected.
func (c *Connector) Disconnect(ctx context.Context) {
	c.mu.Lock()
	link := c.link
	notice := c.notice
	c.link = nil
	c.strategy = ""
	c.notice = nil
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if link == nil {
		return
	}

	if notice != nil {
		if env, err := protocol.NewEnvelope(notice.event, notice.payload); err == nil {
			if err := link.Send(env); err != nil {
				slog.Debug("Shutdown notice not delivered", "event", notice.event, "error", err)
			}
		}
	}

	if err := link.Close(); err != nil {
		slog.Debug("Link close reported error", "error", err)
	}
	slog.Info("Transport disconnected")
}

// setStateLocked updates state and its gauge. Caller holds c.mu.
func (c *Connector) setStateLocked(s State) {
	c.state = s
	metrics.TransportConnectionState.Set(float64(s))
}
