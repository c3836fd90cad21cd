// Package calibration is the boundary to the remote calibration solver.
// The solve is a one-shot HTTP request: pixel/geo correspondence points
// plus the background image go out, the fitted result comes back and is
// passed through without local validation.
package calibration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/jonboulle/clockwork"

	"github.com/satriabw/calibration-frontend/internal/metrics"
	"github.com/satriabw/calibration-frontend/internal/platform/retry"
)

const (
	defaultMaxAttempts    = 3
	defaultInitialBackoff = 500 * time.Millisecond
	defaultRateBackoff    = 5 * time.Second
	defaultRequestTimeout = 30 * time.Second
	maxErrorBodyBytes     = 512
)

// PixelPoint is an image coordinate in pixels.
type PixelPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// GeoPoint is a geographic coordinate.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// PointPair binds one pixel coordinate to its geographic counterpart.
type PointPair struct {
	Pixel PixelPoint `json:"pixel"`
	Geo   GeoPoint   `json:"geo"`
}

// SolveRequest is one calibration solve. Image is the background the
// points were picked on; encoding/json sends it base64-encoded.
type SolveRequest struct {
	Points []PointPair `json:"points"`
	Origin *GeoPoint   `json:"origin,omitempty"`
	Image  []byte      `json:"image"`
}

// SolveRecord is one entry of the server-side solve history, passed
// through untouched.
type SolveRecord = json.RawMessage

// SolveResult is the solver's answer, unvalidated.
type SolveResult struct {
	RMSError      float64       `json:"rms_error"`
	Visualization []byte        `json:"visualization"`
	History       []SolveRecord `json:"history"`
}

type solveResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	SolveResult
}

// HTTPError is a non-2xx solver response.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("calibration: server returned %d: %s", e.Status, e.Body)
}

// Options tune the solve client. Zero values select defaults.
type Options struct {
	HTTPClient *http.Client
	Clock      clockwork.Clock
	// Breaker overrides the default circuit breaker, mainly for tests.
	Breaker        circuitbreaker.CircuitBreaker[any]
	MaxAttempts    int
	InitialBackoff time.Duration
}

// Client issues calibration solves with retry and a circuit breaker. The
// breaker keeps a flapping solver from eating the operator's session: once
// it opens, solves fail fast until the cool-down passes.
type Client struct {
	url    string
	http   *http.Client
	clock  clockwork.Clock
	cb     circuitbreaker.CircuitBreaker[any]
	policy retry.Policy
}

// NewClient creates a solve client for the given endpoint URL.
func NewClient(url string, opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	cb := opts.Breaker
	if cb == nil {
		cb = newBreaker()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	backoff := opts.InitialBackoff
	if backoff <= 0 {
		backoff = defaultInitialBackoff
	}

	return &Client{
		url:   url,
		http:  httpClient,
		clock: clock,
		cb:    cb,
		policy: retry.Policy{
			MaxAttempts:      maxAttempts,
			InitialBackoff:   backoff,
			RateLimitBackoff: defaultRateBackoff,
			Clock:            clock,
			OnRetry: func(attempt int, err error, backoff time.Duration) {
				slog.Warn("Retrying calibration solve", "attempt", attempt, "backoff", backoff, "error", err)
			},
		},
	}
}

func newBreaker() circuitbreaker.CircuitBreaker[any] {
	return circuitbreaker.NewBuilder[any]().
		WithFailureRateThreshold(0.6, 5, 10*time.Second).
		WithDelay(30 * time.Second).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			slog.Warn("Circuit breaker state changed",
				"component", "calibration",
				"from", e.OldState.String(),
				"to", e.NewState.String(),
			)
			metrics.CircuitBreakerStateChanges.WithLabelValues("calibration", e.NewState.String()).Inc()
			metrics.CircuitBreakerState.WithLabelValues("calibration").Set(breakerStateValue(e.NewState))
		}).
		Build()
}

func breakerStateValue(state circuitbreaker.State) float64 {
	switch state {
	case circuitbreaker.ClosedState:
		return 0
	case circuitbreaker.HalfOpenState:
		return 1
	case circuitbreaker.OpenState:
		return 2
	default:
		return -1
	}
}

// Solve submits one calibration request. Transient failures (5xx, network)
// retry with backoff; client errors (4xx) are permanent; 429 waits out the
// rate limit backoff.
func (c *Client) Solve(ctx context.Context, req SolveRequest) (*SolveResult, error) {
	if c.url == "" {
		return nil, fmt.Errorf("calibration: no solver URL configured")
	}
	if len(req.Points) == 0 {
		return nil, fmt.Errorf("calibration: no correspondence points")
	}

	if !c.cb.TryAcquirePermit() {
		metrics.CalibrationSolveRequests.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("calibration: solve rejected: %w", circuitbreaker.ErrOpen)
	}

	start := c.clock.Now()
	result, err := retry.Do(ctx, c.policy, classifySolveError, func() (*SolveResult, error) {
		return c.post(ctx, req)
	})
	metrics.CalibrationSolveDuration.Observe(c.clock.Since(start).Seconds())

	if err != nil {
		c.cb.RecordError(err)
		metrics.CalibrationSolveRequests.WithLabelValues("error").Inc()
		return nil, err
	}

	c.cb.RecordSuccess()
	metrics.CalibrationSolveRequests.WithLabelValues("success").Inc()
	slog.Info("Calibration solved", "rms_error", result.RMSError, "points", len(req.Points))
	return result, nil
}

func (c *Client) post(ctx context.Context, req SolveRequest) (*SolveResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("calibration: encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("calibration: building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calibration: solve request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, &HTTPError{Status: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	}

	var decoded solveResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("calibration: decoding response: %w", err)
	}
	if !decoded.Success {
		return nil, &HTTPError{Status: resp.StatusCode, Body: decoded.Message}
	}
	return &decoded.SolveResult, nil
}

// classifySolveError maps solver failures to retry actions: 4xx requests
// will not get better on retry, 429 backs off longer, everything else is
// assumed transient.
func classifySolveError(err error) retry.Action {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.Status == http.StatusTooManyRequests:
			return retry.After
		case httpErr.Status >= 400 && httpErr.Status < 500:
			return retry.Stop
		case httpErr.Status == http.StatusOK:
			// 200 with success=false: the solver rejected the input.
			return retry.Stop
		}
	}
	return retry.Retry
}
