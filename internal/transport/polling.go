package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/satriabw/calibration-frontend/internal/protocol"
)

const pollWait = 25 * time.Second

// PollingStrategy is the fallback channel: HTTP long-polling against the
// same service. The client registers a generated client ID, then holds a
// GET open for batches of envelopes while POSTing emits out of band.
type PollingStrategy struct {
	URL string
	// Client defaults to an http.Client without a global timeout; the
	// long-poll request carries its own deadline instead.
	Client *http.Client
}

func (s *PollingStrategy) Name() string { return "polling" }

func (s *PollingStrategy) Dial(ctx context.Context) (Link, error) {
	base, err := url.Parse(s.URL)
	if err != nil {
		return nil, fmt.Errorf("parse service url %q: %w", s.URL, err)
	}

	httpClient := s.Client
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	clientID := uuid.NewString()

	body, _ := json.Marshal(map[string]string{"client_id": clientID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base.JoinPath("poll", "connect").String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("polling handshake request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("polling handshake: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("polling handshake: unexpected status %s", resp.Status)
	}

	linkCtx, cancel := context.WithCancel(context.Background())
	return &pollLink{
		base:     base,
		client:   httpClient,
		clientID: clientID,
		ctx:      linkCtx,
		cancel:   cancel,
	}, nil
}

type pollLink struct {
	base     *url.URL
	client   *http.Client
	clientID string

	ctx    context.Context
	cancel context.CancelFunc

	// queue holds envelopes from the last poll batch; drained one per
	// Receive call by the single read loop goroutine.
	queue []protocol.Envelope
}

func (l *pollLink) endpoint(parts ...string) string {
	u := *l.base.JoinPath(parts...)
	q := u.Query()
	q.Set("client", l.clientID)
	u.RawQuery = q.Encode()
	return u.String()
}

func (l *pollLink) Send(env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("polling send: %w", err)
	}

	ctx, cancel := context.WithTimeout(l.ctx, wsWriteDeadline)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.endpoint("poll", "emit"), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("polling send: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("polling send: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("polling send: unexpected status %s", resp.Status)
	}
	return nil
}

func (l *pollLink) Receive() (protocol.Envelope, error) {
	for {
		if len(l.queue) > 0 {
			env := l.queue[0]
			l.queue = l.queue[1:]
			return env, nil
		}

		batch, err := l.poll()
		if err != nil {
			return protocol.Envelope{}, err
		}
		l.queue = batch
	}
}

func (l *pollLink) poll() ([]protocol.Envelope, error) {
	ctx, cancel := context.WithTimeout(l.ctx, pollWait+wsWriteDeadline)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.endpoint("poll", "events"), nil)
	if err != nil {
		return nil, fmt.Errorf("polling receive: %w", err)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		if errors.Is(l.ctx.Err(), context.Canceled) {
			return nil, fmt.Errorf("polling receive: link closed: %w", err)
		}
		return nil, fmt.Errorf("polling receive: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var batch []protocol.Envelope
		if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
			return nil, fmt.Errorf("polling receive: decode batch: %w", err)
		}
		return batch, nil
	case http.StatusNoContent:
		// Poll window elapsed with nothing to deliver.
		return nil, nil
	default:
		return nil, fmt.Errorf("polling receive: unexpected status %s", resp.Status)
	}
}

func (l *pollLink) Close() error {
	l.cancel()
	return nil
}
