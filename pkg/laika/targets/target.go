// Package targets implements the delivery side of the Dispatcher: the
// Target interface fired rules render payloads against, a couple of
// concrete targets, and the dead-letter sink that absorbs deliveries a
// target keeps refusing. The bounded-retry-then-park shape is adapted
// from a generic event dead-letter queue; here it is scoped to a single
// rendered action rather than an arbitrary event envelope.
package targets

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-laika/laika/pkg/laika/laikaerr"
)

// Target delivers a single rendered payload. Implementations must be safe
// for concurrent use by multiple Dispatcher workers.
type Target interface {
	ID() string
	Send(ctx context.Context, payload []byte) error
}

// IdempotentTarget is implemented by targets that can deduplicate
// redelivery attempts given a stable delivery ID.
type IdempotentTarget interface {
	Target
	SendWithID(ctx context.Context, deliveryID string, payload []byte) error
}

// StdoutTarget writes each payload as a line to an io.Writer, newline
// terminated. Useful for local runs and tests; fails only when the
// underlying writer does.
type StdoutTarget struct {
	id string
	w  io.Writer
}

// NewStdoutTarget returns a Target that writes to w.
func NewStdoutTarget(id string, w io.Writer) *StdoutTarget {
	return &StdoutTarget{id: id, w: w}
}

func (t *StdoutTarget) ID() string { return t.id }

func (t *StdoutTarget) Send(_ context.Context, payload []byte) error {
	if _, err := t.w.Write(payload); err != nil {
		return &laikaerr.TargetError{TargetID: t.id, Err: err}
	}
	if _, err := t.w.Write([]byte("\n")); err != nil {
		return &laikaerr.TargetError{TargetID: t.id, Err: err}
	}
	return nil
}

// HTTPTarget POSTs each payload as the request body to a fixed URL.
type HTTPTarget struct {
	id      string
	url     string
	client  *http.Client
	headers map[string]string
}

// NewHTTPTarget returns an HTTPTarget posting to url with the given
// headers (e.g. Content-Type, Authorization) on every delivery.
func NewHTTPTarget(id, url string, headers map[string]string) *HTTPTarget {
	return &HTTPTarget{
		id:      id,
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		headers: headers,
	}
}

var _ IdempotentTarget = (*HTTPTarget)(nil)

func (t *HTTPTarget) ID() string { return t.id }

func (t *HTTPTarget) Send(ctx context.Context, payload []byte) error {
	return t.SendWithID(ctx, "", payload)
}

// SendWithID posts payload with an Idempotency-Key header set to
// deliveryID, letting a well-behaved receiver collapse retried attempts
// of the same firing into one effect.
func (t *HTTPTarget) SendWithID(ctx context.Context, deliveryID string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(payload))
	if err != nil {
		return &laikaerr.TargetError{TargetID: t.id, Err: err}
	}
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if deliveryID != "" {
		req.Header.Set("Idempotency-Key", deliveryID)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return &laikaerr.TargetError{TargetID: t.id, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &laikaerr.TargetError{TargetID: t.id, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	return nil
}
