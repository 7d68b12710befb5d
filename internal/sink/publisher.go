// Package sink delivers presence events to the configured HTTP endpoint
// through a bounded queue with retry and a durable spill file, so a slow or
// dead sink never stalls frame processing and never loses an event silently.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kozaktomas/face-presence/internal/tracker"
)

// Publisher delivers a single event. One call is one attempt; retry policy
// lives in the queue.
type Publisher interface {
	Publish(ctx context.Context, ev tracker.Event) error
}

// StatusError is a non-2xx sink response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("sink rejected event (status %d): %s", e.Code, e.Body)
}

// IsPermanent reports whether the delivery failure cannot be fixed by
// retrying. Client errors are permanent except for timeouts and throttling.
func IsPermanent(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	if se.Code == http.StatusRequestTimeout || se.Code == http.StatusTooManyRequests {
		return false
	}
	return se.Code >= 400 && se.Code < 500
}

// HTTPPublisher posts events as JSON to the sink URL.
type HTTPPublisher struct {
	url    string
	client *http.Client
}

func NewHTTPPublisher(url string, timeout time.Duration) *HTTPPublisher {
	return &HTTPPublisher{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (p *HTTPPublisher) Publish(ctx context.Context, ev tracker.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: string(snippet)}
	}
	return nil
}
