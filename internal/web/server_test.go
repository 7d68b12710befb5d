package web

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kozaktomas/face-presence/internal/pipeline"
)

type staticStatus struct {
	status pipeline.Status
}

func (s *staticStatus) Status() pipeline.Status { return s.status }

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	provider := &staticStatus{status: pipeline.Status{
		Devices: map[string]pipeline.DeviceStats{
			"cam01": {Cycles: 3, FilesOK: 12, Watermark: 5000},
		},
		OpenTracks: 2,
		QueueDepth: 1,
	}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer("", provider, logger)
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestStatus(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("unexpected content type %s", ct)
	}

	var got pipeline.Status
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("failed to decode status: %v", err)
	}
	if got.OpenTracks != 2 || got.QueueDepth != 1 {
		t.Errorf("unexpected status: %+v", got)
	}
	if got.Devices["cam01"].FilesOK != 12 {
		t.Errorf("unexpected device stats: %+v", got.Devices["cam01"])
	}
}
