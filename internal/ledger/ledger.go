// Package ledger is the durable processed-file record. A file is marked
// exactly once per (device, filename) pair, with the outcome of its
// processing, so restarts and re-listed files never get reprocessed. The
// ledger also persists open visit tracks across restarts.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/kozaktomas/face-presence/internal/config"
	"github.com/kozaktomas/face-presence/internal/tracker"
)

// Outcome records how processing of a file ended. Error outcomes mark
// poison files: ledgered so they are never retried.
type Outcome string

const (
	OutcomeOK    Outcome = "ok"
	OutcomeError Outcome = "error"
)

// Stats summarizes ledger contents for the stats command and /status.
type Stats struct {
	Total    int64            `json:"total"`
	OK       int64            `json:"ok"`
	Errors   int64            `json:"errors"`
	ByDevice map[string]int64 `json:"by_device"`
}

// Ledger is the processed-file record plus open-track persistence.
type Ledger interface {
	// IsProcessed reports whether the file already has a ledger entry.
	IsProcessed(ctx context.Context, deviceID, filename string) (bool, error)
	// MarkProcessed inserts the entry. Returns false when the file was
	// already marked; an existing entry is never overwritten.
	MarkProcessed(ctx context.Context, deviceID, filename string, outcome Outcome) (bool, error)
	// Stats returns entry counts.
	Stats(ctx context.Context) (Stats, error)
	// Purge deletes entries older than the given age and returns how many.
	Purge(ctx context.Context, olderThan time.Duration) (int64, error)
	// SaveOpenTracks replaces the persisted open tracks of a device.
	SaveOpenTracks(ctx context.Context, deviceID string, tracks []tracker.Track) error
	// LoadOpenTracks returns all persisted open tracks across devices.
	LoadOpenTracks(ctx context.Context) ([]tracker.Track, error)
	Close() error
}

// Open builds the configured ledger backend.
func Open(cfg config.LedgerConfig) (Ledger, error) {
	switch cfg.Driver {
	case "sqlite":
		return OpenSQLite(cfg.Path)
	case "postgres":
		return OpenPostgres(cfg.URL)
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", cfg.Driver)
	}
}
