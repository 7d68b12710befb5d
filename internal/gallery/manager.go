package gallery

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Store is a versioned source of gallery snapshots.
type Store interface {
	// Load reads the whole gallery and builds a snapshot.
	Load(ctx context.Context) (*Snapshot, error)
	// Stamp returns the store's current version token without loading.
	Stamp(ctx context.Context) (string, error)
}

// Manager owns the current snapshot and hot-reloads it when the store's
// version changes. Readers call Current and never block on a reload.
type Manager struct {
	store    Store
	interval time.Duration
	logger   *slog.Logger
	cur      atomic.Pointer[Snapshot]
}

func NewManager(store Store, interval time.Duration, logger *slog.Logger) *Manager {
	return &Manager{store: store, interval: interval, logger: logger}
}

// Start performs the initial load and begins watching for version changes.
// A failed initial load is fatal: matching cannot proceed without a gallery.
func (m *Manager) Start(ctx context.Context) error {
	snap, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("initial gallery load: %w", err)
	}
	m.cur.Store(snap)
	m.logger.Info("gallery loaded",
		slog.String("version", snap.Version),
		slog.Int("people", snap.People()),
		slog.Int("refs", snap.Refs()),
	)

	go m.watch(ctx)
	return nil
}

// Current returns the active snapshot.
func (m *Manager) Current() *Snapshot {
	return m.cur.Load()
}

func (m *Manager) watch(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.maybeReload(ctx)
		}
	}
}

// maybeReload swaps in a fresh snapshot when the store version moved.
// A failed reload keeps the previous snapshot; matching continues on the
// last good gallery.
func (m *Manager) maybeReload(ctx context.Context) {
	stamp, err := m.store.Stamp(ctx)
	if err != nil {
		m.logger.Warn("gallery version check failed", slog.Any("error", err))
		return
	}
	if stamp == m.Current().Version {
		return
	}

	snap, err := m.store.Load(ctx)
	if err != nil {
		m.logger.Error("gallery reload failed, keeping previous snapshot", slog.Any("error", err))
		return
	}

	m.cur.Store(snap)
	m.logger.Info("gallery reloaded",
		slog.String("version", snap.Version),
		slog.Int("people", snap.People()),
		slog.Int("refs", snap.Refs()),
	)
}
