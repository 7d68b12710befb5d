package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kozaktomas/face-presence/internal/tracker"
)

// SQLite is the default ledger backend, a single file next to the frame
// folders. WAL mode keeps the per-device workers from blocking each other.
type SQLite struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS processed_files (
	device_id    TEXT NOT NULL,
	filename     TEXT NOT NULL,
	outcome      TEXT NOT NULL,
	processed_at INTEGER NOT NULL,
	PRIMARY KEY (device_id, filename)
);
CREATE TABLE IF NOT EXISTS open_tracks (
	device_id  TEXT PRIMARY KEY,
	payload    TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// OpenSQLite opens (and if needed creates) the ledger database at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}

	// a single writer avoids SQLITE_BUSY under concurrent device workers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create ledger schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (l *SQLite) IsProcessed(ctx context.Context, deviceID, filename string) (bool, error) {
	var one int
	err := l.db.QueryRowContext(ctx,
		"SELECT 1 FROM processed_files WHERE device_id = ? AND filename = ?",
		deviceID, filename,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query ledger: %w", err)
	}
	return true, nil
}

func (l *SQLite) MarkProcessed(ctx context.Context, deviceID, filename string, outcome Outcome) (bool, error) {
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO processed_files (device_id, filename, outcome, processed_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (device_id, filename) DO NOTHING`,
		deviceID, filename, string(outcome), time.Now().UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark file processed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	return n > 0, nil
}

func (l *SQLite) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{ByDevice: map[string]int64{}}

	rows, err := l.db.QueryContext(ctx,
		"SELECT device_id, outcome, COUNT(*) FROM processed_files GROUP BY device_id, outcome")
	if err != nil {
		return stats, fmt.Errorf("failed to query ledger stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var device, outcome string
		var count int64
		if err := rows.Scan(&device, &outcome, &count); err != nil {
			return stats, fmt.Errorf("failed to scan ledger stats: %w", err)
		}
		stats.Total += count
		stats.ByDevice[device] += count
		if Outcome(outcome) == OutcomeError {
			stats.Errors += count
		} else {
			stats.OK += count
		}
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("failed to iterate ledger stats: %w", err)
	}
	return stats, nil
}

func (l *SQLite) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := l.db.ExecContext(ctx,
		"DELETE FROM processed_files WHERE processed_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge ledger: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read purge result: %w", err)
	}
	return n, nil
}

func (l *SQLite) SaveOpenTracks(ctx context.Context, deviceID string, tracks []tracker.Track) error {
	if len(tracks) == 0 {
		if _, err := l.db.ExecContext(ctx,
			"DELETE FROM open_tracks WHERE device_id = ?", deviceID); err != nil {
			return fmt.Errorf("failed to clear open tracks: %w", err)
		}
		return nil
	}

	payload, err := json.Marshal(tracks)
	if err != nil {
		return fmt.Errorf("failed to encode open tracks: %w", err)
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO open_tracks (device_id, payload, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (device_id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		deviceID, string(payload), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save open tracks: %w", err)
	}
	return nil
}

func (l *SQLite) LoadOpenTracks(ctx context.Context) ([]tracker.Track, error) {
	rows, err := l.db.QueryContext(ctx, "SELECT payload FROM open_tracks")
	if err != nil {
		return nil, fmt.Errorf("failed to query open tracks: %w", err)
	}
	defer rows.Close()

	var all []tracker.Track
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan open tracks: %w", err)
		}
		var tracks []tracker.Track
		if err := json.Unmarshal([]byte(payload), &tracks); err != nil {
			return nil, fmt.Errorf("failed to decode open tracks: %w", err)
		}
		all = append(all, tracks...)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate open tracks: %w", err)
	}
	return all, nil
}

func (l *SQLite) Close() error {
	if err := l.db.Close(); err != nil {
		return fmt.Errorf("failed to close ledger database: %w", err)
	}
	return nil
}
