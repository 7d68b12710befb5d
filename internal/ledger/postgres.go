package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/kozaktomas/face-presence/internal/tracker"
)

// Postgres is the shared ledger backend for fleets where several edge boxes
// report into one database.
type Postgres struct {
	db *sql.DB
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS processed_files (
	device_id    TEXT NOT NULL,
	filename     TEXT NOT NULL,
	outcome      TEXT NOT NULL,
	processed_at BIGINT NOT NULL,
	PRIMARY KEY (device_id, filename)
);
CREATE TABLE IF NOT EXISTS open_tracks (
	device_id  TEXT PRIMARY KEY,
	payload    JSONB NOT NULL,
	updated_at BIGINT NOT NULL
);
`

// OpenPostgres connects to the ledger database and ensures the schema.
func OpenPostgres(url string) (*Postgres, error) {
	if url == "" {
		return nil, errors.New("ledger database URL is required")
	}

	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping ledger database: %w", err)
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create ledger schema: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (l *Postgres) IsProcessed(ctx context.Context, deviceID, filename string) (bool, error) {
	var one int
	err := l.db.QueryRowContext(ctx,
		"SELECT 1 FROM processed_files WHERE device_id = $1 AND filename = $2",
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

func (l *Postgres) MarkProcessed(ctx context.Context, deviceID, filename string, outcome Outcome) (bool, error) {
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO processed_files (device_id, filename, outcome, processed_at)
		 VALUES ($1, $2, $3, $4)
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

func (l *Postgres) Stats(ctx context.Context) (Stats, error) {
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

func (l *Postgres) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := l.db.ExecContext(ctx,
		"DELETE FROM processed_files WHERE processed_at < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge ledger: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read purge result: %w", err)
	}
	return n, nil
}

func (l *Postgres) SaveOpenTracks(ctx context.Context, deviceID string, tracks []tracker.Track) error {
	if len(tracks) == 0 {
		if _, err := l.db.ExecContext(ctx,
			"DELETE FROM open_tracks WHERE device_id = $1", deviceID); err != nil {
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
		 VALUES ($1, $2, $3)
		 ON CONFLICT (device_id) DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`,
		deviceID, string(payload), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save open tracks: %w", err)
	}
	return nil
}

func (l *Postgres) LoadOpenTracks(ctx context.Context) ([]tracker.Track, error) {
	rows, err := l.db.QueryContext(ctx, "SELECT payload FROM open_tracks")
	if err != nil {
		return nil, fmt.Errorf("failed to query open tracks: %w", err)
	}
	defer rows.Close()

	var all []tracker.Track
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan open tracks: %w", err)
		}
		var tracks []tracker.Track
		if err := json.Unmarshal(payload, &tracks); err != nil {
			return nil, fmt.Errorf("failed to decode open tracks: %w", err)
		}
		all = append(all, tracks...)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate open tracks: %w", err)
	}
	return all, nil
}

func (l *Postgres) Close() error {
	if err := l.db.Close(); err != nil {
		return fmt.Errorf("failed to close ledger database: %w", err)
	}
	return nil
}
