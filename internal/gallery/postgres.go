package gallery

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
)

// PostgresStore loads the gallery from a pgvector table. Used when the
// trainer writes embeddings straight to a shared database instead of a
// blob file.
type PostgresStore struct {
	db  *sql.DB
	dim int
}

func NewPostgresStore(url string, dim int) (*PostgresStore, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("invalid embedding dimension %d", dim)
	}

	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("opening gallery database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging gallery database: %w", err)
	}

	s := &PostgresStore{db: db, dim: dim}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS gallery_faces (
			id BIGSERIAL PRIMARY KEY,
			person_name TEXT NOT NULL,
			embedding VECTOR(%d) NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS gallery_faces_person_idx ON gallery_faces (person_name);
	`, s.dim))
	if err != nil {
		return fmt.Errorf("initializing gallery schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context) (*Snapshot, error) {
	stamp, err := s.Stamp(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT person_name, embedding
		FROM gallery_faces
		ORDER BY person_name, id
	`)
	if err != nil {
		return nil, fmt.Errorf("querying gallery faces: %w", err)
	}
	defer rows.Close()

	people := map[string][][]float32{}
	var order []string
	for rows.Next() {
		var name string
		var vec pgvector.Vector
		if err := rows.Scan(&name, &vec); err != nil {
			return nil, fmt.Errorf("scanning gallery face: %w", err)
		}
		if _, ok := people[name]; !ok {
			order = append(order, name)
		}
		people[name] = append(people[name], vec.Slice())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating gallery faces: %w", err)
	}

	entries := make([]Entry, 0, len(order))
	for _, name := range order {
		entries = append(entries, Entry{Name: name, Embeddings: people[name]})
	}
	return NewSnapshot(stamp, s.dim, entries)
}

// Stamp derives a version token from row count and newest insert time, so
// any trainer write is picked up on the next check.
func (s *PostgresStore) Stamp(ctx context.Context) (string, error) {
	var count int64
	var latest sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(EXTRACT(EPOCH FROM MAX(created_at))::bigint, 0)
		FROM gallery_faces
	`).Scan(&count, &latest)
	if err != nil {
		return "", fmt.Errorf("querying gallery version: %w", err)
	}
	return fmt.Sprintf("%d-%d", count, latest.Int64), nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
