package gallery

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// blobFile is the on-disk gallery format written by the training step:
// a versioned, schema-checked JSON blob mapping person name to reference
// embeddings.
type blobFile struct {
	Version int                    `json:"version"`
	Dim     int                    `json:"dim"`
	People  map[string][][]float32 `json:"people"`
}

// FileStore loads the gallery from a JSON blob on disk. The blob is
// replaced atomically by the trainer (temp name + rename), so a plain read
// always sees a complete file.
type FileStore struct {
	path string
	dim  int // expected dimension; 0 accepts whatever the blob declares
}

func NewFileStore(path string, dim int) *FileStore {
	return &FileStore{path: path, dim: dim}
}

func (s *FileStore) Load(ctx context.Context) (*Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("reading gallery blob: %w", err)
	}

	var blob blobFile
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, fmt.Errorf("parsing gallery blob: %w", err)
	}

	if blob.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported gallery format version %d, want %d", blob.Version, FormatVersion)
	}
	if s.dim > 0 && blob.Dim != s.dim {
		return nil, fmt.Errorf("gallery dimension %d does not match configured %d", blob.Dim, s.dim)
	}

	entries := make([]Entry, 0, len(blob.People))
	for name, embs := range blob.People {
		entries = append(entries, Entry{Name: name, Embeddings: embs})
	}

	stamp, err := s.Stamp(ctx)
	if err != nil {
		return nil, err
	}
	return NewSnapshot(stamp, blob.Dim, entries)
}

// Stamp returns a cheap version token for change detection: file
// modification time plus size.
func (s *FileStore) Stamp(_ context.Context) (string, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return "", fmt.Errorf("stat gallery blob: %w", err)
	}
	return fmt.Sprintf("%d-%d", info.ModTime().UnixNano(), info.Size()), nil
}
