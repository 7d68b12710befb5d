// Package gallery holds the in-memory index of named reference embeddings
// the matcher compares detections against. A gallery is loaded from a store
// as a whole immutable snapshot and swapped atomically on reload, so a
// matching pass never observes a partially updated index.
package gallery

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/coder/hnsw"
)

// FormatVersion is the gallery blob schema version this build understands.
const FormatVersion = 1

// hnswCutoff is the reference count above which lookups go through the HNSW
// index instead of a full scan. Small galleries stay brute force: exact,
// deterministic, and cheap.
const hnswCutoff = 256

// hnswCandidates is how many nearest references the index returns before
// exact re-ranking.
const hnswCandidates = 16

const hnswMaxNeighbors = 16

// Entry is one named person and their reference embeddings. Training
// produces one embedding per labelled photo, so several per person is the
// normal case.
type Entry struct {
	Name       string
	Embeddings [][]float32
}

// Candidate is a per-person result of a nearest lookup: the smallest
// distance between the query and any of that person's references.
type Candidate struct {
	Name     string
	Distance float64
}

type ref struct {
	name string
	emb  []float32
}

// Snapshot is an immutable loaded gallery.
type Snapshot struct {
	Version  string
	LoadedAt time.Time

	dim     int
	entries []Entry
	refs    []ref
	graph   *hnsw.Graph[int]
}

// NewSnapshot validates entries and builds the lookup structures. Entries
// are sorted by name so iteration order is stable across loads.
func NewSnapshot(version string, dim int, entries []Entry) (*Snapshot, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("invalid embedding dimension %d", dim)
	}

	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	s := &Snapshot{
		Version:  version,
		LoadedAt: time.Now(),
		dim:      dim,
		entries:  sorted,
	}

	for _, e := range sorted {
		if e.Name == "" {
			return nil, fmt.Errorf("gallery entry with empty name")
		}
		for i, emb := range e.Embeddings {
			if len(emb) != dim {
				return nil, fmt.Errorf("entry %s embedding %d has dimension %d, want %d", e.Name, i, len(emb), dim)
			}
			s.refs = append(s.refs, ref{name: e.Name, emb: emb})
		}
	}

	if len(s.refs) >= hnswCutoff {
		g := hnsw.NewGraph[int]()
		g.M = hnswMaxNeighbors
		g.Ml = 1.0 / float64(hnswMaxNeighbors)
		g.Distance = hnsw.EuclideanDistance
		for i := range s.refs {
			g.Add(hnsw.MakeNode(i, s.refs[i].emb))
		}
		s.graph = g
	}

	return s, nil
}

// Dim returns the embedding dimension of this gallery.
func (s *Snapshot) Dim() int { return s.dim }

// People returns the number of named entries.
func (s *Snapshot) People() int { return len(s.entries) }

// Refs returns the total number of reference embeddings.
func (s *Snapshot) Refs() int { return len(s.refs) }

// Entries returns the loaded entries, sorted by name.
func (s *Snapshot) Entries() []Entry { return s.entries }

// Nearest returns per-person candidates sorted by distance, then name.
// Person distance is the minimum over that person's references, computed
// exactly; the HNSW index only narrows which persons are considered.
func (s *Snapshot) Nearest(query []float32) []Candidate {
	if len(s.refs) == 0 || len(query) != s.dim {
		return nil
	}

	names := map[string]bool{}
	if s.graph != nil {
		for _, n := range s.graph.Search(query, hnswCandidates) {
			names[s.refs[n.Key].name] = true
		}
	} else {
		for _, r := range s.refs {
			names[r.name] = true
		}
	}

	best := map[string]float64{}
	for _, r := range s.refs {
		if !names[r.name] {
			continue
		}
		d := Distance(query, r.emb)
		if cur, ok := best[r.name]; !ok || d < cur {
			best[r.name] = d
		}
	}

	candidates := make([]Candidate, 0, len(best))
	for name, d := range best {
		candidates = append(candidates, Candidate{Name: name, Distance: d})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Distance != candidates[j].Distance {
			return candidates[i].Distance < candidates[j].Distance
		}
		return candidates[i].Name < candidates[j].Name
	})
	return candidates
}

// Distance computes the euclidean distance between two embeddings. This is
// the metric the named tolerances (0.6 / 0.5 / 0.4) were tuned for.
// Returns +Inf for mismatched or empty input.
func Distance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.Inf(1)
	}

	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
