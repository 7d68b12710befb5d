// Package matcher resolves a face embedding to a named gallery identity, or
// flags it as unknown for the tracker's anonymous clustering.
package matcher

import (
	"log/slog"
	"math"

	"github.com/kozaktomas/face-presence/internal/gallery"
)

// Unknown is the label for detections no gallery entry accepts.
const Unknown = "unknown"

// Result is the outcome of matching one detection.
type Result struct {
	Label    string
	Distance float64 // distance to the nearest gallery reference; +Inf for an empty gallery
	Known    bool
}

// Confidence converts a match distance to the 1-distance confidence score
// reported in logs and status output.
func (r Result) Confidence() float64 {
	if !r.Known {
		return 0
	}
	return 1 - r.Distance
}

type Matcher struct {
	tolerance float64
	epsilon   float64
	logger    *slog.Logger
}

// New builds a matcher. tolerance is the max accepted distance for a named
// match; candidates closer together than epsilon are treated as tied.
func New(tolerance, epsilon float64, logger *slog.Logger) *Matcher {
	return &Matcher{tolerance: tolerance, epsilon: epsilon, logger: logger}
}

// Match picks the gallery entry with the minimum distance to the embedding.
// When several entries land within epsilon of the minimum and under the
// tolerance, the lexicographically smallest name wins, deterministically,
// and the ambiguity is logged.
func (m *Matcher) Match(snap *gallery.Snapshot, embedding []float32) Result {
	candidates := snap.Nearest(embedding)
	if len(candidates) == 0 {
		return Result{Label: Unknown, Distance: math.Inf(1)}
	}

	best := candidates[0]
	if best.Distance > m.tolerance {
		return Result{Label: Unknown, Distance: best.Distance}
	}

	// Nearest sorts by (distance, name), so the first candidate inside the
	// epsilon window is already the lexicographic winner among the tied
	// ones under tolerance.
	tied := 0
	for _, c := range candidates {
		if c.Distance > m.tolerance || c.Distance-best.Distance > m.epsilon {
			break
		}
		tied++
	}
	winner := best
	for _, c := range candidates[:tied] {
		if c.Name < winner.Name {
			winner = c
		}
	}

	if tied > 1 {
		m.logger.Warn("ambiguous identity match",
			slog.String("winner", winner.Name),
			slog.Int("tied", tied),
			slog.Float64("distance", winner.Distance),
		)
	}

	return Result{Label: winner.Name, Distance: winner.Distance, Known: true}
}
