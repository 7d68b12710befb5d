// Package tracker folds per-frame sightings into visit tracks and turns
// closed tracks into presence events. A track opens on the first sighting of
// an identity on a device and closes once the device's frame watermark has
// moved past the last sighting by more than the silence timeout.
package tracker

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kozaktomas/face-presence/internal/gallery"
)

// eventNamespace seeds deterministic event IDs, so a reprocessed track
// produces the same event_id and downstream consumers can dedupe.
var eventNamespace = uuid.NewSHA1(uuid.NameSpaceDNS, []byte("events.face-presence"))

// Observation is one matched detection within a frame.
type Observation struct {
	Label     string // person name for known matches, empty otherwise
	Known     bool
	Distance  float64
	Embedding []float32
}

// Track is an open visit. Timestamps are capture milliseconds taken from
// frame filenames, never wall clock.
type Track struct {
	ID         string    `json:"id"`
	DeviceID   string    `json:"device_id"`
	Label      string    `json:"label"`
	Known      bool      `json:"known"`
	StartTS    int64     `json:"start_ts"`
	LastSeenTS int64     `json:"last_seen_ts"`
	Centroid   []float32 `json:"centroid,omitempty"`
	Sightings  int       `json:"sightings"`
}

// Event is an emitted presence record for a closed track.
type Event struct {
	EventID  string `json:"event_id"`
	DeviceID string `json:"device_id"`
	PersonID string `json:"person_id"`
	StartTS  int64  `json:"start_ts"`
	EndTS    int64  `json:"end_ts"`
	DwellMS  int64  `json:"dwell_time"`
}

// NewEventID derives the deterministic event ID for a visit.
func NewEventID(deviceID, label string, startTS int64) string {
	seed := fmt.Sprintf("%s|%s|%d", deviceID, label, startTS)
	return uuid.NewSHA1(eventNamespace, []byte(seed)).String()
}

// Assembler owns the open tracks of all devices. Safe for concurrent use by
// per-device pipeline workers.
type Assembler struct {
	silence          time.Duration
	minDwell         time.Duration
	clusterThreshold float64
	logger           *slog.Logger

	mu   sync.Mutex
	open map[string][]*Track // keyed by device ID
}

func NewAssembler(silence, minDwell time.Duration, clusterThreshold float64, logger *slog.Logger) *Assembler {
	return &Assembler{
		silence:          silence,
		minDwell:         minDwell,
		clusterThreshold: clusterThreshold,
		logger:           logger,
		open:             map[string][]*Track{},
	}
}

// ObserveFrame records the sightings of one frame. ts is the frame's capture
// timestamp; frames of a device arrive in ascending ts order. An identity
// detected several times in the same frame counts as a single sighting, the
// one with the best distance.
func (a *Assembler) ObserveFrame(deviceID string, ts int64, observations []Observation) {
	a.mu.Lock()
	defer a.mu.Unlock()

	known := map[string]Observation{}
	var unknown []Observation
	for _, o := range observations {
		if o.Known {
			if cur, ok := known[o.Label]; !ok || o.Distance < cur.Distance {
				known[o.Label] = o
			}
		} else {
			unknown = append(unknown, o)
		}
	}

	labels := make([]string, 0, len(known))
	for label := range known {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	for _, label := range labels {
		a.observeKnown(deviceID, ts, label)
	}

	// a track can absorb at most one sighting per frame, two unknown faces
	// in the same frame are two different people
	taken := map[string]bool{}
	for _, o := range unknown {
		a.observeUnknown(deviceID, ts, o, taken)
	}
}

func (a *Assembler) observeKnown(deviceID string, ts int64, label string) {
	for _, t := range a.open[deviceID] {
		if t.Known && t.Label == label {
			touch(t, ts)
			return
		}
	}
	t := &Track{
		ID:         uuid.NewString(),
		DeviceID:   deviceID,
		Label:      label,
		Known:      true,
		StartTS:    ts,
		LastSeenTS: ts,
		Sightings:  1,
	}
	a.open[deviceID] = append(a.open[deviceID], t)
	a.logger.Info("track opened",
		slog.String("device", deviceID),
		slog.String("label", label),
		slog.Int64("start_ts", ts),
	)
}

func (a *Assembler) observeUnknown(deviceID string, ts int64, o Observation, taken map[string]bool) {
	var best *Track
	bestDist := a.clusterThreshold
	for _, t := range a.open[deviceID] {
		if t.Known || taken[t.ID] {
			continue
		}
		if d := gallery.Distance(o.Embedding, t.Centroid); d <= bestDist {
			best, bestDist = t, d
		}
	}

	if best != nil {
		absorb(best, o.Embedding)
		touch(best, ts)
		taken[best.ID] = true
		return
	}

	t := &Track{
		ID:         uuid.NewString(),
		DeviceID:   deviceID,
		Label:      "visitor-" + uuid.NewString()[:8],
		StartTS:    ts,
		LastSeenTS: ts,
		Centroid:   append([]float32(nil), o.Embedding...),
		Sightings:  1,
	}
	a.open[deviceID] = append(a.open[deviceID], t)
	taken[t.ID] = true
	a.logger.Info("track opened",
		slog.String("device", deviceID),
		slog.String("label", t.Label),
		slog.Int64("start_ts", ts),
	)
}

func touch(t *Track, ts int64) {
	if ts > t.LastSeenTS {
		t.LastSeenTS = ts
	}
	if ts < t.StartTS {
		t.StartTS = ts
	}
	t.Sightings++
}

// absorb folds an embedding into the track centroid as a running mean, so
// later sightings of the same visitor keep clustering to the track.
func absorb(t *Track, emb []float32) {
	if len(t.Centroid) != len(emb) {
		return
	}
	n := float32(t.Sightings)
	for i := range t.Centroid {
		t.Centroid[i] += (emb[i] - t.Centroid[i]) / (n + 1)
	}
}

// CloseIdle closes every track of the device whose silence timeout has
// elapsed at the given watermark and returns their events. Tracks shorter
// than the minimum dwell are closed without an event. A track is closed
// exactly once; repeated calls with the same watermark return nothing new.
func (a *Assembler) CloseIdle(deviceID string, watermark int64) []Event {
	a.mu.Lock()
	defer a.mu.Unlock()

	silenceMS := a.silence.Milliseconds()
	minDwellMS := a.minDwell.Milliseconds()

	var kept []*Track
	var events []Event
	for _, t := range a.open[deviceID] {
		if watermark-t.LastSeenTS < silenceMS {
			kept = append(kept, t)
			continue
		}

		dwell := t.LastSeenTS - t.StartTS
		if dwell < minDwellMS {
			a.logger.Debug("track below minimum dwell, dropped",
				slog.String("device", t.DeviceID),
				slog.String("label", t.Label),
				slog.Int64("dwell_ms", dwell),
			)
			continue
		}

		events = append(events, Event{
			EventID:  NewEventID(t.DeviceID, t.Label, t.StartTS),
			DeviceID: t.DeviceID,
			PersonID: t.Label,
			StartTS:  t.StartTS,
			EndTS:    t.LastSeenTS,
			DwellMS:  dwell,
		})
		a.logger.Info("track closed",
			slog.String("device", t.DeviceID),
			slog.String("label", t.Label),
			slog.Int64("dwell_ms", dwell),
			slog.Int("sightings", t.Sightings),
		)
	}
	a.open[deviceID] = kept
	return events
}

// OpenTracks returns copies of the device's open tracks, for persistence
// and status reporting.
func (a *Assembler) OpenTracks(deviceID string) []Track {
	a.mu.Lock()
	defer a.mu.Unlock()

	tracks := make([]Track, 0, len(a.open[deviceID]))
	for _, t := range a.open[deviceID] {
		c := *t
		c.Centroid = append([]float32(nil), t.Centroid...)
		tracks = append(tracks, c)
	}
	return tracks
}

// OpenCount returns the total number of open tracks across devices.
func (a *Assembler) OpenCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for _, tracks := range a.open {
		n += len(tracks)
	}
	return n
}

// Restore reinstates previously persisted open tracks, so a visit that
// spans a restart closes with its original start timestamp.
func (a *Assembler) Restore(tracks []Track) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, t := range tracks {
		c := t
		c.Centroid = append([]float32(nil), t.Centroid...)
		a.open[c.DeviceID] = append(a.open[c.DeviceID], &c)
	}
}
