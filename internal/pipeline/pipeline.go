// Package pipeline runs the per-device processing loop: poll the frame
// folder, detect and match faces, fold sightings into tracks, and hand
// closed tracks to the event sink. One worker per device; devices never
// block each other.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kozaktomas/face-presence/internal/config"
	"github.com/kozaktomas/face-presence/internal/detector"
	"github.com/kozaktomas/face-presence/internal/gallery"
	"github.com/kozaktomas/face-presence/internal/ledger"
	"github.com/kozaktomas/face-presence/internal/matcher"
	"github.com/kozaktomas/face-presence/internal/sink"
	"github.com/kozaktomas/face-presence/internal/tracker"
)

// EventSink accepts closed-track events for delivery. Satisfied by
// sink.Queue.
type EventSink interface {
	Enqueue(ev tracker.Event)
}

// DeviceStats counts per-device pipeline activity, for /status and logs.
type DeviceStats struct {
	Cycles        int64     `json:"cycles"`
	FilesOK       int64     `json:"files_ok"`
	FilesErrored  int64     `json:"files_errored"`
	FilesDeferred int64     `json:"files_deferred"`
	Backlog       int64     `json:"backlog"`
	FacesDetected int64     `json:"faces_detected"`
	EventsEmitted int64     `json:"events_emitted"`
	Watermark     int64     `json:"watermark"`
	LastCycle     time.Time `json:"last_cycle"`
}

// Status is the pipeline snapshot served by the ops endpoint.
type Status struct {
	Devices    map[string]DeviceStats `json:"devices"`
	OpenTracks int                    `json:"open_tracks"`
	QueueDepth int                    `json:"queue_depth"`
	Gallery    GalleryStatus          `json:"gallery"`
}

type GalleryStatus struct {
	Version  string    `json:"version"`
	People   int       `json:"people"`
	Refs     int       `json:"refs"`
	LoadedAt time.Time `json:"loaded_at"`
}

type Pipeline struct {
	cfg     *config.Config
	devices []config.Device
	det     detector.Detector
	gal     *gallery.Manager
	match   *matcher.Matcher
	tracks  *tracker.Assembler
	led     ledger.Ledger
	events  EventSink
	queue   *sink.Queue // optional, only for queue depth in status
	logger  *slog.Logger

	mu    sync.Mutex
	stats map[string]*DeviceStats
}

func New(
	cfg *config.Config,
	devices []config.Device,
	det detector.Detector,
	gal *gallery.Manager,
	match *matcher.Matcher,
	tracks *tracker.Assembler,
	led ledger.Ledger,
	events EventSink,
	logger *slog.Logger,
) *Pipeline {
	stats := make(map[string]*DeviceStats, len(devices))
	for _, d := range devices {
		stats[d.ID] = &DeviceStats{}
	}
	return &Pipeline{
		cfg:     cfg,
		devices: devices,
		det:     det,
		gal:     gal,
		match:   match,
		tracks:  tracks,
		led:     led,
		events:  events,
		logger:  logger,
		stats:   stats,
	}
}

// SetQueue attaches the delivery queue for status reporting.
func (p *Pipeline) SetQueue(q *sink.Queue) { p.queue = q }

// Run restores persisted open tracks, then polls every device until ctx is
// cancelled. On shutdown the open tracks are persisted again so visits that
// span a restart keep their start timestamps.
func (p *Pipeline) Run(ctx context.Context) error {
	restored, err := p.led.LoadOpenTracks(ctx)
	if err != nil {
		return err
	}
	if len(restored) > 0 {
		p.tracks.Restore(restored)
		p.logger.Info("restored open tracks", slog.Int("count", len(restored)))
	}

	var wg sync.WaitGroup
	for _, dev := range p.devices {
		wg.Add(1)
		go func(dev config.Device) {
			defer wg.Done()
			p.runDevice(ctx, dev)
		}(dev)
	}
	wg.Wait()

	p.persistOpenTracks()
	return nil
}

func (p *Pipeline) runDevice(ctx context.Context, dev config.Device) {
	ticker := time.NewTicker(p.cfg.Poll.Interval)
	defer ticker.Stop()

	for {
		if err := p.cycle(ctx, dev); err != nil && ctx.Err() == nil {
			p.logger.Error("cycle failed",
				slog.String("device", dev.ID),
				slog.Any("error", err),
			)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Pipeline) persistOpenTracks() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, dev := range p.devices {
		tracks := p.tracks.OpenTracks(dev.ID)
		if err := p.led.SaveOpenTracks(ctx, dev.ID, tracks); err != nil {
			p.logger.Error("failed to persist open tracks",
				slog.String("device", dev.ID),
				slog.Any("error", err),
			)
		}
	}
}

// Status returns a consistent snapshot of pipeline counters.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	devices := make(map[string]DeviceStats, len(p.stats))
	for id, s := range p.stats {
		devices[id] = *s
	}
	p.mu.Unlock()

	st := Status{
		Devices:    devices,
		OpenTracks: p.tracks.OpenCount(),
	}
	if p.queue != nil {
		st.QueueDepth = p.queue.Depth()
	}
	if snap := p.gal.Current(); snap != nil {
		st.Gallery = GalleryStatus{
			Version:  snap.Version,
			People:   snap.People(),
			Refs:     snap.Refs(),
			LoadedAt: snap.LoadedAt,
		}
	}
	return st
}

func (p *Pipeline) bump(id string, update func(*DeviceStats)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.stats[id]
	if !ok {
		s = &DeviceStats{}
		p.stats[id] = s
	}
	update(s)
}
