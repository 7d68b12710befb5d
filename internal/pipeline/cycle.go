package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kozaktomas/face-presence/internal/config"
	"github.com/kozaktomas/face-presence/internal/detector"
	"github.com/kozaktomas/face-presence/internal/ledger"
	"github.com/kozaktomas/face-presence/internal/tracker"
)

// frameExtensions are the file types cameras drop into device folders.
// Anything else in the folder is ignored without a ledger entry.
var frameExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
}

type frameFile struct {
	name  string
	ts    int64
	size  int64
	mtime time.Time
}

// parseCaptureTS extracts the capture timestamp (epoch milliseconds) from a
// frame filename like 1717000000123.jpg.
func parseCaptureTS(name string) (int64, bool) {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	ts, err := strconv.ParseInt(base, 10, 64)
	if err != nil || ts < 0 {
		return 0, false
	}
	return ts, true
}

// cycle runs one poll iteration for a device: list new frames, wait out the
// write-settle window, detect and match, fold sightings into tracks in
// capture order, and close idle tracks at the advanced watermark.
func (p *Pipeline) cycle(ctx context.Context, dev config.Device) error {
	defer p.bump(dev.ID, func(s *DeviceStats) {
		s.Cycles++
		s.LastCycle = time.Now()
	})

	entries, err := os.ReadDir(dev.Dir)
	if err != nil {
		return fmt.Errorf("failed to list device folder: %w", err)
	}

	var retentionCutoff int64
	if p.cfg.Retention.Policy == "retain" && p.cfg.Retention.Days > 0 {
		retentionCutoff = time.Now().AddDate(0, 0, -p.cfg.Retention.Days).UnixMilli()
	}

	var batch []frameFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !frameExtensions[strings.ToLower(filepath.Ext(name))] {
			continue
		}

		ts, ok := parseCaptureTS(name)
		if !ok {
			p.markError(ctx, dev, name, "malformed frame filename")
			continue
		}

		done, err := p.led.IsProcessed(ctx, dev.ID, name)
		if err != nil {
			return fmt.Errorf("failed to check ledger: %w", err)
		}
		if done {
			p.reapProcessed(dev, name, ts, retentionCutoff)
			continue
		}

		info, err := e.Info()
		if err != nil {
			// file vanished between list and stat, pick it up next cycle
			continue
		}
		batch = append(batch, frameFile{name: name, ts: ts, size: info.Size(), mtime: info.ModTime()})
	}

	p.bump(dev.ID, func(s *DeviceStats) { s.Backlog = int64(len(batch)) })

	sort.Slice(batch, func(i, j int) bool {
		if batch[i].ts != batch[j].ts {
			return batch[i].ts < batch[j].ts
		}
		return batch[i].name < batch[j].name
	})
	if len(batch) > p.cfg.Poll.BatchSize {
		batch = batch[:p.cfg.Poll.BatchSize]
	}

	if len(batch) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.Poll.StabilityWindow):
		}
		batch = p.filterStable(dev, batch)
	}

	if len(batch) > 0 {
		results := p.detectBatch(ctx, dev, batch)
		p.fold(ctx, dev, batch, results)
	}

	p.closeIdle(dev)
	return nil
}

// filterStable re-stats the batch after the settle window and cuts it at
// the first file that is still being written. Everything from that file on
// is deferred to the next cycle, keeping ledger commits in ascending
// timestamp order even while an earlier frame settles. A deferred file
// keeps no ledger entry.
func (p *Pipeline) filterStable(dev config.Device, batch []frameFile) []frameFile {
	stable := batch
	for i, f := range batch {
		info, err := os.Stat(filepath.Join(dev.Dir, f.name))
		if err != nil || info.Size() != f.size || !info.ModTime().Equal(f.mtime) {
			stable = batch[:i]
			break
		}
	}
	if deferred := int64(len(batch) - len(stable)); deferred > 0 {
		p.bump(dev.ID, func(s *DeviceStats) { s.FilesDeferred += deferred })
	}
	return stable
}

type detectResult struct {
	detections []detector.Detection
	err        error
}

// detectBatch runs detect calls for the batch with bounded parallelism.
// Results come back indexed so folding can stay in capture order.
func (p *Pipeline) detectBatch(ctx context.Context, dev config.Device, batch []frameFile) []detectResult {
	results := make([]detectResult, len(batch))
	semaphore := make(chan struct{}, p.cfg.Poll.DetectWorkers)
	var wg sync.WaitGroup

	for i := range batch {
		wg.Add(1)
		go func(idx int, f frameFile) {
			defer wg.Done()

			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			if ctx.Err() != nil {
				results[idx] = detectResult{err: ctx.Err()}
				return
			}

			frame, err := p.readFrame(dev, f)
			if err != nil {
				results[idx] = detectResult{err: err}
				return
			}
			detections, err := p.det.Detect(ctx, frame)
			results[idx] = detectResult{detections: detections, err: err}
		}(i, batch[i])
	}
	wg.Wait()
	return results
}

func (p *Pipeline) readFrame(dev config.Device, f frameFile) (detector.Frame, error) {
	if f.size > p.cfg.Poll.MaxFrameBytes {
		return detector.Frame{}, &detector.DecodeError{
			Filename: f.name,
			Err:      fmt.Errorf("file size %d exceeds limit %d", f.size, p.cfg.Poll.MaxFrameBytes),
		}
	}

	data, err := os.ReadFile(filepath.Join(dev.Dir, f.name))
	if err != nil {
		return detector.Frame{}, fmt.Errorf("failed to read frame: %w", err)
	}
	return detector.Frame{
		DeviceID:  dev.ID,
		Filename:  f.name,
		CaptureTS: f.ts,
		Data:      data,
	}, nil
}

// fold applies detect results in capture order. Poison frames are ledgered
// with an error outcome and never retried; a transient failure stops the
// batch so no later frame is observed before an earlier one.
func (p *Pipeline) fold(ctx context.Context, dev config.Device, batch []frameFile, results []detectResult) {
	snap := p.gal.Current()

	for i, res := range results {
		f := batch[i]

		if res.err != nil {
			if detector.IsDecodeError(res.err) {
				p.markError(ctx, dev, f.name, res.err.Error())
				continue
			}
			p.logger.Warn("detect failed, frame will be retried",
				slog.String("device", dev.ID),
				slog.String("file", f.name),
				slog.Any("error", res.err),
			)
			return
		}

		// a frame past a track's silence window closes that track before
		// the frame is observed, so the sighting opens a new visit instead
		// of stretching the old one
		p.closeAt(dev, f.ts)

		observations := make([]tracker.Observation, 0, len(res.detections))
		for _, d := range res.detections {
			m := p.match.Match(snap, d.Embedding)
			observations = append(observations, tracker.Observation{
				Label:     m.Label,
				Known:     m.Known,
				Distance:  m.Distance,
				Embedding: d.Embedding,
			})
			p.logger.Debug("face matched",
				slog.String("device", dev.ID),
				slog.String("file", f.name),
				slog.String("label", m.Label),
				slog.Float64("confidence", m.Confidence()),
			)
		}
		p.tracks.ObserveFrame(dev.ID, f.ts, observations)

		if _, err := p.led.MarkProcessed(ctx, dev.ID, f.name, ledger.OutcomeOK); err != nil {
			p.logger.Error("failed to mark frame processed",
				slog.String("device", dev.ID),
				slog.String("file", f.name),
				slog.Any("error", err),
			)
			return
		}

		p.bump(dev.ID, func(s *DeviceStats) {
			s.FilesOK++
			s.FacesDetected += int64(len(res.detections))
			if f.ts > s.Watermark {
				s.Watermark = f.ts
			}
		})

		if p.cfg.Retention.Policy == "delete" {
			if err := os.Remove(filepath.Join(dev.Dir, f.name)); err != nil {
				p.logger.Warn("failed to delete processed frame",
					slog.String("device", dev.ID),
					slog.String("file", f.name),
					slog.Any("error", err),
				)
			}
		}
	}
}

// closeIdle closes tracks whose silence timeout has elapsed at the device
// watermark and queues their events.
func (p *Pipeline) closeIdle(dev config.Device) {
	var watermark int64
	p.mu.Lock()
	if s, ok := p.stats[dev.ID]; ok {
		watermark = s.Watermark
	}
	p.mu.Unlock()

	p.closeAt(dev, watermark)
}

func (p *Pipeline) closeAt(dev config.Device, watermark int64) {
	events := p.tracks.CloseIdle(dev.ID, watermark)
	for _, ev := range events {
		p.events.Enqueue(ev)
		p.logger.Info("presence event",
			slog.String("device", ev.DeviceID),
			slog.String("person", ev.PersonID),
			slog.Int64("dwell_ms", ev.DwellMS),
			slog.String("event_id", ev.EventID),
		)
	}
	if len(events) > 0 {
		p.bump(dev.ID, func(s *DeviceStats) { s.EventsEmitted += int64(len(events)) })
	}
}

// markError ledgers a poison file so it is never picked up again.
func (p *Pipeline) markError(ctx context.Context, dev config.Device, name, reason string) {
	inserted, err := p.led.MarkProcessed(ctx, dev.ID, name, ledger.OutcomeError)
	if err != nil {
		p.logger.Error("failed to ledger poison file",
			slog.String("device", dev.ID),
			slog.String("file", name),
			slog.Any("error", err),
		)
		return
	}
	if inserted {
		p.logger.Warn("poison file skipped permanently",
			slog.String("device", dev.ID),
			slog.String("file", name),
			slog.String("reason", reason),
		)
		p.bump(dev.ID, func(s *DeviceStats) { s.FilesErrored++ })
	}
}

// reapProcessed removes already-ledgered frames the retention policy no
// longer wants on disk.
func (p *Pipeline) reapProcessed(dev config.Device, name string, ts, retentionCutoff int64) {
	remove := false
	switch {
	case p.cfg.Retention.Policy == "delete":
		// leftover from a crash between the ledger mark and the delete
		remove = true
	case retentionCutoff > 0 && ts < retentionCutoff:
		remove = true
	}
	if !remove {
		return
	}
	if err := os.Remove(filepath.Join(dev.Dir, name)); err != nil && !os.IsNotExist(err) {
		p.logger.Warn("failed to remove expired frame",
			slog.String("device", dev.ID),
			slog.String("file", name),
			slog.Any("error", err),
		)
	}
}
