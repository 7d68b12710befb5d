package sink

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kozaktomas/face-presence/internal/config"
	"github.com/kozaktomas/face-presence/internal/tracker"
)

// drainTimeout bounds the delivery of each backlogged event after the run
// context is cancelled, so a healthy sink still receives the backlog on
// shutdown while a dead one cannot stall the exit.
const drainTimeout = 10 * time.Second

// Queue decouples track closure from event delivery. Events enter a bounded
// channel; a single worker delivers them in order with exponential backoff.
// Events that exhaust their retries, or are permanently rejected, go to the
// spill file instead of being lost.
type Queue struct {
	ch     chan tracker.Event
	policy string
	pub    Publisher
	spill  *Spill
	cfg    config.SinkConfig
	logger *slog.Logger
	wg     sync.WaitGroup
}

func NewQueue(cfg config.SinkConfig, pub Publisher, spill *Spill, logger *slog.Logger) *Queue {
	return &Queue{
		ch:     make(chan tracker.Event, cfg.QueueSize),
		policy: cfg.OverflowPolicy,
		pub:    pub,
		spill:  spill,
		cfg:    cfg,
		logger: logger,
	}
}

// Start launches the delivery worker. The worker drains the queue even
// after ctx is cancelled, publishing each remaining event under its own
// bounded context, so Close delivers accepted events instead of spilling
// them. Cancellation only cuts short in-flight retry waits.
func (q *Queue) Start(ctx context.Context) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for ev := range q.ch {
			q.deliver(ctx, ev)
		}
	}()
}

// Enqueue hands an event to the delivery worker. Under the block policy a
// full queue applies backpressure to the caller; under drop-oldest the
// oldest queued event is spilled to make room.
func (q *Queue) Enqueue(ev tracker.Event) {
	if q.policy == "block" {
		q.ch <- ev
		return
	}

	for {
		select {
		case q.ch <- ev:
			return
		default:
		}
		select {
		case old := <-q.ch:
			q.logger.Warn("event queue full, spilling oldest",
				slog.String("event_id", old.EventID),
				slog.String("device", old.DeviceID),
			)
			if err := q.spill.Append(old); err != nil {
				q.logger.Error("failed to spill dropped event",
					slog.String("event_id", old.EventID),
					slog.Any("error", err),
				)
			}
		default:
		}
	}
}

// Close stops accepting events and waits for the backlog to be delivered.
func (q *Queue) Close() {
	close(q.ch)
	q.wg.Wait()
}

// Depth returns the number of queued events, for status reporting.
func (q *Queue) Depth() int {
	return len(q.ch)
}

func (q *Queue) deliver(ctx context.Context, ev tracker.Event) {
	// after cancellation the worker is draining the backlog; publish with a
	// fresh bounded context so shutdown does not spill deliverable events
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
	}

	operation := func() error {
		err := q.pub.Publish(ctx, ev)
		if err != nil && IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = q.cfg.InitialBackoff
	attempts := uint64(q.cfg.MaxAttempts)
	if attempts > 0 {
		attempts--
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, attempts), ctx))
	if err == nil {
		q.logger.Debug("event delivered",
			slog.String("event_id", ev.EventID),
			slog.String("device", ev.DeviceID),
		)
		return
	}

	q.logger.Error("event delivery failed, spilling",
		slog.String("event_id", ev.EventID),
		slog.String("device", ev.DeviceID),
		slog.Any("error", err),
	)
	if serr := q.spill.Append(ev); serr != nil {
		q.logger.Error("failed to spill event",
			slog.String("event_id", ev.EventID),
			slog.Any("error", serr),
		)
	}
}
