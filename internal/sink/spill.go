package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/kozaktomas/face-presence/internal/tracker"
)

// Spill is the durable overflow file: one JSON event per line, appended when
// delivery retries are exhausted, replayed later by the replay command.
type Spill struct {
	path string
	mu   sync.Mutex
}

func NewSpill(path string) *Spill {
	return &Spill{path: path}
}

// Append writes one event to the end of the spill file.
func (s *Spill) Append(ev tracker.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open spill file: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode spilled event: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append spilled event: %w", err)
	}
	return nil
}

// Read returns all spilled events. A missing file means no backlog.
func (s *Spill) Read() ([]tracker.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

func (s *Spill) read() ([]tracker.Event, error) {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open spill file: %w", err)
	}
	defer f.Close()

	var events []tracker.Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev tracker.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("failed to decode spilled event: %w", err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read spill file: %w", err)
	}
	return events, nil
}

// Count returns the number of spilled events, for status reporting.
func (s *Spill) Count() (int, error) {
	events, err := s.Read()
	if err != nil {
		return 0, err
	}
	return len(events), nil
}

// Drain publishes every spilled event in order, calling progress after each
// success. Delivered events are removed; on failure the undelivered tail is
// written back so a later drain resumes where this one stopped. Returns how
// many events were delivered.
func (s *Spill) Drain(ctx context.Context, pub Publisher, progress func(done, total int)) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events, err := s.read()
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	for i, ev := range events {
		if err := pub.Publish(ctx, ev); err != nil {
			if werr := s.rewrite(events[i:]); werr != nil {
				return i, fmt.Errorf("failed to deliver event %s and to keep backlog: %w", ev.EventID, werr)
			}
			return i, fmt.Errorf("failed to deliver event %s: %w", ev.EventID, err)
		}
		if progress != nil {
			progress(i+1, len(events))
		}
	}

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return len(events), fmt.Errorf("failed to remove drained spill file: %w", err)
	}
	return len(events), nil
}

func (s *Spill) rewrite(events []tracker.Event) error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create spill file: %w", err)
	}
	for _, ev := range events {
		line, err := json.Marshal(ev)
		if err != nil {
			f.Close()
			return fmt.Errorf("failed to encode spilled event: %w", err)
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			f.Close()
			return fmt.Errorf("failed to write spilled event: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close spill file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace spill file: %w", err)
	}
	return nil
}
