package store

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// StatusEvent is one status a view reported.
type StatusEvent struct {
	ID         int64
	ViewID     string
	InstanceID string
	State      string
	Message    string
	At         time.Time
}

func (s *Store) RecordStatus(ev StatusEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	_, err := s.db.Exec(`INSERT INTO status_history (view_id, instance_id, state, message, at)
		VALUES (?, ?, ?, ?, ?)`, ev.ViewID, ev.InstanceID, ev.State, ev.Message, ev.At.UTC())
	if err != nil {
		return fmt.Errorf("record status: %w", err)
	}
	return nil
}

// History returns the newest limit events, oldest first. An empty instanceID
// matches every instance; limit <= 0 means no limit.
func (s *Store) History(instanceID string, limit int) ([]*StatusEvent, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`SELECT id, view_id, instance_id, state, message, at FROM (
			SELECT * FROM status_history
			WHERE ? = '' OR instance_id = ?
			ORDER BY id DESC LIMIT ?
		) ORDER BY id`, instanceID, instanceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()
	var events []*StatusEvent
	for rows.Next() {
		e := &StatusEvent{}
		if err := rows.Scan(&e.ID, &e.ViewID, &e.InstanceID, &e.State, &e.Message, &e.At); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune deletes events older than before and reports how many went.
func (s *Store) Prune(before time.Time) (int64, error) {
	res, err := s.db.Exec("DELETE FROM status_history WHERE at < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	return res.RowsAffected()
}

// Recorder writes status events in the background so callers on an event
// loop never wait on the disk.
type Recorder struct {
	s   *Store
	log *slog.Logger
	ch  chan StatusEvent

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func (s *Store) NewRecorder(buffer int, logger *slog.Logger) *Recorder {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{s: s, log: logger, ch: make(chan StatusEvent, buffer), done: make(chan struct{})}
	go r.run()
	return r
}

// Record queues ev. It drops the event and returns false when the queue is
// full or the recorder is closed.
func (r *Recorder) Record(ev StatusEvent) bool {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	select {
	case r.ch <- ev:
		return true
	default:
		r.log.Warn("status history queue full, dropping event", "state", ev.State)
		return false
	}
}

// Close flushes queued events and stops the writer.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.closed = true
	close(r.ch)
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)
	for ev := range r.ch {
		if err := r.s.RecordStatus(ev); err != nil {
			r.log.Warn("status history write failed", "err", err)
		}
	}
}
