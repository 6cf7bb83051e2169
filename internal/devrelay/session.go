package devrelay

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ehrlich-b/wingterm/internal/screen"
	"github.com/ehrlich-b/wingterm/internal/ws"
)

const subBuffer = 256

// outbound is one queued write to a client: terminal output or a JSON
// control message.
type outbound struct {
	output bool
	data   []byte
}

type subscriber struct {
	send chan outbound
}

// Session is one backend process shared by every client that joins it.
// Output is mirrored into a VTerm so late joiners get a repaint.
type Session struct {
	ID      string
	Name    string
	Created time.Time

	backend Backend
	term    *screen.VTerm
	limiter *rate.Limiter
	log     *slog.Logger

	mu         sync.Mutex
	cols, rows int
	subs       map[*subscriber]struct{}
	done       chan struct{}
	ended      bool
}

func newSession(id, name string, cols, rows int, backend Backend, limiter *rate.Limiter, logger *slog.Logger) *Session {
	s := &Session{
		ID:      id,
		Name:    name,
		Created: time.Now(),
		backend: backend,
		term:    screen.NewVTerm(cols, rows, screen.DefaultScrollback),
		limiter: limiter,
		log:     logger.With("session", id),
		cols:    cols,
		rows:    rows,
		subs:    make(map[*subscriber]struct{}),
		done:    make(chan struct{}),
	}
	go io.Copy(io.Discard, s.term.Replies())
	go s.pump()
	return s
}

// Done is closed when the backend exits.
func (s *Session) Done() <-chan struct{} { return s.done }

// Size returns the backend's current size. Rows never change.
func (s *Session) Size() (cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// Close kills the backend; Done closes once its output is drained.
func (s *Session) Close() error {
	return s.backend.Close()
}

func (s *Session) pump() {
	buf := make([]byte, 4096)
	first := true
	for {
		n, err := s.backend.Read(buf)
		if n > 0 {
			if first {
				s.log.Debug("first backend output", "after", time.Since(s.Created).Round(time.Millisecond))
				first = false
			}
			data := make([]byte, n)
			copy(data, buf[:n])

			s.mu.Lock()
			s.term.Write(data)
			for sub := range s.subs {
				select {
				case sub.send <- outbound{output: true, data: data}:
				default:
				}
			}
			s.mu.Unlock()
		}
		if err != nil {
			if err != io.EOF {
				s.log.Debug("backend read ended", "err", err)
			}
			break
		}
	}

	s.mu.Lock()
	s.ended = true
	close(s.done)
	s.mu.Unlock()
	s.backend.Close()
	s.term.Close()
	s.log.Info("session ended")
}

// subscribe registers sub and returns a repaint of the screen so far along
// with the current size. ok is false once the session has ended.
func (s *Session) subscribe(sub *subscriber) (snapshot []byte, cols, rows int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return nil, 0, 0, false
	}
	s.subs[sub] = struct{}{}
	return s.term.Snapshot(), s.cols, s.rows, true
}

func (s *Session) unsubscribe(sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, sub)
}

func (s *Session) input(data string) {
	if data == "" {
		return
	}
	if _, err := io.WriteString(s.backend, data); err != nil {
		s.log.Debug("backend write failed", "err", err)
	}
}

// resize renegotiates the column count and tells every client the size the
// session settled on.
func (s *Session) resize(cols int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended || cols <= 0 || cols == s.cols {
		return
	}
	s.cols = cols
	notice, _ := json.Marshal(ws.Resize{Type: ws.TypeResize, Cols: cols, Rows: s.rows})
	if err := s.backend.Resize(cols, s.rows); err != nil {
		s.log.Debug("backend resize failed", "err", err)
	}
	s.term.Resize(cols, s.rows)
	for sub := range s.subs {
		select {
		case sub.send <- outbound{data: notice}:
		default:
		}
	}
}

// pace blocks until the session's output budget allows n bytes, splitting
// requests larger than the burst.
func (s *Session) pace(ctx context.Context, n int) error {
	if s.limiter.Limit() == rate.Inf {
		return nil
	}
	burst := max(s.limiter.Burst(), 1)
	for n > 0 {
		chunk := min(n, burst)
		if err := s.limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}
