// Package loop provides the cooperative event loop each isolated context runs
// on. A single goroutine executes posted tasks one at a time in FIFO order, so
// state touched only from tasks needs no locking. Tasks must not block; I/O
// runs on helper goroutines that post their results back.
package loop

import (
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
)

// ErrStopped is returned when posting to a loop that has been stopped.
var ErrStopped = errors.New("loop stopped")

// Loop is a single-goroutine task queue. The queue is unbounded so a task may
// post follow-up work (the next tick) without deadlocking.
type Loop struct {
	name   string
	logger *slog.Logger

	mu      sync.Mutex
	queue   []func()
	stopped bool

	wake      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a loop. name only appears in logs.
func New(name string, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		name:   name,
		logger: logger,
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the loop goroutine. Calling it again has no effect.
func (l *Loop) Start() {
	l.startOnce.Do(func() { go l.run() })
}

// Stop ends the loop after the task currently running, dropping queued tasks.
// Safe to call multiple times.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		l.stopped = true
		l.queue = nil
		l.mu.Unlock()
		close(l.stop)
	})
}

// Done closes when the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Post enqueues fn. It returns false once the loop is stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Call runs fn on the loop and waits for it to finish. It must not be called
// from a task on the same loop.
func (l *Loop) Call(fn func()) error {
	ran := make(chan struct{})
	if !l.Post(func() {
		defer close(ran)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-ran:
		return nil
	case <-l.done:
		// Stop may have dropped the task before it ran.
		select {
		case <-ran:
			return nil
		default:
			return ErrStopped
		}
	}
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		select {
		case <-l.stop:
			return
		case <-l.wake:
		}
		for {
			l.mu.Lock()
			batch := l.queue
			l.queue = nil
			l.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, fn := range batch {
				select {
				case <-l.stop:
					return
				default:
				}
				l.exec(fn)
			}
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("loop task panicked", "loop", l.name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}
