package devrelay

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// Backend is the process behind one relay session. Read returns terminal
// output and fails once the process is gone; Write delivers input.
type Backend interface {
	io.ReadWriteCloser
	Resize(cols, rows int) error
}

// BackendFactory starts a backend at the given size.
type BackendFactory func(cols, rows int) (Backend, error)

type ptyBackend struct {
	cmd  *exec.Cmd
	ptmx *os.File
}

// PTYShell returns a factory that runs name with args on a fresh PTY.
func PTYShell(name string, args ...string) BackendFactory {
	return func(cols, rows int) (Backend, error) {
		cmd := exec.CommandContext(context.Background(), name, args...)
		cmd.Env = append(os.Environ(), "TERM=xterm-256color")
		cmd.Cancel = func() error {
			return cmd.Process.Signal(syscall.SIGTERM)
		}
		cmd.WaitDelay = 5 * time.Second

		size := &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}
		ptmx, err := pty.StartWithSize(cmd, size)
		if err != nil {
			return nil, fmt.Errorf("start pty: %w", err)
		}
		b := &ptyBackend{cmd: cmd, ptmx: ptmx}
		go cmd.Wait()
		return b, nil
	}
}

func (b *ptyBackend) Read(p []byte) (int, error)  { return b.ptmx.Read(p) }
func (b *ptyBackend) Write(p []byte) (int, error) { return b.ptmx.Write(p) }

func (b *ptyBackend) Resize(cols, rows int) error {
	return pty.Setsize(b.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

func (b *ptyBackend) Close() error {
	if b.cmd.Process != nil {
		b.cmd.Process.Signal(syscall.SIGTERM)
	}
	return b.ptmx.Close()
}

// MemBackend is an in-process backend driven by the caller: Emit produces
// output, Input yields what clients typed and End finishes the session.
type MemBackend struct {
	out   *io.PipeReader
	outW  *io.PipeWriter
	input chan string

	mu         sync.Mutex
	cols, rows int
	closed     bool
}

func NewMemBackend() *MemBackend {
	r, w := io.Pipe()
	return &MemBackend{out: r, outW: w, input: make(chan string, 64)}
}

// Factory returns a BackendFactory that hands out b once.
func (b *MemBackend) Factory() BackendFactory {
	var once sync.Once
	return func(cols, rows int) (Backend, error) {
		var be Backend
		once.Do(func() {
			b.Resize(cols, rows)
			be = b
		})
		if be == nil {
			return nil, fmt.Errorf("mem backend already in use")
		}
		return be, nil
	}
}

// Emit writes output as if the process printed it. It blocks until the
// session reads it.
func (b *MemBackend) Emit(text string) error {
	_, err := b.outW.Write([]byte(text))
	return err
}

// Input delivers client input in arrival order.
func (b *MemBackend) Input() <-chan string { return b.input }

// End makes the process exit.
func (b *MemBackend) End() { b.outW.Close() }

func (b *MemBackend) Size() (cols, rows int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cols, b.rows
}

func (b *MemBackend) Read(p []byte) (int, error) { return b.out.Read(p) }

func (b *MemBackend) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, io.ErrClosedPipe
	}
	select {
	case b.input <- string(p):
	default:
		return 0, fmt.Errorf("mem backend input full")
	}
	return len(p), nil
}

func (b *MemBackend) Resize(cols, rows int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cols, b.rows = cols, rows
	return nil
}

func (b *MemBackend) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.out.Close()
	return nil
}
