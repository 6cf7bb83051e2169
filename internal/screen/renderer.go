// Package screen is the renderer side of a terminal view: an emulated screen
// buffer with scrollback, a viewport over it, and the input and resize events
// a user produces.
package screen

import (
	"io"
	"log/slog"
	"strings"
)

// Erase-display sequences. Either one clears history as well as the grid.
var clearSeqs = []string{"\x1b[2J", "\x1b[3J"}

// carry is how many trailing bytes of a chunk are kept so a clear sequence
// split across two writes is still seen.
const carry = 3

// Scheduler runs work on the renderer's loop.
type Scheduler interface {
	Post(fn func()) bool
}

// Options configure a Renderer.
type Options struct {
	Cols, Rows int
	Scrollback int
	// Mirror receives a copy of every output chunk, e.g. a local tty.
	Mirror io.Writer
	Logger *slog.Logger
}

// Renderer owns the screen state for one view. Methods must run on the loop
// it was created with.
type Renderer struct {
	loop   Scheduler
	term   *VTerm
	mirror io.Writer
	log    *slog.Logger

	// OnData fires for typed, pasted or injected input and for the
	// emulator's replies to terminal queries.
	OnData func(data string)
	// OnResize fires synchronously from Resize.
	OnResize func(cols, rows int)

	cols, rows    int
	top           int // first visible line; 0 is the oldest scrollback line
	focused       bool
	tail          string
	scrollPending bool
	closed        bool
}

// NewRenderer creates a renderer bound to loop.
func NewRenderer(loop Scheduler, opts Options) *Renderer {
	if opts.Cols <= 0 {
		opts.Cols = 80
	}
	if opts.Rows <= 0 {
		opts.Rows = 24
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := &Renderer{
		loop:    loop,
		term:    NewVTerm(opts.Cols, opts.Rows, opts.Scrollback),
		mirror:  opts.Mirror,
		log:     opts.Logger,
		cols:    opts.Cols,
		rows:    opts.Rows,
		focused: true,
	}
	go r.drainReplies()
	return r
}

// Write renders decoded output text. A full clear drops the scrollback
// written before it and jumps to the top; the view then follows the output
// on the next tick.
func (r *Renderer) Write(text string) {
	if text == "" || r.closed {
		return
	}
	if r.mirror != nil {
		if _, err := io.WriteString(r.mirror, text); err != nil {
			r.log.Debug("mirror write failed", "err", err)
		}
	}

	joined := r.tail + text
	if cut := lastClear(joined) - len(r.tail); cut > 0 {
		// Lines scrolled off after the clear are new history and stay.
		r.term.Write([]byte(text[:cut]))
		r.term.ClearScrollback()
		r.ScrollToTop()
		text = text[cut:]
	}
	if text != "" {
		r.term.Write([]byte(text))
	}
	if len(joined) > carry {
		joined = joined[len(joined)-carry:]
	}
	r.tail = joined

	r.scheduleScroll()
}

// lastClear returns the offset just past the last clear sequence in s, or -1.
func lastClear(s string) int {
	end := -1
	for _, seq := range clearSeqs {
		if i := strings.LastIndex(s, seq); i >= 0 && i+len(seq) > end {
			end = i + len(seq)
		}
	}
	return end
}

func (r *Renderer) scheduleScroll() {
	if r.scrollPending {
		return
	}
	r.scrollPending = true
	r.loop.Post(func() {
		r.scrollPending = false
		if !r.closed {
			r.ScrollToBottom()
		}
	})
}

// Resize applies new dimensions if they differ and reports them through
// OnResize before returning.
func (r *Renderer) Resize(cols, rows int) bool {
	if r.closed || cols <= 0 || rows <= 0 || (cols == r.cols && rows == r.rows) {
		return false
	}
	r.term.Resize(cols, rows)
	r.cols, r.rows = cols, rows
	r.clampViewport()
	if r.OnResize != nil {
		r.OnResize(cols, rows)
	}
	return true
}

// Size returns the current dimensions.
func (r *Renderer) Size() (cols, rows int) {
	return r.cols, r.rows
}

// Reset clears the screen and the scrollback.
func (r *Renderer) Reset() {
	if r.closed {
		return
	}
	r.term.Reset()
	r.top = 0
	r.tail = ""
}

// Input forwards user keystrokes. Nothing is sent while blurred.
func (r *Renderer) Input(data string) bool {
	if !r.focused {
		return false
	}
	return r.emit(data)
}

// Inject sends a raw key sequence as if typed, regardless of focus.
func (r *Renderer) Inject(seq string) bool {
	return r.emit(seq)
}

func (r *Renderer) emit(data string) bool {
	if data == "" || r.closed || r.OnData == nil {
		return false
	}
	r.OnData(data)
	return true
}

// Blur removes input focus.
func (r *Renderer) Blur() { r.focused = false }

// Focus restores input focus.
func (r *Renderer) Focus() { r.focused = true }

// Focused reports whether typed input is forwarded.
func (r *Renderer) Focused() bool { return r.focused }

// Viewport returns the index of the first visible line and the index it has
// when scrolled fully down. Line 0 is the oldest scrollback line.
func (r *Renderer) Viewport() (top, bottom int) {
	return r.top, r.term.ScrollbackLen()
}

// AtBottom reports whether the newest output is in view.
func (r *Renderer) AtBottom() bool {
	top, bottom := r.Viewport()
	return top == bottom
}

// ScrollBy moves the viewport by n lines; negative scrolls back in history.
func (r *Renderer) ScrollBy(n int) {
	r.top += n
	r.clampViewport()
}

func (r *Renderer) ScrollToTop() { r.top = 0 }

func (r *Renderer) ScrollToBottom() { r.top = r.term.ScrollbackLen() }

func (r *Renderer) clampViewport() {
	bottom := r.term.ScrollbackLen()
	if r.top > bottom {
		r.top = bottom
	}
	if r.top < 0 {
		r.top = 0
	}
}

// Snapshot returns an ANSI repaint of scrollback, grid and cursor.
func (r *Renderer) Snapshot() []byte {
	return r.term.Snapshot()
}

// Text returns the visible grid as plain text.
func (r *Renderer) Text() string {
	return r.term.Text()
}

// History returns the scrollback as plain text lines, oldest first.
func (r *Renderer) History() []string {
	return r.term.Lines()
}

// Close releases the emulator. Later calls do nothing.
func (r *Renderer) Close() {
	if r.closed {
		return
	}
	r.closed = true
	r.term.Close()
}

// drainReplies forwards emulator replies to queries upstream as input.
func (r *Renderer) drainReplies() {
	buf := make([]byte, 256)
	src := r.term.Replies()
	for {
		n, err := src.Read(buf)
		if n > 0 {
			data := string(buf[:n])
			r.loop.Post(func() { r.emit(data) })
		}
		if err != nil {
			return
		}
	}
}
