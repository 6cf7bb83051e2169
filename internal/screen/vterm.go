package screen

import (
	"fmt"
	"io"
	"strings"
	"sync"

	uv "github.com/charmbracelet/ultraviolet"
	"github.com/charmbracelet/x/ansi"
	"github.com/charmbracelet/x/vt"
)

// DefaultScrollback is the ring size used when none is configured.
const DefaultScrollback = 10000

// VTerm wraps charmbracelet/x/vt with scrollback capture via ScrollOut callback.
// All methods are thread-safe. Callbacks fire inside Write, so mu is already held.
type VTerm struct {
	emu        *vt.Emulator
	scrollback []string // ring buffer of rendered lines scrolled off the top
	sbHead     int      // next write position in ring
	sbLen      int      // current count (≤ len(scrollback))

	mu           sync.Mutex
	altScreen    bool
	cursorHidden bool
	cols, rows   int
}

// NewVTerm creates a VTerm with the given dimensions keeping at most
// scrollback lines of history.
func NewVTerm(cols, rows, scrollback int) *VTerm {
	if scrollback <= 0 {
		scrollback = DefaultScrollback
	}
	v := &VTerm{
		emu:        vt.NewEmulator(cols, rows),
		scrollback: make([]string, scrollback),
		cols:       cols,
		rows:       rows,
	}
	v.emu.SetCallbacks(vt.Callbacks{
		ScrollOut: func(lines []uv.Line) {
			// mu already held by caller (Write)
			if v.altScreen {
				return
			}
			for _, line := range lines {
				v.push(line.Render())
			}
		},
		ScrollbackClear: func() {
			// mu already held by caller (Write)
			v.clearScrollback()
		},
		AltScreen: func(on bool) {
			// mu already held by caller (Write)
			v.altScreen = on
		},
		CursorVisibility: func(visible bool) {
			// mu already held by caller (Write)
			v.cursorHidden = !visible
		},
	})
	return v
}

// Write feeds relay output to the emulator.
func (v *VTerm) Write(p []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.emu.Write(p)
}

// Replies returns the emulator's answers to terminal queries (DA, DSR and
// the like). Reads block until the emulator produces something or closes.
func (v *VTerm) Replies() io.Reader {
	return v.emu
}

// Resize changes the terminal dimensions.
func (v *VTerm) Resize(cols, rows int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.emu.Resize(cols, rows)
	v.cols = cols
	v.rows = rows
}

// Size returns the current dimensions.
func (v *VTerm) Size() (cols, rows int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cols, v.rows
}

// Reset performs a full terminal reset (RIS) and drops all scrollback.
func (v *VTerm) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.emu.Write([]byte("\x1bc"))
	v.clearScrollback()
	v.altScreen = false
	v.cursorHidden = false
}

// ClearScrollback drops captured history, leaving the grid alone.
func (v *VTerm) ClearScrollback() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.clearScrollback()
}

// Snapshot generates a repaint payload: scrollback + grid + cursor restore.
// The output is valid ANSI that any terminal emulator can consume directly.
func (v *VTerm) Snapshot() []byte {
	v.mu.Lock()
	defer v.mu.Unlock()

	var buf strings.Builder

	lines := v.scrollbackLines()
	for _, line := range lines {
		buf.WriteString(line)
		buf.WriteString("\r\n")
	}

	// rows-1 newlines push the history into the consumer's own scrollback.
	if len(lines) > 0 {
		for range v.rows - 1 {
			buf.WriteByte('\n')
		}
	}

	buf.WriteString("\x1b[m\x1b[H")
	buf.WriteString(v.emu.Render())

	pos := v.emu.CursorPosition()
	fmt.Fprintf(&buf, "\x1b[%d;%dH", pos.Y+1, pos.X+1)

	if v.cursorHidden {
		buf.WriteString("\x1b[?25l")
	} else {
		buf.WriteString("\x1b[?25h")
	}

	return []byte(buf.String())
}

// Text returns the visible grid as plain text, trailing blanks trimmed.
func (v *VTerm) Text() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	rows := strings.Split(ansi.Strip(v.emu.Render()), "\n")
	for i, r := range rows {
		rows[i] = strings.TrimRight(r, " \r")
	}
	return strings.TrimRight(strings.Join(rows, "\n"), "\n")
}

// Lines returns the plain-text scrollback lines oldest-first.
func (v *VTerm) Lines() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	lines := v.scrollbackLines()
	for i, l := range lines {
		lines[i] = strings.TrimRight(ansi.Strip(l), " ")
	}
	return lines
}

// ScrollbackLen returns the number of scrollback lines currently stored.
func (v *VTerm) ScrollbackLen() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sbLen
}

// Close releases the emulator resources.
func (v *VTerm) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.emu.Close()
}

// push appends one rendered line, evicting the oldest when the ring is full.
// Must be called with mu held.
func (v *VTerm) push(line string) {
	v.scrollback[v.sbHead] = line
	v.sbHead = (v.sbHead + 1) % len(v.scrollback)
	if v.sbLen < len(v.scrollback) {
		v.sbLen++
	}
}

// Must be called with mu held.
func (v *VTerm) clearScrollback() {
	for i := range v.scrollback {
		v.scrollback[i] = ""
	}
	v.sbLen = 0
	v.sbHead = 0
}

// scrollbackLines returns all scrollback lines oldest-first.
// Must be called with mu held.
func (v *VTerm) scrollbackLines() []string {
	if v.sbLen == 0 {
		return nil
	}
	lines := make([]string, v.sbLen)
	start := (v.sbHead - v.sbLen + len(v.scrollback)) % len(v.scrollback)
	for i := range v.sbLen {
		lines[i] = v.scrollback[(start+i)%len(v.scrollback)]
	}
	return lines
}
