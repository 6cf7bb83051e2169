// Package view is the program that runs inside a renderer context. It owns
// the screen and the relay session and talks to the host only through its
// bridge port.
package view

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ehrlich-b/wingterm/internal/bridge"
	"github.com/ehrlich-b/wingterm/internal/screen"
	"github.com/ehrlich-b/wingterm/internal/ws"
)

type Options struct {
	Cols, Rows   int
	Scrollback   int
	Mirror       io.Writer
	HTTPClient   *http.Client
	CheckTimeout time.Duration
	Logger       *slog.Logger
}

// View must be created, booted and driven on loop.
type View struct {
	port *bridge.Port
	term *screen.Renderer
	sess *ws.Session
	log  *slog.Logger

	booted bool
	closed bool
}

// New wires a renderer and a relay session to port. Nothing happens until
// Boot.
func New(loop ws.Poster, port *bridge.Port, opts Options) *View {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	v := &View{port: port, log: opts.Logger}
	v.term = screen.NewRenderer(loop, screen.Options{
		Cols:       opts.Cols,
		Rows:       opts.Rows,
		Scrollback: opts.Scrollback,
		Mirror:     opts.Mirror,
		Logger:     opts.Logger,
	})
	v.sess = ws.NewSession(loop, ws.Handlers{
		OnStatus:       v.onStatus,
		OnOutput:       v.term.Write,
		OnRemoteResize: func(cols, rows int) { v.term.Resize(cols, rows) },
		Measure:        v.term.Size,
	}, ws.Options{
		HTTPClient:   opts.HTTPClient,
		CheckTimeout: opts.CheckTimeout,
		Logger:       opts.Logger,
	})
	v.term.OnData = func(data string) { v.sess.SendInput(data) }
	v.term.OnResize = v.sess.LocalResize
	port.OnMessage(v.handle)
	return v
}

// Boot announces the renderer and replays an init that arrived early.
func (v *View) Boot() {
	if v.booted || v.closed {
		return
	}
	v.booted = true
	v.port.Post(bridge.Ready{})
	v.sess.RendererReady()
}

func (v *View) handle(msg bridge.Message) {
	if v.closed {
		return
	}
	switch m := msg.(type) {
	case bridge.Init:
		v.log.Debug("view init", "instance", m.Payload.InstanceID)
		v.term.Reset()
		v.sess.Init(m.Payload)
	case bridge.Reset:
		v.sess.Reset()
		v.term.Reset()
	case bridge.KeySequence:
		v.term.Inject(m.Data)
	case bridge.Blur:
		v.term.Blur()
	case bridge.Ready, bridge.Status, bridge.Error:
		// host-bound kinds never reach this port
	}
}

// Errors go out as error messages, every other transition as status.
func (v *View) onStatus(state ws.State, message string) {
	if state == ws.StateError {
		v.port.Post(bridge.Error{Message: message, State: state})
		return
	}
	v.port.Post(bridge.Status{State: state, Message: message})
}

// Type feeds local keystrokes as if typed into the renderer.
func (v *View) Type(data string) { v.term.Input(data) }

// Focus gives the renderer input focus back after a blur.
func (v *View) Focus() { v.term.Focus() }

// Resize is a layout-driven resize of the renderer.
func (v *View) Resize(cols, rows int) { v.term.Resize(cols, rows) }

func (v *View) Size() (cols, rows int) { return v.term.Size() }

func (v *View) State() ws.State { return v.sess.State() }

// Snapshot returns scrollback, grid and cursor as replayable ANSI.
func (v *View) Snapshot() []byte { return v.term.Snapshot() }

// Text returns the visible screen as plain text.
func (v *View) Text() string { return v.term.Text() }

// Close disposes the session and releases the screen. Safe to repeat.
func (v *View) Close() {
	if v.closed {
		return
	}
	v.closed = true
	v.sess.Dispose()
	v.term.Close()
	v.port.Close()
}
