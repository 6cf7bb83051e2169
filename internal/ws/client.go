package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/ehrlich-b/wingterm/internal/frame"
)

const (
	writeTimeout        = 10 * time.Second
	defaultCheckTimeout = 10 * time.Second
	readLimit           = 4 << 20
	outboxSize          = 256
)

// Poster schedules work on the session's event loop.
type Poster interface {
	Post(fn func()) bool
}

// Handlers connect a Session to the renderer and to whoever shows status.
// All of them run on the session's loop.
type Handlers struct {
	OnStatus       func(state State, message string)
	OnOutput       func(text string)
	OnRemoteResize func(cols, rows int)
	// Measure returns the renderer's current size; zero values mean unknown.
	Measure func() (cols, rows int)
}

// Options tune a Session. The zero value is usable.
type Options struct {
	HTTPClient   *http.Client
	CheckTimeout time.Duration
	Logger       *slog.Logger
}

// socket is one WebSocket attempt. A Session only ever has one; events from
// any other socket are stale and dropped.
type socket struct {
	conn   *websocket.Conn
	out    chan []byte
	ctx    context.Context
	cancel context.CancelFunc
}

// Session is the relay client for a single terminal view. It owns exactly one
// socket at a time, the receive buffer and the streaming text decoder.
//
// Every method must be called on the loop passed to NewSession; I/O runs on
// helper goroutines that post their results back to it.
type Session struct {
	loop   Poster
	h      Handlers
	client *http.Client
	check  time.Duration
	log    *slog.Logger

	state    State
	ready    bool
	pending  *InitPayload
	payload  InitPayload
	sock     *socket
	gen      uint64
	checkCtl context.CancelFunc

	frames frame.Decoder
	text   *frame.TextDecoder

	cols, rows     int
	suppressResize int
	disposed       bool
}

// NewSession creates an idle session bound to loop.
func NewSession(loop Poster, h Handlers, opts Options) *Session {
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = defaultCheckTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Session{
		loop:   loop,
		h:      h,
		client: opts.HTTPClient,
		check:  opts.CheckTimeout,
		log:    opts.Logger,
		state:  StateIdle,
		text:   frame.NewTextDecoder(),
	}
}

// State returns the current connection state.
func (s *Session) State() State { return s.state }

// InstanceID returns the instance of the current (or queued) payload.
func (s *Session) InstanceID() string {
	if s.pending != nil {
		return s.pending.InstanceID
	}
	return s.payload.InstanceID
}

// Init starts a session for p. Before the renderer is ready the payload is
// queued and replayed once by RendererReady.
func (s *Session) Init(p InitPayload) {
	if s.disposed {
		return
	}
	if !s.ready {
		s.pending = &p
		s.setState(StatePreparing, "")
		return
	}
	s.start(p)
}

// RendererReady marks the renderer as bootstrapped and replays a queued init.
func (s *Session) RendererReady() {
	if s.disposed || s.ready {
		return
	}
	s.ready = true
	if s.pending != nil {
		p := *s.pending
		s.pending = nil
		s.start(p)
	}
}

// Reset tears everything down and returns to idle. Safe to call at any time,
// any number of times.
func (s *Session) Reset() {
	s.pending = nil
	s.teardown()
	s.setState(StateIdle, "")
}

// Dispose resets the session for good; later calls become no-ops.
func (s *Session) Dispose() {
	if s.disposed {
		return
	}
	s.Reset()
	s.disposed = true
}

// SendInput forwards typed or injected data while the socket is open.
func (s *Session) SendInput(data string) bool {
	if data == "" {
		return false
	}
	msg := Input{Type: TypeInput, Data: data}
	if cols, rows := s.measure(); cols > 0 && rows > 0 {
		msg.Cols, msg.Rows = cols, rows
	}
	return s.send(msg)
}

// LocalResize records a renderer resize. A column change is sent upstream
// unless it was caused by a resize the relay itself requested.
func (s *Session) LocalResize(cols, rows int) {
	changed := cols != s.cols
	s.cols, s.rows = cols, rows
	if s.suppressResize > 0 || !changed || cols <= 0 {
		return
	}
	s.send(ResizeRequest{Type: TypeResizeRequest, Cols: cols})
}

func (s *Session) start(p InitPayload) {
	s.teardown()
	// A live or finished session is fully reset before a new one starts.
	if !s.state.CanTransition(StateCheckingSession) {
		s.setState(StateIdle, "")
	}

	s.payload = p
	gen := s.gen
	if !s.setState(StateCheckingSession, "") {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.check)
	s.checkCtl = cancel
	client := s.client
	go func() {
		defer cancel()
		err := CheckSession(ctx, client, p.Relay, p.AccessToken, p.InstanceID)
		s.loop.Post(func() { s.onSessionChecked(gen, err) })
	}()
}

func (s *Session) onSessionChecked(gen uint64, err error) {
	if gen != s.gen || s.state != StateCheckingSession {
		return
	}
	s.checkCtl = nil
	if err != nil {
		s.log.Info("session check failed", "instance", s.payload.InstanceID, "err", err)
		s.setState(StateSessionMissing, "")
		return
	}
	s.connect()
}

func (s *Session) connect() {
	target, err := TerminalURL(s.payload.Relay.BaseWSURL)
	if err != nil {
		s.log.Warn("relay socket url", "err", err)
		// Never got as far as a socket; report through the connecting edge.
		s.setState(StateConnecting, "")
		s.setState(StateError, MsgConnectFailed)
		return
	}
	s.setState(StateConnecting, "")

	ctx, cancel := context.WithCancel(context.Background())
	sock := &socket{out: make(chan []byte, outboxSize), ctx: ctx, cancel: cancel}
	s.sock = sock

	opts := &websocket.DialOptions{
		HTTPClient:   s.client,
		Subprotocols: []string{s.payload.Subprotocol()},
	}
	go func() {
		conn, resp, err := websocket.Dial(ctx, target, opts)
		if err != nil {
			rejected := resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden)
			s.loop.Post(func() { s.onDialFailed(sock, err, rejected) })
			return
		}
		conn.SetReadLimit(readLimit)
		if !s.loop.Post(func() { s.onOpen(sock, conn) }) {
			conn.CloseNow()
		}
	}()
}

func (s *Session) onDialFailed(sock *socket, err error, rejected bool) {
	if s.sock != sock {
		return
	}
	s.teardown()
	if rejected {
		s.log.Warn("relay rejected handshake", "instance", s.payload.InstanceID, "err", err)
		s.setState(StateError, MsgAuthRejected)
		return
	}
	s.log.Warn("relay dial failed", "instance", s.payload.InstanceID, "err", err)
	s.setState(StateError, MsgConnectFailed)
}

func (s *Session) onOpen(sock *socket, conn *websocket.Conn) {
	if s.sock != sock {
		conn.CloseNow()
		return
	}
	sock.conn = conn
	go s.readLoop(sock)
	go s.writeLoop(sock)

	s.setState(StateConnected, "")
	s.send(JoinSession{Type: TypeJoinSession, SessionID: s.payload.InstanceID})
	cols, rows := s.measure()
	if cols > 0 {
		s.cols, s.rows = cols, rows
		s.send(ResizeRequest{Type: TypeResizeRequest, Cols: cols})
	}
}

func (s *Session) readLoop(sock *socket) {
	for {
		typ, data, err := sock.conn.Read(sock.ctx)
		if err != nil {
			code := websocket.CloseStatus(err)
			s.loop.Post(func() { s.onClose(sock, code, err) })
			return
		}
		s.loop.Post(func() { s.onMessage(sock, typ, data) })
	}
}

func (s *Session) writeLoop(sock *socket) {
	for {
		select {
		case <-sock.ctx.Done():
			return
		case data := <-sock.out:
			ctx, cancel := context.WithTimeout(sock.ctx, writeTimeout)
			err := sock.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				if sock.ctx.Err() == nil {
					s.log.Debug("relay write failed", "err", err)
				}
				return
			}
		}
	}
}

func (s *Session) onMessage(sock *socket, typ websocket.MessageType, data []byte) {
	if s.sock != sock {
		return
	}
	if typ == websocket.MessageBinary {
		s.onBinary(data)
		return
	}
	s.onControl(data)
}

func (s *Session) onBinary(data []byte) {
	for _, f := range s.frames.Push(data) {
		if f.Type != frame.TypeOutput {
			s.log.Debug("ignoring reserved frame type", "type", f.Type, "len", len(f.Payload))
			continue
		}
		if text := s.text.Decode(f.Payload); text != "" && s.h.OnOutput != nil {
			s.h.OnOutput(text)
		}
	}
	if err := s.frames.Err(); err != nil {
		s.log.Warn("relay stream failed", "instance", s.payload.InstanceID, "err", err)
		s.teardown()
		s.setState(StateError, MsgStreamError)
	}
}

func (s *Session) onControl(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.log.Debug("dropping malformed relay message", "err", err)
		return
	}
	switch env.Type {
	case TypeResize:
		var msg Resize
		if err := json.Unmarshal(data, &msg); err != nil || msg.Cols <= 0 || msg.Rows <= 0 {
			return
		}
		s.applyRemoteResize(msg.Cols, msg.Rows)

	case TypeError:
		var msg ErrorMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Debug("malformed relay error message", "err", err)
		}
		text := msg.Message
		if text == "" {
			text = MsgStreamError
		}
		s.log.Warn("relay error", "instance", s.payload.InstanceID, "message", text)
		s.teardown()
		s.setState(StateError, text)

	case TypeSessionEnded:
		s.setState(StateEnded, "")

	default:
		s.log.Debug("dropping unknown relay message", "type", env.Type)
	}
}

// applyRemoteResize resizes the renderer while suppressing the resize event
// it fires, so the relay's own request is not echoed back.
func (s *Session) applyRemoteResize(cols, rows int) {
	if s.h.OnRemoteResize == nil {
		return
	}
	s.suppressResize++
	defer func() { s.suppressResize-- }()
	s.h.OnRemoteResize(cols, rows)
}

func (s *Session) onClose(sock *socket, code websocket.StatusCode, err error) {
	if s.sock != sock {
		return
	}
	// Text after the last complete character can never be completed now.
	if rest := s.text.Flush(); rest != "" && s.h.OnOutput != nil {
		s.h.OnOutput(rest)
	}
	s.teardown()

	switch {
	case s.state == StateEnded:
	case code == websocket.StatusPolicyViolation:
		s.log.Warn("relay closed: authentication rejected", "instance", s.payload.InstanceID)
		s.setState(StateError, MsgAuthRejected)
	case code == websocket.StatusNormalClosure || code == websocket.StatusGoingAway || code == websocket.StatusNoStatusRcvd:
		s.log.Info("relay closed", "instance", s.payload.InstanceID, "code", code)
		s.setState(StateDisconnected, "")
	default:
		s.log.Warn("relay stream failed", "instance", s.payload.InstanceID, "code", code, "err", err)
		s.setState(StateError, MsgStreamError)
	}
}

func (s *Session) send(v any) bool {
	sock := s.sock
	if sock == nil || sock.conn == nil {
		return false
	}
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Error("encode relay message", "err", err)
		return false
	}
	select {
	case sock.out <- data:
		return true
	default:
		s.log.Warn("relay outbox full, dropping message")
		return false
	}
}

func (s *Session) measure() (int, int) {
	if s.h.Measure != nil {
		if cols, rows := s.h.Measure(); cols > 0 {
			return cols, rows
		}
	}
	return s.cols, s.rows
}

// teardown detaches and closes the current socket, cancels a pending session
// check and clears every decoding buffer. Bumping gen makes any result still
// in flight stale.
func (s *Session) teardown() {
	s.gen++
	if s.checkCtl != nil {
		s.checkCtl()
		s.checkCtl = nil
	}
	if sock := s.sock; sock != nil {
		s.sock = nil
		if sock.conn != nil {
			conn := sock.conn
			go func() {
				conn.Close(websocket.StatusNormalClosure, "")
				sock.cancel()
			}()
		} else {
			sock.cancel()
		}
	}
	s.frames.Reset()
	s.text.Reset()
	s.suppressResize = 0
}

// setState applies a documented transition and reports it. Undocumented
// transitions are refused.
func (s *Session) setState(to State, message string) bool {
	if to == s.state {
		return true
	}
	if !s.state.CanTransition(to) {
		s.log.Warn("refusing state transition", "from", s.state, "to", to)
		return false
	}
	s.state = to
	if message == "" {
		message = to.Message()
	}
	s.log.Debug("relay state", "instance", s.InstanceID(), "state", to)
	if s.h.OnStatus != nil {
		s.h.OnStatus(to, message)
	}
	return true
}
