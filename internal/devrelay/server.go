// Package devrelay is a local relay speaking the terminal relay protocol:
// a bearer-authenticated session listing and a /terminal WebSocket that
// streams a backend's output as binary frames and takes JSON input back.
package devrelay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ehrlich-b/wingterm/internal/frame"
	"github.com/ehrlich-b/wingterm/internal/ws"
)

// Defaults for a zero Config.
const (
	DefaultPrefix = "wingterm.bearer."
	DefaultCols   = 80
	DefaultRows   = 24
	defaultBurst  = 64 * 1024
	writeTimeout  = 10 * time.Second
)

var ErrNoBackend = errors.New("devrelay: no backend configured")

type Config struct {
	Secret            []byte
	SubprotocolPrefix string
	Cols, Rows        int
	Backend           BackendFactory
	// BytesPerSec paces output per session; 0 means unlimited.
	BytesPerSec int
	// OriginPatterns lists extra browser origins allowed on /terminal, in
	// path.Match syntax. Same-host and non-browser clients are always allowed.
	OriginPatterns []string
	Logger         *slog.Logger
}

type Server struct {
	cfg Config
	log *slog.Logger
	mux *http.ServeMux

	mu       sync.RWMutex
	sessions map[string]*Session
}

func New(cfg Config) *Server {
	if cfg.SubprotocolPrefix == "" {
		cfg.SubprotocolPrefix = DefaultPrefix
	}
	if cfg.Cols <= 0 {
		cfg.Cols = DefaultCols
	}
	if cfg.Rows <= 0 {
		cfg.Rows = DefaultRows
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		log:      cfg.Logger,
		mux:      http.NewServeMux(),
		sessions: make(map[string]*Session),
	}
	s.mux.HandleFunc("GET "+ws.SessionsPath, s.handleListSessions)
	s.mux.HandleFunc("POST "+ws.SessionsPath, s.handleCreateSession)
	s.mux.HandleFunc("GET "+ws.TerminalPath, s.handleTerminal)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Create starts a backend and registers it. An empty id gets a fresh one.
func (s *Server) Create(id, name string) (*Session, error) {
	if s.cfg.Backend == nil {
		return nil, ErrNoBackend
	}
	if id == "" {
		id = uuid.New().String()[:8]
	}
	backend, err := s.cfg.Backend(s.cfg.Cols, s.cfg.Rows)
	if err != nil {
		return nil, err
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if s.cfg.BytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.BytesPerSec), defaultBurst)
	}
	sess := newSession(id, name, s.cfg.Cols, s.cfg.Rows, backend, limiter, s.log)

	s.mu.Lock()
	if old := s.sessions[id]; old != nil {
		s.mu.Unlock()
		sess.Close()
		return nil, errors.New("devrelay: session " + id + " already exists")
	}
	s.sessions[id] = sess
	s.mu.Unlock()

	go func() {
		<-sess.Done()
		s.mu.Lock()
		if s.sessions[id] == sess {
			delete(s.sessions, id)
		}
		s.mu.Unlock()
	}()
	s.log.Info("session created", "session", id, "name", name)
	return sess, nil
}

func (s *Server) Get(id string) *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[id]
}

// List returns live sessions, oldest first.
func (s *Server) List() []*Session {
	s.mu.RLock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}

// Close ends every session.
func (s *Server) Close() {
	for _, sess := range s.List() {
		sess.Close()
	}
}

func (s *Server) authorized(token string) bool {
	if token == "" {
		return false
	}
	_, err := ValidateToken(s.cfg.Secret, token)
	return err == nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	infos := []ws.SessionInfo{}
	for _, sess := range s.List() {
		infos = append(infos, ws.SessionInfo{ID: sess.ID, Name: sess.Name})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": infos})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req ws.SessionInfo
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
	}
	sess, err := s.Create(req.ID, req.Name)
	if err != nil {
		s.log.Warn("create session", "err", err)
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusCreated, ws.SessionInfo{ID: sess.ID, Name: sess.Name})
}

// offeredToken finds the bearer subprotocol among those the client offered.
func (s *Server) offeredToken(r *http.Request) (proto, token string) {
	for _, v := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(v, ",") {
			p = strings.TrimSpace(p)
			if strings.HasPrefix(p, s.cfg.SubprotocolPrefix) {
				return p, strings.TrimPrefix(p, s.cfg.SubprotocolPrefix)
			}
		}
	}
	return "", ""
}

func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	proto, token := s.offeredToken(r)
	opts := &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns}
	if proto != "" {
		opts.Subprotocols = []string{proto}
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.log.Debug("terminal accept", "err", err)
		return
	}
	defer conn.CloseNow()

	if !s.authorized(token) {
		s.log.Info("terminal auth rejected", "remote", r.RemoteAddr)
		conn.Close(websocket.StatusPolicyViolation, "authentication rejected")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var (
		sess   *Session
		sub    *subscriber
		writer sync.WaitGroup
	)
	defer func() {
		cancel()
		writer.Wait()
		if sess != nil {
			sess.unsubscribe(sub)
		}
	}()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			s.log.Debug("terminal client gone", "err", err)
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		var env ws.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		switch env.Type {
		case ws.TypeJoinSession:
			if sess != nil {
				continue
			}
			var join ws.JoinSession
			if err := json.Unmarshal(data, &join); err != nil {
				continue
			}
			target := s.Get(join.SessionID)
			if target == nil {
				s.sendError(ctx, conn, "session not found")
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			sub = &subscriber{send: make(chan outbound, subBuffer)}
			snapshot, cols, rows, ok := target.subscribe(sub)
			if !ok {
				s.sendEnded(ctx, conn)
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			sess = target
			s.log.Info("client joined", "session", sess.ID, "remote", r.RemoteAddr)
			writer.Add(1)
			go func() {
				defer writer.Done()
				s.writeLoop(ctx, conn, sess, sub, snapshot, cols, rows)
			}()

		case ws.TypeInput:
			var in ws.Input
			if sess == nil || json.Unmarshal(data, &in) != nil {
				continue
			}
			sess.input(in.Data)

		case ws.TypeResizeRequest:
			var req ws.ResizeRequest
			if sess == nil || json.Unmarshal(data, &req) != nil {
				continue
			}
			sess.resize(req.Cols)
		}
	}
}

// writeLoop owns every write after join: the size and repaint first, then
// paced output and control messages, then session_ended.
func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, sess *Session, sub *subscriber, snapshot []byte, cols, rows int) {
	resize, _ := json.Marshal(ws.Resize{Type: ws.TypeResize, Cols: cols, Rows: rows})
	if s.write(ctx, conn, websocket.MessageText, resize) != nil {
		return
	}
	if len(snapshot) > 0 && s.writeOutput(ctx, conn, sess, snapshot) != nil {
		return
	}
	for {
		select {
		case m := <-sub.send:
			if s.deliver(ctx, conn, sess, m) != nil {
				return
			}
		case <-sess.Done():
			for {
				select {
				case m := <-sub.send:
					if s.deliver(ctx, conn, sess, m) != nil {
						return
					}
					continue
				default:
				}
				break
			}
			s.sendEnded(ctx, conn)
			conn.Close(websocket.StatusNormalClosure, "session ended")
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) deliver(ctx context.Context, conn *websocket.Conn, sess *Session, m outbound) error {
	if m.output {
		return s.writeOutput(ctx, conn, sess, m.data)
	}
	return s.write(ctx, conn, websocket.MessageText, m.data)
}

func (s *Server) writeOutput(ctx context.Context, conn *websocket.Conn, sess *Session, data []byte) error {
	if err := sess.pace(ctx, len(data)); err != nil {
		return err
	}
	return s.write(ctx, conn, websocket.MessageBinary, frame.Encode(frame.TypeOutput, data))
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, typ websocket.MessageType, data []byte) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(wctx, typ, data); err != nil {
		s.log.Debug("terminal write failed", "err", err)
		return err
	}
	return nil
}

func (s *Server) sendError(ctx context.Context, conn *websocket.Conn, msg string) {
	data, _ := json.Marshal(ws.ErrorMsg{Type: ws.TypeError, Message: msg})
	s.write(ctx, conn, websocket.MessageText, data)
}

func (s *Server) sendEnded(ctx context.Context, conn *websocket.Conn) {
	data, _ := json.Marshal(ws.SessionEnded{Type: ws.TypeSessionEnded})
	s.write(ctx, conn, websocket.MessageText, data)
}
