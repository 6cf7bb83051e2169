package devrelay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/ehrlich-b/wingterm/internal/frame"
	"github.com/ehrlich-b/wingterm/internal/ws"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type relayFixture struct {
	srv     *Server
	http    *httptest.Server
	backend *MemBackend
	token   string
}

func newFixture(t *testing.T) *relayFixture {
	t.Helper()
	backend := NewMemBackend()
	srv := New(Config{Secret: testSecret, Backend: backend.Factory()})
	hs := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		hs.Close()
	})
	tok, _, err := IssueToken(testSecret, "tester", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return &relayFixture{srv: srv, http: hs, backend: backend, token: tok}
}

func (f *relayFixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	u := "ws" + strings.TrimPrefix(f.http.URL, "http") + ws.TerminalPath
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		Subprotocols: []string{DefaultPrefix + token},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, _ := json.Marshal(v)
	if err := conn.Write(context.Background(), websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// reader accumulates decoded output across binary messages and returns the
// first text message it sees.
type reader struct {
	conn *websocket.Conn
	dec  frame.Decoder
	text *frame.TextDecoder
	out  strings.Builder
}

func newReader(conn *websocket.Conn) *reader {
	return &reader{conn: conn, text: frame.NewTextDecoder()}
}

func (r *reader) next(t *testing.T) (control map[string]any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		typ, data, err := r.conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if typ == websocket.MessageBinary {
			for _, f := range r.dec.Push(data) {
				if f.Type == frame.TypeOutput {
					r.out.WriteString(r.text.Decode(f.Payload))
				}
			}
			return nil
		}
		if err := json.Unmarshal(data, &control); err != nil {
			t.Fatalf("bad control message %q", data)
		}
		return control
	}
}

func (r *reader) waitOutput(t *testing.T, want string) {
	t.Helper()
	for !strings.Contains(r.out.String(), want) {
		if m := r.next(t); m != nil {
			t.Fatalf("unexpected control %v while waiting for %q", m, want)
		}
	}
}

func (r *reader) control(t *testing.T) map[string]any {
	t.Helper()
	for {
		if m := r.next(t); m != nil {
			return m
		}
	}
}

func TestTokenRoundTrip(t *testing.T) {
	tok, exp, err := IssueToken(testSecret, "alice", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if time.Until(exp) > time.Minute || time.Until(exp) < 50*time.Second {
		t.Errorf("exp = %v", exp)
	}
	claims, err := ValidateToken(testSecret, tok)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Subject != "alice" {
		t.Errorf("subject = %q", claims.Subject)
	}
	if _, err := ValidateToken([]byte("other-secret"), tok); err == nil {
		t.Error("token validated with the wrong secret")
	}

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}})
	signed, _ := expired.SignedString(testSecret)
	if _, err := ValidateToken(testSecret, signed); err == nil {
		t.Error("expired token validated")
	}
}

func TestSessionsRequireBearer(t *testing.T) {
	f := newFixture(t)
	if _, err := f.srv.Create("inst-1", "shell"); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(f.http.URL + ws.SessionsPath)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status without token = %d", resp.StatusCode)
	}

	relay := ws.RelayConfig{BaseHTTPURL: f.http.URL}
	sessions, err := ws.ListSessions(context.Background(), nil, relay, f.token)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "inst-1" || sessions[0].Name != "shell" {
		t.Errorf("sessions = %+v", sessions)
	}
	if err := ws.CheckSession(context.Background(), nil, relay, f.token, "inst-2"); !errors.Is(err, ws.ErrSessionMissing) {
		t.Errorf("check missing = %v", err)
	}
}

func TestCreateSessionEndpoint(t *testing.T) {
	f := newFixture(t)
	req, _ := http.NewRequest(http.MethodPost, f.http.URL+ws.SessionsPath, strings.NewReader(`{"name":"dev"}`))
	req.Header.Set("Authorization", "Bearer "+f.token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var info ws.SessionInfo
	json.NewDecoder(resp.Body).Decode(&info)
	if len(info.ID) != 8 || info.Name != "dev" {
		t.Errorf("created = %+v", info)
	}
	if f.srv.Get(info.ID) == nil {
		t.Error("session not registered")
	}
	if _, err := f.srv.Create(info.ID, "again"); err == nil {
		t.Error("second backend from a single-use factory")
	}
}

func TestTerminalRejectsBadToken(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "not-a-jwt")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if code := websocket.CloseStatus(err); code != websocket.StatusPolicyViolation {
		t.Fatalf("close code = %d (%v), want 1008", code, err)
	}
}

func dialOrigin(t *testing.T, base, token, origin string) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	u := "ws" + strings.TrimPrefix(base, "http") + ws.TerminalPath
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		Subprotocols: []string{DefaultPrefix + token},
		HTTPHeader:   http.Header{"Origin": []string{origin}},
	})
	if err == nil {
		conn.CloseNow()
	}
	return err
}

func TestTerminalChecksOrigin(t *testing.T) {
	f := newFixture(t)
	if err := dialOrigin(t, f.http.URL, f.token, "https://evil.example"); err == nil {
		t.Error("foreign origin accepted")
	}
	if err := dialOrigin(t, f.http.URL, f.token, f.http.URL); err != nil {
		t.Errorf("same-host origin rejected: %v", err)
	}

	srv := New(Config{Secret: testSecret, OriginPatterns: []string{"*.example"}})
	hs := httptest.NewServer(srv)
	defer hs.Close()
	if err := dialOrigin(t, hs.URL, f.token, "https://app.example"); err != nil {
		t.Errorf("allowed origin rejected: %v", err)
	}
	if err := dialOrigin(t, hs.URL, f.token, "https://example.org"); err == nil {
		t.Error("origin outside the patterns accepted")
	}
}

func TestJoinStreamsOutput(t *testing.T) {
	f := newFixture(t)
	sess, err := f.srv.Create("inst-1", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.backend.Emit("before join\r\n"); err != nil {
		t.Fatal(err)
	}

	conn := f.dial(t, f.token)
	r := newReader(conn)
	sendJSON(t, conn, ws.JoinSession{Type: ws.TypeJoinSession, SessionID: "inst-1"})

	m := r.control(t)
	if m["type"] != ws.TypeResize || m["cols"] != float64(80) || m["rows"] != float64(24) {
		t.Fatalf("first message = %v", m)
	}
	r.waitOutput(t, "before join")

	f.backend.Emit("héllo\r\n")
	r.waitOutput(t, "héllo")

	sendJSON(t, conn, ws.Input{Type: ws.TypeInput, Data: "ls\r"})
	select {
	case in := <-f.backend.Input():
		if in != "ls\r" {
			t.Errorf("input = %q", in)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("input never reached the backend")
	}

	sendJSON(t, conn, ws.ResizeRequest{Type: ws.TypeResizeRequest, Cols: 100})
	m = r.control(t)
	if m["type"] != ws.TypeResize || m["cols"] != float64(100) || m["rows"] != float64(24) {
		t.Fatalf("resize = %v", m)
	}
	if c, rows := sess.Size(); c != 100 || rows != 24 {
		t.Errorf("session size = %dx%d", c, rows)
	}
	if c, rows := f.backend.Size(); c != 100 || rows != 24 {
		t.Errorf("backend size = %dx%d", c, rows)
	}
}

func TestSessionEnded(t *testing.T) {
	f := newFixture(t)
	sess, err := f.srv.Create("inst-1", "")
	if err != nil {
		t.Fatal(err)
	}
	conn := f.dial(t, f.token)
	r := newReader(conn)
	sendJSON(t, conn, ws.JoinSession{Type: ws.TypeJoinSession, SessionID: "inst-1"})
	r.control(t) // resize

	f.backend.Emit("bye\r\n")
	f.backend.End()
	r.waitOutput(t, "bye")
	if m := r.control(t); m["type"] != ws.TypeSessionEnded {
		t.Fatalf("message = %v", m)
	}

	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session not done")
	}
	deadline := time.Now().Add(5 * time.Second)
	for f.srv.Get("inst-1") != nil {
		if time.Now().After(deadline) {
			t.Fatal("ended session still registered")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestJoinUnknownSession(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, f.token)
	r := newReader(conn)
	sendJSON(t, conn, ws.JoinSession{Type: ws.TypeJoinSession, SessionID: "nope"})
	if m := r.control(t); m["type"] != ws.TypeError || m["message"] != "session not found" {
		t.Fatalf("message = %v", m)
	}
}

func TestCreateWithoutBackend(t *testing.T) {
	srv := New(Config{Secret: testSecret})
	if _, err := srv.Create("", ""); !errors.Is(err, ErrNoBackend) {
		t.Errorf("err = %v", err)
	}
}

func TestPaceSplitsLargeWrites(t *testing.T) {
	s := &Session{limiter: rate.NewLimiter(rate.Limit(1e9), 10)}
	if err := s.pace(context.Background(), 35); err != nil {
		t.Fatalf("pace: %v", err)
	}

	s.limiter = rate.NewLimiter(rate.Limit(1), 1)
	s.limiter.Allow()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.pace(ctx, 5); err == nil {
		t.Error("pace ignored a cancelled context")
	}

	s.limiter = rate.NewLimiter(rate.Inf, 0)
	if err := s.pace(ctx, 1<<20); err != nil {
		t.Errorf("unlimited pace: %v", err)
	}
}

func TestLoadOrCreateSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "relay.secret")
	first, err := LoadOrCreateSecret(path, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(first) != 32 {
		t.Fatalf("secret length = %d", len(first))
	}
	again, err := LoadOrCreateSecret(path, "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(again) != string(first) {
		t.Error("secret changed between loads")
	}

	env, err := LoadOrCreateSecret(path, base64.StdEncoding.EncodeToString([]byte("from-env")))
	if err != nil {
		t.Fatal(err)
	}
	if string(env) != "from-env" {
		t.Errorf("env secret = %q", env)
	}
}
