package ws

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Relay endpoints.
const (
	SessionsPath = "/api/v1/sessions"
	TerminalPath = "/terminal"
)

// Message types for the relay terminal protocol. Downstream output is binary
// framed (package frame); everything else is a JSON text message.
const (
	// Client → Relay
	TypeJoinSession   = "join_session"
	TypeInput         = "input"
	TypeResizeRequest = "resize_request"

	// Relay → Client
	TypeResize       = "resize"
	TypeError        = "error"
	TypeSessionEnded = "session_ended"
)

// Envelope wraps every JSON message with a type field for routing.
type Envelope struct {
	Type string `json:"type"`
}

// JoinSession is sent once, immediately after the socket opens.
type JoinSession struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// Input carries keystrokes, pastes and injected key sequences.
type Input struct {
	Type string `json:"type"`
	Data string `json:"data"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

// ResizeRequest asks the relay to resize the remote terminal. Only the column
// count is renegotiated; the row count stays fixed for the session.
type ResizeRequest struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
}

// Resize tells the client which dimensions the remote terminal settled on.
type Resize struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

// ErrorMsg is sent by the relay for protocol errors.
type ErrorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// SessionEnded tells the client the remote process is gone.
type SessionEnded struct {
	Type string `json:"type"`
}

// RelayConfig locates the relay. Derived once per session and never mutated.
type RelayConfig struct {
	Host        string `json:"host"`
	Port        uint16 `json:"port"` // 0 = scheme default
	Secure      bool   `json:"secure"`
	BaseHTTPURL string `json:"baseHttpUrl"`
	BaseWSURL   string `json:"baseWsUrl"`
}

// NewRelayConfig derives the base URLs from host, port and scheme.
func NewRelayConfig(host string, port uint16, secure bool) RelayConfig {
	hostport := host
	if port != 0 {
		hostport = net.JoinHostPort(host, strconv.Itoa(int(port)))
	} else if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		hostport = "[" + host + "]"
	}
	httpScheme, wsScheme := "http", "ws"
	if secure {
		httpScheme, wsScheme = "https", "wss"
	}
	return RelayConfig{
		Host:        host,
		Port:        port,
		Secure:      secure,
		BaseHTTPURL: httpScheme + "://" + hostport,
		BaseWSURL:   wsScheme + "://" + hostport,
	}
}

// InitPayload is everything the renderer needs to open one session. A new
// payload is built for every (re)connection attempt.
type InitPayload struct {
	InstanceID        string      `json:"instanceId"`
	AccessToken       string      `json:"accessToken"`
	Relay             RelayConfig `json:"relayConfig"`
	SubprotocolPrefix string      `json:"subprotocolPrefix"`
}

// Subprotocol is the WebSocket subprotocol carrying the bearer token.
func (p InitPayload) Subprotocol() string {
	return p.SubprotocolPrefix + p.AccessToken
}

// TerminalURL appends the terminal path to a ws:// or wss:// base URL unless
// it is already there.
func TerminalURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("relay url %q: scheme must be ws or wss", base)
	}
	if u.Host == "" {
		return "", fmt.Errorf("relay url %q: missing host", base)
	}
	if !strings.HasSuffix(u.Path, TerminalPath) {
		u.Path = strings.TrimRight(u.Path, "/") + TerminalPath
	}
	return u.String(), nil
}
