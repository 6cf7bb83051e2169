// Package lifecycle is the host side of a terminal view: it gets credentials,
// builds init payloads and decides when the renderer's session is replaced.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ehrlich-b/wingterm/internal/auth"
	"github.com/ehrlich-b/wingterm/internal/bridge"
	"github.com/ehrlich-b/wingterm/internal/store"
	"github.com/ehrlich-b/wingterm/internal/ws"
)

const tokenTimeout = 15 * time.Second

// Recorder receives every status the controller observes.
type Recorder interface {
	Record(ev store.StatusEvent) bool
}

type Config struct {
	Tokens            auth.TokenSource
	Relay             ws.RelayConfig
	SubprotocolPrefix string
	// Reconnect, when set, re-runs Refresh after a disconnect or a generic
	// stream failure, waiting Next() between attempts.
	Reconnect *ws.Backoff
	History   Recorder
	Logger    *slog.Logger
}

// Controller must be driven on the host loop it was created with.
type Controller struct {
	loop   bridge.Poster
	port   *bridge.Port
	cfg    Config
	viewID string
	log    *slog.Logger

	// OnStatus observes every state the view reports, plus the local
	// sign-in error.
	OnStatus func(state ws.State, message string)

	instanceID string
	ready      bool
	active     bool
	fetching   bool
	attempt    uint64
	state      ws.State
	message    string
	retry      *time.Timer
	unmounted  bool
}

// New attaches a controller to the host end of a bridge.
func New(loop bridge.Poster, port *bridge.Port, cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Controller{
		loop:   loop,
		port:   port,
		cfg:    cfg,
		viewID: uuid.NewString(),
		state:  ws.StateIdle,
	}
	c.log = cfg.Logger.With("view", c.viewID)
	port.OnMessage(c.handle)
	return c
}

func (c *Controller) ViewID() string { return c.viewID }

// Status returns the last state and message observed.
func (c *Controller) Status() (ws.State, string) { return c.state, c.message }

// SetInstance points the view at instanceID. A running session is reset
// before the new one is initialized. The init may reach the renderer before
// it is ready; the renderer holds it until then.
func (c *Controller) SetInstance(instanceID string) {
	if c.unmounted || instanceID == c.instanceID {
		return
	}
	c.instanceID = instanceID
	c.cancelRetry()
	if c.cfg.Reconnect != nil {
		c.cfg.Reconnect.Reset()
	}
	c.resetView()
	if instanceID != "" {
		c.requestInit()
	}
}

// Refresh fetches a fresh token and re-initializes the current instance.
func (c *Controller) Refresh() {
	if c.unmounted || c.instanceID == "" {
		return
	}
	c.cancelRetry()
	c.requestInit()
}

// SendKeys injects a key sequence into the view.
func (c *Controller) SendKeys(seq string) bool {
	if c.unmounted || seq == "" {
		return false
	}
	return c.port.Post(bridge.KeySequence{Data: seq})
}

// Blur removes input focus from the view.
func (c *Controller) Blur() {
	if !c.unmounted {
		c.port.Post(bridge.Blur{})
	}
}

// Unmount resets the view as a best effort and stops all further work.
func (c *Controller) Unmount() {
	if c.unmounted {
		return
	}
	c.cancelRetry()
	c.attempt++
	if !c.port.Post(bridge.Reset{}) {
		c.log.Debug("reset on unmount not delivered")
	}
	c.active = false
	c.unmounted = true
}

func (c *Controller) resetView() {
	c.attempt++
	c.fetching = false
	if c.active {
		c.port.Post(bridge.Reset{})
		c.active = false
	}
}

// requestInit fetches a token off the loop and sends init when it arrives.
// A newer request or a reset makes an older one stale.
func (c *Controller) requestInit() {
	c.attempt++
	c.fetching = true
	attempt := c.attempt
	tokens := c.cfg.Tokens
	go func() {
		var (
			tok string
			err = auth.ErrNoToken
		)
		if tokens != nil {
			ctx, cancel := context.WithTimeout(context.Background(), tokenTimeout)
			tok, err = tokens.Token(ctx)
			cancel()
		}
		c.loop.Post(func() { c.onToken(attempt, tok, err) })
	}()
}

func (c *Controller) onToken(attempt uint64, token string, err error) {
	if attempt != c.attempt || c.unmounted {
		return
	}
	c.fetching = false
	if err != nil || token == "" {
		if !errors.Is(err, auth.ErrNoToken) && !errors.Is(err, auth.ErrTokenExpired) {
			c.log.Warn("token source failed", "err", err)
		}
		// Never reaches the renderer: no token means no socket.
		if c.active {
			c.port.Post(bridge.Reset{})
			c.active = false
		}
		c.observe(ws.StateError, ws.MsgSignIn)
		return
	}

	payload := ws.InitPayload{
		InstanceID:        c.instanceID,
		AccessToken:       token,
		Relay:             c.cfg.Relay,
		SubprotocolPrefix: c.cfg.SubprotocolPrefix,
	}
	if c.active {
		c.port.Post(bridge.Reset{})
	}
	if c.port.Post(bridge.Init{Payload: payload}) {
		c.active = true
	}
}

func (c *Controller) handle(msg bridge.Message) {
	if c.unmounted {
		return
	}
	switch m := msg.(type) {
	case bridge.Ready:
		c.ready = true
		// An init already sent is replayed by the renderer itself.
		if c.instanceID != "" && !c.active && !c.fetching {
			c.requestInit()
		}
	case bridge.Status:
		c.observe(m.State, m.Message)
	case bridge.Error:
		state := m.State
		if state == "" {
			state = ws.StateError
		}
		c.observe(state, m.Message)
	case bridge.Init, bridge.Reset, bridge.KeySequence, bridge.Blur:
		// renderer-bound kinds never reach this port
	}
}

func (c *Controller) observe(state ws.State, message string) {
	c.state, c.message = state, message
	c.log.Debug("view status", "instance", c.instanceID, "state", state)
	if c.cfg.History != nil {
		c.cfg.History.Record(store.StatusEvent{
			ViewID:     c.viewID,
			InstanceID: c.instanceID,
			State:      string(state),
			Message:    message,
		})
	}
	if c.OnStatus != nil {
		c.OnStatus(state, message)
	}
	c.maybeReconnect(state, message)
}

// maybeReconnect applies the reconnect policy. Only transport trouble is
// retried; rejection, a missing session and a finished session are final.
func (c *Controller) maybeReconnect(state ws.State, message string) {
	b := c.cfg.Reconnect
	if b == nil {
		return
	}
	switch {
	case state == ws.StateConnected:
		b.Reset()
		return
	case state == ws.StateDisconnected:
	case state == ws.StateError && (message == ws.MsgStreamError || message == ws.MsgConnectFailed):
	default:
		return
	}
	c.cancelRetry()
	delay := b.Next()
	c.log.Info("reconnecting", "instance", c.instanceID, "in", delay)
	c.retry = time.AfterFunc(delay, func() { c.loop.Post(c.Refresh) })
}

func (c *Controller) cancelRetry() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}
