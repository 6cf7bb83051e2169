package bridge

import (
	"log/slog"
	"sync"
)

// Poster schedules work on a context's loop.
type Poster interface {
	Post(fn func()) bool
}

// Port is one end of a Pipe. Handlers run on the port's own loop.
type Port struct {
	name    string
	loop    Poster
	accepts func(Kind) bool
	log     *slog.Logger
	peer    *Port

	mu      sync.Mutex
	handler func(Message)
	closed  bool
}

// Pipe connects a host context to a renderer context. Messages posted on one
// port are serialized, queued on the other port's loop and decoded there.
func Pipe(host, renderer Poster, logger *slog.Logger) (hostPort, rendererPort *Port) {
	if logger == nil {
		logger = slog.Default()
	}
	hostPort = &Port{
		name:    "host",
		loop:    host,
		accepts: func(k Kind) bool { return !k.ToRenderer() },
		log:     logger,
	}
	rendererPort = &Port{
		name:    "renderer",
		loop:    renderer,
		accepts: Kind.ToRenderer,
		log:     logger,
	}
	hostPort.peer, rendererPort.peer = rendererPort, hostPort
	return hostPort, rendererPort
}

// OnMessage installs the handler for messages arriving at this port.
func (p *Port) OnMessage(fn func(Message)) {
	p.mu.Lock()
	p.handler = fn
	p.mu.Unlock()
}

// Post sends msg to the other side. It reports false when the message could
// not be encoded or either side is closed.
func (p *Port) Post(msg Message) bool {
	raw, err := Encode(msg)
	if err != nil {
		p.log.Error("bridge encode failed", "port", p.name, "err", err)
		return false
	}
	return p.PostRaw(raw)
}

// PostRaw sends an already serialized message as is.
func (p *Port) PostRaw(raw string) bool {
	if p.isClosed() {
		return false
	}
	peer := p.peer
	if peer.isClosed() {
		return false
	}
	return peer.loop.Post(func() { peer.deliver(raw) })
}

// Close stops delivery in both directions through this port.
func (p *Port) Close() {
	p.mu.Lock()
	p.closed = true
	p.handler = nil
	p.mu.Unlock()
}

func (p *Port) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Port) deliver(raw string) {
	msg, err := Decode(raw)
	if err != nil {
		p.log.Debug("dropping bridge message", "port", p.name, "err", err)
		return
	}
	if !p.accepts(msg.Kind()) {
		p.log.Debug("dropping misdirected bridge message", "port", p.name, "type", msg.Kind())
		return
	}
	p.mu.Lock()
	fn := p.handler
	p.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}
