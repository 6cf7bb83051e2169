package bridge

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/ehrlich-b/wingterm/internal/loop"
	"github.com/ehrlich-b/wingterm/internal/ws"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestEncodeDecodeEveryKind(t *testing.T) {
	payload := ws.InitPayload{
		InstanceID:        "inst-1",
		AccessToken:       "tok",
		Relay:             ws.NewRelayConfig("relay.local", 443, true),
		SubprotocolPrefix: "wingterm.bearer.",
	}
	msgs := []Message{
		Init{Payload: payload},
		Reset{},
		KeySequence{Data: "\x1b[A"},
		Blur{},
		Ready{},
		Status{State: ws.StateConnected, Message: "Connected"},
		Error{Message: "Relay stream error."},
		Error{Message: "boom", State: ws.StateError},
	}
	for _, msg := range msgs {
		raw, err := Encode(msg)
		if err != nil {
			t.Fatalf("Encode(%T): %v", msg, err)
		}
		got, err := Decode(raw)
		if err != nil {
			t.Fatalf("Decode(%s): %v", raw, err)
		}
		if diff := cmp.Diff(msg, got); diff != "" {
			t.Errorf("%s mismatch (-want +got):\n%s", msg.Kind(), diff)
		}
	}
}

func TestWireShape(t *testing.T) {
	raw, _ := Encode(KeySequence{Data: "\t"})
	if raw != `{"type":"keySequence","data":"\t"}` {
		t.Errorf("keySequence = %s", raw)
	}
	raw, _ = Encode(Reset{})
	if raw != `{"type":"reset"}` {
		t.Errorf("reset = %s", raw)
	}
	raw, _ = Encode(Error{Message: "x"})
	if raw != `{"type":"error","message":"x"}` {
		t.Errorf("error = %s", raw)
	}
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		raw     string
		unknown bool
	}{
		{raw: "not json"},
		{raw: `"just a string"`},
		{raw: `{"type":"init"}`},
		{raw: `{"type":"status","state":"flying"}`},
		{raw: `{"type":"error","state":"nope","message":"x"}`},
		{raw: `{"type":"teleport"}`, unknown: true},
		{raw: `{}`, unknown: true},
	}
	for _, tt := range tests {
		_, err := Decode(tt.raw)
		if err == nil {
			t.Errorf("Decode(%q) succeeded", tt.raw)
			continue
		}
		if got := errors.Is(err, ErrUnknownMessage); got != tt.unknown {
			t.Errorf("Decode(%q) unknown = %v, want %v (%v)", tt.raw, got, tt.unknown, err)
		}
	}
}

func TestKindDirections(t *testing.T) {
	for _, k := range []Kind{KindInit, KindReset, KindKeySequence, KindBlur} {
		if !k.ToRenderer() {
			t.Errorf("%s should flow to the renderer", k)
		}
	}
	for _, k := range []Kind{KindReady, KindStatus, KindError} {
		if k.ToRenderer() {
			t.Errorf("%s should flow to the host", k)
		}
	}
}

func startLoops(t *testing.T) (host, renderer *loop.Loop) {
	t.Helper()
	host = loop.New("host", nil)
	renderer = loop.New("renderer", nil)
	host.Start()
	renderer.Start()
	t.Cleanup(func() {
		host.Stop()
		renderer.Stop()
		<-host.Done()
		<-renderer.Done()
	})
	return host, renderer
}

func collect(t *testing.T, ch <-chan Message, n int) []Message {
	t.Helper()
	var got []Message
	for len(got) < n {
		select {
		case m := <-ch:
			got = append(got, m)
		case <-time.After(2 * time.Second):
			t.Fatalf("got %d messages, want %d: %v", len(got), n, got)
		}
	}
	return got
}

func TestPipeDeliversFIFOOnPeerLoop(t *testing.T) {
	hostLoop, rendLoop := startLoops(t)
	hostPort, rendPort := Pipe(hostLoop, rendLoop, nil)

	toRenderer := make(chan Message, 16)
	toHost := make(chan Message, 16)
	rendPort.OnMessage(func(m Message) { toRenderer <- m })
	hostPort.OnMessage(func(m Message) { toHost <- m })

	hostPort.Post(Reset{})
	hostPort.Post(KeySequence{Data: "a"})
	hostPort.Post(KeySequence{Data: "b"})
	rendPort.Post(Ready{})
	rendPort.Post(Status{State: ws.StatePreparing, Message: ws.MsgPreparing})

	want := []Message{Reset{}, KeySequence{Data: "a"}, KeySequence{Data: "b"}}
	if diff := cmp.Diff(want, collect(t, toRenderer, 3)); diff != "" {
		t.Errorf("renderer inbox (-want +got):\n%s", diff)
	}
	wantHost := []Message{Ready{}, Status{State: ws.StatePreparing, Message: ws.MsgPreparing}}
	if diff := cmp.Diff(wantHost, collect(t, toHost, 2)); diff != "" {
		t.Errorf("host inbox (-want +got):\n%s", diff)
	}
}

func TestPipeDeliveryIsAsynchronous(t *testing.T) {
	hostLoop, rendLoop := startLoops(t)
	hostPort, rendPort := Pipe(hostLoop, rendLoop, nil)

	// A message posted from the renderer's own loop arrives on a later tick.
	var delivered bool
	rendLoop.Call(func() {
		rendPort.OnMessage(func(Message) { delivered = true })
		hostPort.Post(Blur{})
		if delivered {
			t.Error("delivered synchronously")
		}
	})
	rendLoop.Call(func() {
		if !delivered {
			t.Error("not delivered on the next tick")
		}
	})
}

func TestPipeDropsMalformedAndMisdirected(t *testing.T) {
	hostLoop, rendLoop := startLoops(t)
	hostPort, rendPort := Pipe(hostLoop, rendLoop, nil)

	got := make(chan Message, 8)
	rendPort.OnMessage(func(m Message) { got <- m })

	hostPort.PostRaw("{{{")
	hostPort.PostRaw(`{"type":"mystery"}`)
	hostPort.Post(Ready{}) // renderer never accepts ready
	hostPort.Post(Blur{})

	msgs := collect(t, got, 1)
	if _, ok := msgs[0].(Blur); !ok {
		t.Fatalf("first delivered message = %#v, want Blur", msgs[0])
	}
	select {
	case m := <-got:
		t.Fatalf("unexpected extra message %#v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPipeClosed(t *testing.T) {
	hostLoop, rendLoop := startLoops(t)
	hostPort, rendPort := Pipe(hostLoop, rendLoop, nil)

	rendPort.Close()
	if hostPort.Post(Reset{}) {
		t.Error("post to a closed port succeeded")
	}
	if rendPort.Post(Ready{}) {
		t.Error("post from a closed port succeeded")
	}

	rendLoop.Stop()
	<-rendLoop.Done()
	h2, _ := Pipe(hostLoop, rendLoop, nil)
	if h2.Post(Reset{}) {
		t.Error("post to a stopped loop succeeded")
	}
}
