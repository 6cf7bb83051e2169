// Package bridge carries messages between the host and a renderer context.
// The two sides share nothing: every message crosses as a JSON string and is
// delivered on the receiver's loop one tick later, FIFO per direction.
package bridge

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ehrlich-b/wingterm/internal/ws"
)

// ErrUnknownMessage is returned by Decode for a type it does not know.
var ErrUnknownMessage = errors.New("unknown bridge message")

// Kind is the wire discriminator of a message.
type Kind string

const (
	// Host → renderer
	KindInit        Kind = "init"
	KindReset       Kind = "reset"
	KindKeySequence Kind = "keySequence"
	KindBlur        Kind = "blur"

	// Renderer → host
	KindReady  Kind = "ready"
	KindStatus Kind = "status"
	KindError  Kind = "error"
)

// ToRenderer reports whether k flows from the host into the renderer.
func (k Kind) ToRenderer() bool {
	switch k {
	case KindInit, KindReset, KindKeySequence, KindBlur:
		return true
	}
	return false
}

// Message is one of Init, Reset, KeySequence, Blur, Ready, Status or Error.
type Message interface {
	Kind() Kind
	isMessage()
}

// Init hands the renderer a session to open.
type Init struct{ Payload ws.InitPayload }

// Reset tears the renderer's session down.
type Reset struct{}

// KeySequence injects raw input as if typed.
type KeySequence struct{ Data string }

// Blur drops input focus.
type Blur struct{}

// Ready announces the renderer finished bootstrapping.
type Ready struct{}

// Status reports a state transition.
type Status struct {
	State   ws.State
	Message string
}

// Error reports a failure; State is empty when not tied to a transition.
type Error struct {
	Message string
	State   ws.State
}

func (Init) Kind() Kind        { return KindInit }
func (Reset) Kind() Kind       { return KindReset }
func (KeySequence) Kind() Kind { return KindKeySequence }
func (Blur) Kind() Kind        { return KindBlur }
func (Ready) Kind() Kind       { return KindReady }
func (Status) Kind() Kind      { return KindStatus }
func (Error) Kind() Kind       { return KindError }

func (Init) isMessage()        {}
func (Reset) isMessage()       {}
func (KeySequence) isMessage() {}
func (Blur) isMessage()        {}
func (Ready) isMessage()       {}
func (Status) isMessage()      {}
func (Error) isMessage()       {}

// wire is the JSON shape shared by all kinds.
type wire struct {
	Type    Kind            `json:"type"`
	Payload *ws.InitPayload `json:"payload,omitempty"`
	Data    string          `json:"data,omitempty"`
	State   ws.State        `json:"state,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Encode serializes msg.
func Encode(msg Message) (string, error) {
	w := wire{}
	switch m := msg.(type) {
	case Init:
		p := m.Payload
		w.Type, w.Payload = KindInit, &p
	case Reset:
		w.Type = KindReset
	case KeySequence:
		w.Type, w.Data = KindKeySequence, m.Data
	case Blur:
		w.Type = KindBlur
	case Ready:
		w.Type = KindReady
	case Status:
		w.Type, w.State, w.Message = KindStatus, m.State, m.Message
	case Error:
		w.Type, w.State, w.Message = KindError, m.State, m.Message
	default:
		return "", fmt.Errorf("%w: %T", ErrUnknownMessage, msg)
	}
	data, err := json.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", w.Type, err)
	}
	return string(data), nil
}

// Decode parses a serialized message. Anything that is not a well-formed
// message of a known kind is an error.
func Decode(raw string) (Message, error) {
	var w wire
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, fmt.Errorf("decode bridge message: %w", err)
	}
	switch w.Type {
	case KindInit:
		if w.Payload == nil {
			return nil, errors.New("init without payload")
		}
		return Init{Payload: *w.Payload}, nil
	case KindReset:
		return Reset{}, nil
	case KindKeySequence:
		return KeySequence{Data: w.Data}, nil
	case KindBlur:
		return Blur{}, nil
	case KindReady:
		return Ready{}, nil
	case KindStatus:
		if !w.State.Valid() {
			return nil, fmt.Errorf("status with unknown state %q", w.State)
		}
		return Status{State: w.State, Message: w.Message}, nil
	case KindError:
		if w.State != "" && !w.State.Valid() {
			return nil, fmt.Errorf("error with unknown state %q", w.State)
		}
		return Error{Message: w.Message, State: w.State}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, w.Type)
}
