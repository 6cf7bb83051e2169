package ws

// State is the relay session's connection state.
type State string

const (
	StateIdle            State = "idle"
	StatePreparing       State = "preparing"
	StateCheckingSession State = "checking-session"
	StateSessionMissing  State = "session-missing"
	StateConnecting      State = "connecting"
	StateConnected       State = "connected"
	StateEnded           State = "ended"
	StateDisconnected    State = "disconnected"
	StateError           State = "error"
)

// User-facing status messages.
const (
	MsgPreparing      = "Preparing terminal..."
	MsgVerifying      = "Verifying session..."
	MsgSessionMissing = "Session is not currently registered with the relay."
	MsgConnecting     = "Connecting to relay..."
	MsgSessionEnded   = "Session has finished running."
	MsgDisconnected   = "Disconnected from relay."
	MsgAuthRejected   = "Relay rejected authentication credentials."
	MsgConnectFailed  = "Failed to connect to relay."
	MsgStreamError    = "Relay stream error."
	MsgSignIn         = "Sign in to connect to the terminal relay."
)

// AllStates lists every state in declaration order.
var AllStates = []State{
	StateIdle, StatePreparing, StateCheckingSession, StateSessionMissing,
	StateConnecting, StateConnected, StateEnded, StateDisconnected, StateError,
}

// transitions is the complete edge set. Every state can fall back to idle
// through an explicit reset; nothing else leaves a terminal state.
var transitions = map[State][]State{
	StateIdle:            {StatePreparing, StateCheckingSession},
	StatePreparing:       {StateCheckingSession, StateIdle},
	StateCheckingSession: {StateSessionMissing, StateConnecting, StateIdle},
	StateSessionMissing:  {StateIdle},
	StateConnecting:      {StateConnected, StateError, StateEnded, StateIdle},
	StateConnected:       {StateDisconnected, StateError, StateEnded, StateIdle},
	StateEnded:           {StateIdle},
	StateDisconnected:    {StateIdle},
	StateError:           {StateIdle},
}

// CanTransition reports whether s → to is a documented edge.
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether the state only ends through an external reset.
func (s State) Terminal() bool {
	switch s {
	case StateSessionMissing, StateEnded, StateDisconnected, StateError:
		return true
	}
	return false
}

// Message is the default banner text for the state.
func (s State) Message() string {
	switch s {
	case StatePreparing:
		return MsgPreparing
	case StateCheckingSession:
		return MsgVerifying
	case StateSessionMissing:
		return MsgSessionMissing
	case StateConnecting:
		return MsgConnecting
	case StateEnded:
		return MsgSessionEnded
	case StateDisconnected:
		return MsgDisconnected
	case StateError:
		return MsgStreamError
	}
	return ""
}
