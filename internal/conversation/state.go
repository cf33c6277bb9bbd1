package conversation

import "sync"

// State is the lifecycle phase of a conversation session.
type State int

const (
	// StateConnecting is the initial state: capture and transport are being
	// opened and the service has not yet acknowledged the session.
	StateConnecting State = iota

	// StateListening means the service is ready and no reply is playing.
	StateListening

	// StateResponding means the model's reply audio is arriving.
	StateResponding

	// StateClosed means the session was closed and its resources released.
	StateClosed

	// StateError means the session failed. The cause is reported through
	// the error callback and [Handle.Err].
	StateError
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateResponding:
		return "responding"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can leave s.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateError
}

// Signal is an input to the [StateMachine].
type Signal int

const (
	// SignalOpen: the service acknowledged the session.
	SignalOpen Signal = iota

	// SignalUserTranscript: a fragment of the user's speech was recognised.
	SignalUserTranscript

	// SignalModelAudio: a chunk of reply audio arrived.
	SignalModelAudio

	// SignalInterrupt: the user barged in over the reply.
	SignalInterrupt

	// SignalTurnComplete: the model finished its reply.
	SignalTurnComplete

	// SignalClose: the caller (or the service) ended the session.
	SignalClose

	// SignalFailure: the transport or a device failed.
	SignalFailure
)

// String returns the name of the signal.
func (s Signal) String() string {
	switch s {
	case SignalOpen:
		return "open"
	case SignalUserTranscript:
		return "user-transcript"
	case SignalModelAudio:
		return "model-audio"
	case SignalInterrupt:
		return "interrupt"
	case SignalTurnComplete:
		return "turn-complete"
	case SignalClose:
		return "close"
	case SignalFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// next returns the state reached from s on sig. Signals that do not apply in
// s leave it unchanged.
func next(s State, sig Signal) State {
	if s.Terminal() {
		return s
	}
	switch sig {
	case SignalOpen:
		if s == StateConnecting {
			return StateListening
		}
	case SignalModelAudio:
		return StateResponding
	case SignalInterrupt, SignalTurnComplete:
		if s == StateResponding {
			return StateListening
		}
	case SignalClose:
		return StateClosed
	case SignalFailure:
		return StateError
	}
	return s
}

// StateMachine tracks the [State] of one session. It is the only place the
// state is mutated. Every actual change invokes the change hook exactly once;
// signals that leave the state unchanged are silent, and once a terminal
// state is reached every further signal is ignored.
//
// StateMachine is safe for concurrent use. The hook runs with the machine's
// lock held and must not call back into it.
type StateMachine struct {
	mu       sync.Mutex
	state    State
	onChange func(from, to State)
}

// NewStateMachine returns a machine in [StateConnecting]. onChange may be nil.
func NewStateMachine(onChange func(from, to State)) *StateMachine {
	return &StateMachine{state: StateConnecting, onChange: onChange}
}

// State returns the current state.
func (m *StateMachine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Apply feeds sig to the machine and returns the resulting state and whether
// it differs from the previous one.
func (m *StateMachine) Apply(sig Signal) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.state
	to := next(from, sig)
	if to == from {
		return from, false
	}
	m.state = to
	if m.onChange != nil {
		m.onChange(from, to)
	}
	return to, true
}
