// Package call implements the per-call session runtime: the state machine,
// conversation model, audio gate, LLM stream driver, and the session
// orchestrator that ties a live phone call's audio stream to the speech and
// language providers.
package call

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the phase a call session is in.
type State int

const (
	// StateIdle is the initial phase before the media stream starts.
	StateIdle State = iota

	// StateListening means the agent is waiting for caller speech.
	StateListening

	// StateThinking means a language-model generation is in flight but has
	// not yet produced speakable text.
	StateThinking

	// StateSpeaking means synthesized audio is being sent to the caller.
	StateSpeaking

	// StateInterrupted is the transient phase while a barge-in is being
	// processed.
	StateInterrupted
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateListening:
		return "LISTENING"
	case StateThinking:
		return "THINKING"
	case StateSpeaking:
		return "SPEAKING"
	case StateInterrupted:
		return "INTERRUPTED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Transition records one successful state change.
type Transition struct {
	From   State
	To     State
	Reason string
	At     time.Time
}

// legalTransitions is the set of permitted state changes. Any state may
// additionally return to IDLE on teardown.
var legalTransitions = map[State][]State{
	StateIdle:        {StateListening},
	StateListening:   {StateThinking},
	StateThinking:    {StateSpeaking, StateListening},
	StateSpeaking:    {StateListening, StateInterrupted},
	StateInterrupted: {StateListening},
}

// historyBound caps the retained transition log.
const historyBound = 64

// Listener is notified synchronously after each successful transition.
// Listeners must not block.
type Listener func(t Transition)

// Machine enforces legal call-phase transitions and keeps a bounded history.
// Illegal transitions are rejected and logged, never fatal.
//
// Machine is safe for concurrent use, though in practice all transitions
// happen on the session's event loop.
type Machine struct {
	log *slog.Logger

	mu        sync.Mutex
	current   State
	history   []Transition
	listeners []Listener
}

// NewMachine creates a Machine in [StateIdle].
func NewMachine(log *slog.Logger) *Machine {
	if log == nil {
		log = slog.Default()
	}
	return &Machine{log: log, current: StateIdle}
}

// Current returns the present state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Attempt tries to transition to the given state. It returns true when the
// transition is legal and was applied. Illegal transitions are logged and
// leave the state unchanged.
func (m *Machine) Attempt(to State, reason string) bool {
	m.mu.Lock()
	from := m.current
	if !legal(from, to) {
		m.mu.Unlock()
		m.log.Warn("illegal state transition rejected",
			"from", from.String(), "to", to.String(), "reason", reason)
		return false
	}
	t := Transition{From: from, To: to, Reason: reason, At: time.Now()}
	m.current = to
	m.history = append(m.history, t)
	if len(m.history) > historyBound {
		m.history = m.history[len(m.history)-historyBound:]
	}
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	for _, l := range listeners {
		l(t)
	}
	return true
}

// Subscribe registers a listener invoked synchronously on each transition.
func (m *Machine) Subscribe(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// History returns a copy of the bounded transition log.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transition(nil), m.history...)
}

func legal(from, to State) bool {
	if to == StateIdle {
		// Teardown is always permitted.
		return true
	}
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
