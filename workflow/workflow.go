// Package workflow implements the tri-state program-execution state machine
// shared by Sender and Controller (spec.md §4.6):
//
//	idle ──start──► running ──pause──► paused
//	  ▲                │                 │
//	  │                resume────────────┘
//	  └── stop / hard error ◄────────────┘
package workflow

import "fmt"

// State is one of the three workflow states.
type State int

const (
	Idle State = iota
	Running
	Paused
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Paused:
		return "paused"
	default:
		return fmt.Sprintf("workflow.State(%d)", int(s))
	}
}

// Transition names the edges of the state machine, used for error messages
// and for the workflow:state event payload.
type Transition int

const (
	Start Transition = iota
	Pause
	Resume
	Stop
)

func (t Transition) String() string {
	switch t {
	case Start:
		return "start"
	case Pause:
		return "pause"
	case Resume:
		return "resume"
	case Stop:
		return "stop"
	default:
		return fmt.Sprintf("workflow.Transition(%d)", int(t))
	}
}

// ErrInvalidTransition is returned by Machine.Apply when the requested
// transition is not legal from the current state.
type ErrInvalidTransition struct {
	From       State
	Transition Transition
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("workflow: %s is not valid from state %s", e.Transition, e.From)
}

// Machine holds the current workflow state and validates transitions. It is
// not safe for concurrent use; its owner (Sender) guards it with its own
// lock since state changes always happen alongside other protected state.
type Machine struct {
	state State
}

// NewMachine returns a Machine starting in Idle.
func NewMachine() *Machine {
	return &Machine{state: Idle}
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// Apply validates and performs a transition, returning the new state.
// stop is legal from any state (spec.md §4.6: "stop / hard error" reaches
// idle from running or paused alike).
func (m *Machine) Apply(t Transition) (State, error) {
	switch t {
	case Start:
		if m.state != Idle {
			return m.state, &ErrInvalidTransition{From: m.state, Transition: t}
		}
		m.state = Running
	case Pause:
		if m.state != Running {
			return m.state, &ErrInvalidTransition{From: m.state, Transition: t}
		}
		m.state = Paused
	case Resume:
		if m.state != Paused {
			return m.state, &ErrInvalidTransition{From: m.state, Transition: t}
		}
		m.state = Running
	case Stop:
		m.state = Idle
	default:
		return m.state, fmt.Errorf("workflow: unknown transition %v", t)
	}
	return m.state, nil
}
