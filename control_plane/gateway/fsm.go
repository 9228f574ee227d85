package gateway

import "fmt"

// State of one logical flow.
type State int

const (
	StateIdle State = iota
	StateRetrieving
	StateDeciding
	StatePreflighting
	StateExecuting
	StateDone
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRetrieving:
		return "retrieving"
	case StateDeciding:
		return "deciding"
	case StatePreflighting:
		return "preflighting"
	case StateExecuting:
		return "executing"
	case StateDone:
		return "done"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateDone || s == StateErrored }

var transitions = map[State][]State{
	StateIdle:         {StateRetrieving, StatePreflighting, StateExecuting},
	StateRetrieving:   {StateDeciding},
	StateDeciding:     {StateDone},
	StatePreflighting: {StateExecuting, StateDone},
	StateExecuting:    {StateDone},
}

// TransitionError is an illegal move between states.
type TransitionError struct {
	From, To State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}

// FSM sequences the stages of one flow. Every non-terminal state may fail
// into Errored. It is owned by a single goroutine.
type FSM struct {
	state State
}

func NewFSM() *FSM { return &FSM{state: StateIdle} }

func (f *FSM) State() State { return f.state }

func (f *FSM) to(next State) error {
	if next == StateErrored && !f.state.Terminal() {
		f.state = next
		return nil
	}
	for _, s := range transitions[f.state] {
		if s == next {
			f.state = next
			return nil
		}
	}
	return &TransitionError{From: f.state, To: next}
}

func (f *FSM) Retrieve() error  { return f.to(StateRetrieving) }
func (f *FSM) Decide() error    { return f.to(StateDeciding) }
func (f *FSM) Preflight() error { return f.to(StatePreflighting) }
func (f *FSM) Execute() error   { return f.to(StateExecuting) }
func (f *FSM) Finish() error    { return f.to(StateDone) }
func (f *FSM) Fail() error      { return f.to(StateErrored) }
