package alloc

import (
	"fmt"
	"slices"
)

// State is a request's position in the supervisor state machine.
type State string

const (
	StateSubmitted  State = "submitted"
	StateAttempting State = "attempting"
	StateFulfilled  State = "fulfilled"
	StateTimedOut   State = "timed-out"
	StateFailed     State = "failed"
)

// transitions lists the allowed successor states. Terminal states have none,
// which keeps outcomes monotonic.
var transitions = map[State][]State{
	StateSubmitted:  {StateAttempting, StateFailed},
	StateAttempting: {StateFulfilled, StateTimedOut, StateFailed},
	StateFulfilled:  nil,
	StateTimedOut:   nil,
	StateFailed:     nil,
}

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	next, known := transitions[s]
	return known && len(next) == 0
}

// CanTransitionTo reports whether s may move to next.
func (s State) CanTransitionTo(next State) bool {
	return slices.Contains(transitions[s], next)
}

// Outcome maps a state onto the caller-visible outcome.
func (s State) Outcome() Outcome {
	switch s {
	case StateFulfilled:
		return OutcomeFulfilled
	case StateTimedOut:
		return OutcomeTimedOut
	case StateFailed:
		return OutcomeFailed
	default:
		return OutcomePending
	}
}

// TransitionError reports a rejected state change.
type TransitionError struct {
	RequestID string
	From      State
	To        State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("request %s: illegal transition %s -> %s", e.RequestID, e.From, e.To)
}

// Transition moves the request to next, stamping the reason for terminal states.
// It refuses any move the state machine does not allow, so an outcome is set
// exactly once.
func (r *Request) Transition(next State, reason Kind, message string) error {
	if !r.State.CanTransitionTo(next) {
		return &TransitionError{RequestID: r.ID, From: r.State, To: next}
	}
	r.State = next
	if next.IsTerminal() {
		r.Reason = reason
		r.Message = message
	}
	return nil
}
