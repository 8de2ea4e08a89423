package booking

import (
	"fmt"
	"time"
)

// State is a booking lifecycle state.
type State string

const (
	StateScheduled State = "scheduled"
	StateConfirmed State = "confirmed"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateNoShow    State = "no_show"
)

// ActiveStates participate in overlap checks.
var ActiveStates = []State{StateScheduled, StateConfirmed}

// ParseState validates a state name.
func ParseState(s string) (State, error) {
	switch st := State(s); st {
	case StateScheduled, StateConfirmed, StateCompleted, StateCancelled, StateNoShow:
		return st, nil
	}
	return "", &ValidationError{Field: "state", Message: fmt.Sprintf("unknown state %q", s)}
}

// IsActive reports whether the state blocks the resource's timeline.
func (s State) IsActive() bool {
	return s == StateScheduled || s == StateConfirmed
}

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateNoShow
}

// transitions lists the allowed target states per source state. Rescheduling
// is not a state change and is handled by CheckReschedule.
var transitions = map[State]map[State]bool{
	StateScheduled: {StateConfirmed: true, StateCompleted: true, StateCancelled: true, StateNoShow: true},
	StateConfirmed: {StateCompleted: true, StateCancelled: true, StateNoShow: true},
}

// CheckTransition decides whether b may move to target at time now. It returns
// OutcomeOK when allowed, otherwise the business outcome to report.
func CheckTransition(b *Booking, target State, now time.Time) (Outcome, string) {
	if b.State.IsTerminal() {
		return OutcomeNotModifiable, fmt.Sprintf("booking is %s and can no longer change", b.State)
	}
	if !transitions[b.State][target] {
		return OutcomeInvalidTransition, fmt.Sprintf("cannot move booking from %s to %s", b.State, target)
	}
	if target == StateCompleted && now.Before(b.Interval.Start) {
		return OutcomeInvalidTransition, "booking cannot be completed before it starts"
	}
	return OutcomeOK, ""
}

// CheckReschedule decides whether the interval of b may be replaced.
func CheckReschedule(b *Booking) (Outcome, string) {
	if !b.State.IsActive() {
		return OutcomeNotModifiable, fmt.Sprintf("booking is %s and can no longer be rescheduled", b.State)
	}
	return OutcomeOK, ""
}

// CheckEdit decides whether the descriptive fields of b may change. Only
// terminal bookings are frozen.
func CheckEdit(b *Booking) (Outcome, string) {
	if b.State.IsTerminal() {
		return OutcomeNotModifiable, fmt.Sprintf("booking is %s and can no longer be edited", b.State)
	}
	return OutcomeOK, ""
}
