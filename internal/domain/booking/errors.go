package booking

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by repositories when a booking id does not resolve.
	ErrNotFound = errors.New("booking not found")
	// ErrOverlap is returned by repositories when the storage-level exclusion
	// constraint rejects a write.
	ErrOverlap = errors.New("booking overlaps an active booking")
	// ErrStoreUnavailable wraps infrastructure failures of the booking store.
	ErrStoreUnavailable = errors.New("booking store unavailable")
)

// ValidationError reports a malformed request. It is raised before any store
// access, except for a missing cancellation reason, which is only reported once
// the booking is known to be cancellable.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// IsValidation reports whether err is (or wraps) a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Outcome classifies the business result of a booking operation.
type Outcome string

const (
	OutcomeOK                Outcome = "ok"
	OutcomeConflict          Outcome = "conflict"
	OutcomeInvalidTransition Outcome = "invalid_transition"
	OutcomeNotModifiable     Outcome = "not_modifiable"
	OutcomeNotFound          Outcome = "not_found"
)

// Result is returned by every booking operation. Booking is set when Outcome
// is OutcomeOK; Conflicts is set when Outcome is OutcomeConflict.
type Result struct {
	Outcome   Outcome    `json:"outcome"`
	Booking   *Booking   `json:"booking,omitempty"`
	Conflicts []*Booking `json:"conflicts,omitempty"`
	Message   string     `json:"message,omitempty"`
}

// OK reports whether the operation succeeded.
func (r Result) OK() bool { return r.Outcome == OutcomeOK }

func okResult(b *Booking) Result {
	return Result{Outcome: OutcomeOK, Booking: b}
}

func conflictResult(conflicts []*Booking) Result {
	msg := "resource already has a booking in that slot"
	if len(conflicts) > 0 {
		msg = fmt.Sprintf("%s (%s)", msg, conflicts[0].Interval.Clock())
	}
	return Result{Outcome: OutcomeConflict, Conflicts: conflicts, Message: msg}
}

func notFoundResult(what string) Result {
	return Result{Outcome: OutcomeNotFound, Message: what + " not found"}
}
