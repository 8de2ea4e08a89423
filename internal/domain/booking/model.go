package booking

import (
	"time"

	"github.com/google/uuid"
)

// Booking maps to the booking table. A booking reserves a resource
// (clinician) for a subject (patient) over a half-open interval.
type Booking struct {
	ID                 uuid.UUID `db:"id" json:"id"`
	ResourceID         uuid.UUID `db:"resource_id" json:"resource_id"`
	SubjectID          uuid.UUID `db:"subject_id" json:"subject_id"`
	Interval           Interval  `json:"interval"`
	Kind               string    `db:"kind" json:"kind"`
	State              State     `db:"state" json:"state"`
	Reason             *string   `db:"reason" json:"reason,omitempty"`
	Room               *string   `db:"room" json:"room,omitempty"`
	Note               *string   `db:"note" json:"note,omitempty"`
	CancellationReason *string   `db:"cancellation_reason" json:"cancellation_reason,omitempty"`
	VersionID          int       `db:"version_id" json:"version_id"`
	CreatedBy          string    `db:"created_by" json:"created_by"`
	UpdatedBy          string    `db:"updated_by" json:"updated_by"`
	CreatedAt          time.Time `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time `db:"updated_at" json:"updated_at"`
}

// MinutesDuration is the booked length in whole minutes.
func (b *Booking) MinutesDuration() int {
	return int(b.Interval.Duration() / time.Minute)
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (b *Booking) Clone() *Booking {
	c := *b
	c.Reason = copyStr(b.Reason)
	c.Room = copyStr(b.Room)
	c.Note = copyStr(b.Note)
	c.CancellationReason = copyStr(b.CancellationReason)
	return &c
}

// Action names a recorded booking mutation.
type Action string

const (
	ActionCreated     Action = "created"
	ActionRescheduled Action = "rescheduled"
	ActionConfirmed   Action = "confirmed"
	ActionCompleted   Action = "completed"
	ActionCancelled   Action = "cancelled"
	ActionNoShow      Action = "no_show"
	ActionUpdated     Action = "updated"
)

func actionFor(target State) Action {
	switch target {
	case StateConfirmed:
		return ActionConfirmed
	case StateCompleted:
		return ActionCompleted
	case StateCancelled:
		return ActionCancelled
	case StateNoShow:
		return ActionNoShow
	}
	return ActionRescheduled
}

// Event maps to the booking_event table, the audit trail of every mutation.
type Event struct {
	ID         uuid.UUID  `db:"id" json:"id"`
	BookingID  uuid.UUID  `db:"booking_id" json:"booking_id"`
	ResourceID uuid.UUID  `db:"resource_id" json:"resource_id"`
	Action     Action     `db:"action" json:"action"`
	FromState  *State     `db:"from_state" json:"from_state,omitempty"`
	ToState    State      `db:"to_state" json:"to_state"`
	Interval   Interval   `json:"interval"`
	PrevStart  *time.Time `db:"prev_start" json:"prev_start,omitempty"`
	PrevEnd    *time.Time `db:"prev_end" json:"prev_end,omitempty"`
	Reason     *string    `db:"reason" json:"reason,omitempty"`
	Actor      string     `db:"actor" json:"actor"`
	RecordedAt time.Time  `db:"recorded_at" json:"recorded_at"`
}

func copyStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
