package booking

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository persists bookings. Methods called inside Transactor.InTx must use
// the transaction carried by ctx.
type Repository interface {
	Create(ctx context.Context, b *Booking) error
	GetByID(ctx context.Context, id uuid.UUID) (*Booking, error)
	// GetForUpdate loads a booking and locks its row until the enclosing
	// transaction ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Booking, error)
	Update(ctx context.Context, b *Booking) error
	// LockResources serializes mutations per resource until the enclosing
	// transaction ends.
	LockResources(ctx context.Context, resourceIDs ...uuid.UUID) error
	// ListActiveOverlapping returns active bookings of the resource that overlap
	// iv, skipping exclude, ordered by start.
	ListActiveOverlapping(ctx context.Context, resourceID uuid.UUID, iv Interval, exclude *uuid.UUID) ([]*Booking, error)
	// ListByResourceWithin returns bookings in any state overlapping iv, ordered
	// by start.
	ListByResourceWithin(ctx context.Context, resourceID uuid.UUID, iv Interval) ([]*Booking, error)
	Search(ctx context.Context, params SearchParams, limit, offset int) ([]*Booking, int, error)
	RecordEvent(ctx context.Context, e *Event) error
}

// Transactor runs fn as one atomic unit of work.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Directory resolves the references a booking holds. It is backed by the
// identity domain.
type Directory interface {
	ResourceExists(ctx context.Context, id uuid.UUID) (bool, error)
	SubjectExists(ctx context.Context, id uuid.UUID) (bool, error)
}

// EventPublisher fans booking events out after commit.
type EventPublisher interface {
	PublishJSON(ctx context.Context, key string, v any) error
}

// OutcomeRecorder counts finished mutations by operation and outcome.
type OutcomeRecorder interface {
	BookingOutcome(operation, outcome string)
}

// Cache stores rendered agendas.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// SearchParams filters Search. Zero values are ignored.
type SearchParams struct {
	ResourceID *uuid.UUID
	SubjectID  *uuid.UUID
	Within     *Interval
	State      *State
}
