package booking

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Detector finds active bookings colliding with a candidate interval.
type Detector struct {
	repo Repository
}

func NewDetector(repo Repository) *Detector {
	return &Detector{repo: repo}
}

// FindConflicts returns every active booking of resourceID that overlaps
// candidate, ignoring exclude, ordered by start. When ctx carries a
// transaction the read happens on it.
func (d *Detector) FindConflicts(ctx context.Context, resourceID uuid.UUID, candidate Interval, exclude *uuid.UUID) ([]*Booking, error) {
	existing, err := d.repo.ListActiveOverlapping(ctx, resourceID, candidate, exclude)
	if err != nil {
		return nil, fmt.Errorf("find conflicts: %w", err)
	}
	// The store already filters; re-checking keeps the contract independent of
	// the query.
	return DetectConflicts(existing, resourceID, candidate, exclude), nil
}

// DetectConflicts is the in-memory form of FindConflicts.
func DetectConflicts(existing []*Booking, resourceID uuid.UUID, candidate Interval, exclude *uuid.UUID) []*Booking {
	var out []*Booking
	for _, b := range existing {
		if b.ResourceID != resourceID || !b.State.IsActive() {
			continue
		}
		if exclude != nil && b.ID == *exclude {
			continue
		}
		if Overlaps(candidate, b.Interval) {
			out = append(out, b)
		}
	}
	SortByInterval(out)
	return out
}

// SortByInterval orders bookings by start, then end, then id.
func SortByInterval(bs []*Booking) {
	sort.SliceStable(bs, func(i, j int) bool {
		if Less(bs[i].Interval, bs[j].Interval) {
			return true
		}
		if Less(bs[j].Interval, bs[i].Interval) {
			return false
		}
		return bs[i].ID.String() < bs[j].ID.String()
	})
}
