package booking

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/booking/internal/platform/db"
)

const defaultAgendaTTL = time.Minute

// AgendaReader lists the bookings of a resource for one calendar day. With a
// cache attached, entries are stored under a per-resource generation key that
// mutations delete after commit, so a stale read can never be served again.
type AgendaReader struct {
	repo   Repository
	cache  Cache
	ttl    time.Duration
	logger zerolog.Logger
}

func NewAgendaReader(repo Repository, logger zerolog.Logger) *AgendaReader {
	return &AgendaReader{repo: repo, ttl: defaultAgendaTTL, logger: logger}
}

// AgendaFor returns every booking of resourceID, in any state, overlapping the
// calendar day of date in date's location, ordered by start.
func (a *AgendaReader) AgendaFor(ctx context.Context, resourceID uuid.UUID, date time.Time) ([]*Booking, error) {
	if resourceID == uuid.Nil {
		return nil, &ValidationError{Field: "resource_id", Message: "resource_id is required"}
	}
	if date.IsZero() {
		return nil, &ValidationError{Field: "date", Message: "date is required"}
	}
	day := Day(date)

	if a.cache == nil {
		return a.load(ctx, resourceID, day)
	}

	key, err := a.entryKey(ctx, resourceID, day)
	if err != nil {
		a.logger.Warn().Err(err).Str("resource_id", resourceID.String()).Msg("agenda cache unavailable")
		return a.load(ctx, resourceID, day)
	}
	if raw, ok, err := a.cache.Get(ctx, key); err != nil {
		a.logger.Warn().Err(err).Str("key", key).Msg("agenda cache read failed")
	} else if ok {
		var out []*Booking
		if err := json.Unmarshal(raw, &out); err == nil {
			return out, nil
		}
		a.logger.Warn().Str("key", key).Msg("agenda cache entry corrupt")
	}

	out, err := a.load(ctx, resourceID, day)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(out); err == nil {
		if err := a.cache.Set(ctx, key, raw, a.ttl); err != nil {
			a.logger.Warn().Err(err).Str("key", key).Msg("agenda cache write failed")
		}
	}
	return out, nil
}

func (a *AgendaReader) load(ctx context.Context, resourceID uuid.UUID, day Interval) ([]*Booking, error) {
	out, err := a.repo.ListByResourceWithin(ctx, resourceID, day)
	if err != nil {
		return nil, fmt.Errorf("agenda for resource %s: %w", resourceID, err)
	}
	SortByInterval(out)
	if out == nil {
		out = []*Booking{}
	}
	return out, nil
}

// entryKey resolves the current generation of the resource, creating one when
// none exists. The generation is written before the store is read.
func (a *AgendaReader) entryKey(ctx context.Context, resourceID uuid.UUID, day Interval) (string, error) {
	gk := generationKey(db.TenantFromContext(ctx), resourceID)
	gen, ok, err := a.cache.Get(ctx, gk)
	if err != nil {
		return "", err
	}
	if !ok {
		gen = []byte(uuid.NewString())
		if err := a.cache.Set(ctx, gk, gen, a.ttl); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("%s:%s:%d:%d", gk, gen, day.Start.Unix(), day.End.Unix()), nil
}

// invalidate drops every cached day of resourceID for the tenant in ctx.
func (a *AgendaReader) invalidate(ctx context.Context, resourceID uuid.UUID) {
	if a.cache == nil {
		return
	}
	gk := generationKey(db.TenantFromContext(ctx), resourceID)
	if err := a.cache.Delete(ctx, gk); err != nil {
		a.logger.Warn().Err(err).Str("key", gk).Msg("agenda cache invalidation failed")
	}
}

func generationKey(tenant string, resourceID uuid.UUID) string {
	if tenant == "" {
		tenant = "default"
	}
	return fmt.Sprintf("agenda:%s:%s", tenant, resourceID)
}
