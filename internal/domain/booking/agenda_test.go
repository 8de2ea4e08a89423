package booking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/booking/internal/platform/db"
)

type mockCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	gets    int
	err     error
}

func newMockCache() *mockCache {
	return &mockCache{entries: make(map[string][]byte)}
}

func (c *mockCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	if c.err != nil {
		return nil, false, c.err
	}
	v, ok := c.entries[key]
	return v, ok, nil
}

func (c *mockCache) Set(_ context.Context, key string, val []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.entries[key] = val
	return nil
}

func (c *mockCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
	}
	return nil
}

func TestAgenda_AllStatesOrdered(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	late := f.mustCreate(t, "15:00", "15:30")
	early := f.mustCreate(t, "08:00", "08:30")
	if _, err := f.svc.Cancel(ctx, late.ID, "x", actor); err != nil {
		t.Fatal(err)
	}
	// Another day and another resource are excluded.
	if _, err := f.svc.Create(ctx, CreateRequest{ResourceID: f.resource, SubjectID: f.subject, Start: at("09:00").AddDate(0, 0, 1), Actor: actor}); err != nil {
		t.Fatal(err)
	}
	other := f.addResource()
	if _, err := f.svc.Create(ctx, CreateRequest{ResourceID: other, SubjectID: f.subject, Start: at("09:00"), Actor: actor}); err != nil {
		t.Fatal(err)
	}

	items, err := f.svc.Agenda(ctx, f.resource, at("00:00"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 bookings, got %d", len(items))
	}
	if items[0].ID != early.ID || items[1].ID != late.ID {
		t.Error("agenda must be ordered by start")
	}
	if items[1].State != StateCancelled {
		t.Error("agenda must include cancelled bookings")
	}
}

func TestAgenda_Empty(t *testing.T) {
	f := newFixture()
	items, err := f.svc.Agenda(context.Background(), f.resource, at("00:00"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if items == nil || len(items) != 0 {
		t.Errorf("expected empty non-nil agenda, got %v", items)
	}
}

func TestAgenda_OffsetDay(t *testing.T) {
	f := newFixture()
	// 23:30-00:00 UTC is 01:30-02:00 on the next day at +02:00.
	start := time.Date(2026, 3, 2, 23, 30, 0, 0, time.UTC)
	if _, err := f.svc.Create(context.Background(), CreateRequest{ResourceID: f.resource, SubjectID: f.subject, Start: start, Actor: actor}); err != nil {
		t.Fatal(err)
	}
	plus2 := time.FixedZone("", 2*60*60)

	items, _ := f.svc.Agenda(context.Background(), f.resource, time.Date(2026, 3, 3, 0, 0, 0, 0, plus2))
	if len(items) != 1 {
		t.Errorf("expected booking on 2026-03-03 at +02:00, got %d", len(items))
	}
	items, _ = f.svc.Agenda(context.Background(), f.resource, time.Date(2026, 3, 2, 0, 0, 0, 0, plus2))
	if len(items) != 0 {
		t.Errorf("expected no booking on 2026-03-02 at +02:00, got %d", len(items))
	}
}

func TestAgenda_Validation(t *testing.T) {
	f := newFixture()
	if _, err := f.svc.Agenda(context.Background(), uuid.Nil, at("00:00")); !IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
	if _, err := f.svc.Agenda(context.Background(), f.resource, time.Time{}); !IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestAgenda_CacheServesAndInvalidates(t *testing.T) {
	cache := newMockCache()
	f := newFixture(WithCache(cache, time.Minute))
	ctx := db.WithTenant(context.Background(), "acme")
	day := at("00:00")

	f.mustCreate(t, "09:00", "09:30")
	items, err := f.svc.Agenda(ctx, f.resource, day)
	if err != nil || len(items) != 1 {
		t.Fatalf("first read: %v %d", err, len(items))
	}

	// A cached read must not reach the store.
	f.store.failWith = errors.New("store must not be read")
	items, err = f.svc.Agenda(ctx, f.resource, day)
	if err != nil || len(items) != 1 {
		t.Fatalf("cached read: %v %d", err, len(items))
	}
	f.store.failWith = nil

	// Mutations performed under the same tenant drop the generation.
	if _, err := f.svc.Create(ctx, CreateRequest{ResourceID: f.resource, SubjectID: f.subject, Start: at("10:00"), Actor: actor}); err != nil {
		t.Fatal(err)
	}
	items, err = f.svc.Agenda(ctx, f.resource, day)
	if err != nil || len(items) != 2 {
		t.Fatalf("read after create: %v %d", err, len(items))
	}
}

func TestAgenda_TenantsDoNotShareEntries(t *testing.T) {
	if generationKey("a", uuid.Nil) == generationKey("b", uuid.Nil) {
		t.Error("tenants must not share cache keys")
	}
	if generationKey("", uuid.Nil) != generationKey("default", uuid.Nil) {
		t.Error("empty tenant must map to default")
	}
}

func TestAgenda_CacheErrorFallsBackToStore(t *testing.T) {
	cache := newMockCache()
	cache.err = errors.New("redis down")
	f := newFixture(WithCache(cache, time.Minute))
	f.mustCreate(t, "09:00", "09:30")
	items, err := f.svc.Agenda(context.Background(), f.resource, at("00:00"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 1 {
		t.Errorf("expected 1 booking, got %d", len(items))
	}
}
