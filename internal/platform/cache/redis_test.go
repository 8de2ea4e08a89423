package cache

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func TestNewRedis_BadURL(t *testing.T) {
	if _, err := NewRedis(context.Background(), "http://not-redis", "booking:"); err == nil {
		t.Error("expected error for non-redis url")
	}
}

func TestRedis_KeyPrefix(t *testing.T) {
	r := NewRedisWithClient(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), "booking:")
	defer r.Close()
	if got := r.key("agenda:acme"); got != "booking:agenda:acme" {
		t.Errorf("unexpected key %q", got)
	}
}

func TestRedis_DeleteNoKeys(t *testing.T) {
	r := NewRedisWithClient(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), "")
	defer r.Close()
	// No round trip is made for an empty key list.
	if err := r.Delete(context.Background()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRedis_UnreachableServer(t *testing.T) {
	r := NewRedisWithClient(redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	}), "")
	defer r.Close()
	if _, _, err := r.Get(context.Background(), "k"); err == nil {
		t.Error("expected error from unreachable server")
	}
}

// roundTrip covers Set, Get, Delete and the miss mapping against r. Keys are
// namespaced by the caller's prefix.
func roundTrip(t *testing.T, r *Redis) {
	t.Helper()
	ctx := context.Background()

	val, ok, err := r.Get(ctx, "agenda:missing")
	if err != nil || ok || val != nil {
		t.Fatalf("miss: expected (nil, false, nil), got (%q, %v, %v)", val, ok, err)
	}

	want := []byte(`[{"id":"b1"}]`)
	if err := r.Set(ctx, "agenda:a", want, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := r.Set(ctx, "agenda:b", []byte("other"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok, err := r.Get(ctx, "agenda:a")
	if err != nil || !ok || !bytes.Equal(got, want) {
		t.Fatalf("hit: got (%q, %v, %v)", got, ok, err)
	}

	if err := r.Delete(ctx, "agenda:a", "agenda:b", "agenda:never-set"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	for _, k := range []string{"agenda:a", "agenda:b"} {
		if _, ok, err := r.Get(ctx, k); err != nil || ok {
			t.Errorf("%s: expected a miss after delete, got ok=%v err=%v", k, ok, err)
		}
	}
}

func TestRedis_RoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	r, err := NewRedis(context.Background(), "redis://"+mr.Addr()+"/0", "booking:")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer r.Close()

	roundTrip(t, r)

	if err := r.Set(context.Background(), "agenda:ttl", []byte("x"), time.Second); err != nil {
		t.Fatalf("set: %v", err)
	}
	if !mr.Exists("booking:agenda:ttl") {
		t.Fatal("value must be stored under the prefix")
	}
	mr.FastForward(2 * time.Second)
	if _, ok, err := r.Get(context.Background(), "agenda:ttl"); err != nil || ok {
		t.Errorf("expected expiry after ttl, got ok=%v err=%v", ok, err)
	}
	if err := r.Ping(context.Background()); err != nil {
		t.Errorf("ping: %v", err)
	}
}

func TestRedis_RoundTripLiveServer(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	r, err := NewRedis(context.Background(), url, "booking-test:"+time.Now().Format("150405.000000")+":")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer r.Close()
	roundTrip(t, r)
}
