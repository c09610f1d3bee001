package cache

import (
	"context"
	"fmt"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func TestMemoryStore_GetSet(t *testing.T) {
	clock := newClock()
	s := NewMemoryStore(10, time.Hour).WithClock(clock.Now)
	ctx := context.Background()

	if _, ok := s.Get(ctx, "abc"); ok {
		t.Fatal("expected miss on empty store")
	}

	s.Set(ctx, "abc", Entry{AccessToken: "t1", TokenType: "Bearer", ExpiresAt: clock.t.Add(time.Minute), StoredAt: clock.t})
	got, ok := s.Get(ctx, "abc")
	if !ok {
		t.Fatal("expected hit")
	}
	if got.AccessToken != "t1" || got.TokenType != "Bearer" {
		t.Errorf("unexpected entry %+v", got)
	}

	// Mutating the returned copy does not affect the store.
	got.AccessToken = "mutated"
	again, _ := s.Get(ctx, "abc")
	if again.AccessToken != "t1" {
		t.Errorf("store entry changed through copy: %q", again.AccessToken)
	}
}

func TestMemoryStore_ExpiredNeverReturned(t *testing.T) {
	clock := newClock()
	s := NewMemoryStore(10, time.Hour).WithClock(clock.Now)
	ctx := context.Background()

	s.Set(ctx, "abc", Entry{AccessToken: "t1", ExpiresAt: clock.t.Add(time.Minute)})

	clock.Advance(59 * time.Second)
	if _, ok := s.Get(ctx, "abc"); !ok {
		t.Fatal("expected hit before expiry")
	}

	clock.Advance(time.Second)
	if _, ok := s.Get(ctx, "abc"); ok {
		t.Fatal("entry returned at expiry instant")
	}
	if s.Stats(ctx).Size != 0 {
		t.Errorf("expired entry not removed on read")
	}
}

func TestMemoryStore_Capacity(t *testing.T) {
	clock := newClock()
	s := NewMemoryStore(3, time.Hour).WithClock(clock.Now)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		s.Set(ctx, fmt.Sprintf("cred-%d", i), Entry{AccessToken: "t", ExpiresAt: clock.t.Add(time.Minute)})
	}
	stats := s.Stats(ctx)
	if stats.Size != 3 || stats.MaxSize != 3 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.Evictions != 2 {
		t.Errorf("evictions = %d, want 2", stats.Evictions)
	}
	if _, ok := s.Get(ctx, "cred-0"); ok {
		t.Error("oldest entry should have been evicted")
	}
}

func TestMemoryStore_DeleteEntriesPurge(t *testing.T) {
	clock := newClock()
	s := NewMemoryStore(10, time.Hour).WithClock(clock.Now)
	ctx := context.Background()

	s.Set(ctx, "a", Entry{AccessToken: "ta", ExpiresAt: clock.t.Add(time.Minute)})
	s.Set(ctx, "b", Entry{AccessToken: "tb", ExpiresAt: clock.t.Add(time.Hour)})

	clock.Advance(2 * time.Minute)
	entries := s.Entries(ctx)
	if len(entries) != 1 || entries["b"].AccessToken != "tb" {
		t.Errorf("Entries() = %v", entries)
	}

	if !s.Delete(ctx, "b") {
		t.Error("Delete(b) = false")
	}
	if s.Delete(ctx, "missing") {
		t.Error("Delete(missing) = true")
	}

	s.Set(ctx, "c", Entry{AccessToken: "tc", ExpiresAt: clock.t.Add(time.Hour)})
	s.Purge(ctx)
	if s.Stats(ctx).Size != 0 {
		t.Error("Purge left entries")
	}
}
