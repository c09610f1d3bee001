package cache

import (
	"context"
	"sync/atomic"
	"time"

	expirable "github.com/hashicorp/golang-lru/v2/expirable"
)

// MemoryStore is an in-process LRU bounded by entry count. The store-wide
// TTL caps every entry; per-entry expiry is checked on read.
type MemoryStore struct {
	lru       *expirable.LRU[string, Entry]
	evictions atomic.Int64
	maxSize   int
	now       func() time.Time
}

// NewMemoryStore creates a store holding at most maxSize tokens, none for
// longer than maxTTL.
func NewMemoryStore(maxSize int, maxTTL time.Duration) *MemoryStore {
	if maxSize <= 0 {
		maxSize = 500
	}
	s := &MemoryStore{maxSize: maxSize, now: time.Now}
	s.lru = expirable.NewLRU[string, Entry](maxSize, func(string, Entry) {
		s.evictions.Add(1)
	}, maxTTL)
	return s
}

// WithClock replaces the clock used for expiry checks.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) Get(_ context.Context, key string) (Entry, bool) {
	e, ok := s.lru.Get(key)
	if !ok {
		return Entry{}, false
	}
	if e.Expired(s.now()) {
		s.lru.Remove(key)
		return Entry{}, false
	}
	return e, true
}

func (s *MemoryStore) Set(_ context.Context, key string, entry Entry) {
	s.lru.Add(key, entry)
}

func (s *MemoryStore) Delete(_ context.Context, key string) bool {
	return s.lru.Remove(key)
}

func (s *MemoryStore) Entries(_ context.Context) map[string]Entry {
	now := s.now()
	out := make(map[string]Entry)
	for _, key := range s.lru.Keys() {
		if e, ok := s.lru.Peek(key); ok && !e.Expired(now) {
			out[key] = e
		}
	}
	return out
}

func (s *MemoryStore) Purge(context.Context) {
	s.lru.Purge()
}

func (s *MemoryStore) Stats(context.Context) StoreStats {
	return StoreStats{
		Backend:   "memory",
		Size:      s.lru.Len(),
		MaxSize:   s.maxSize,
		Evictions: s.evictions.Load(),
	}
}
