// Package cache holds issued access tokens keyed by credential ID.
package cache

import (
	"context"
	"time"
)

// Entry is a cached access token. Entries are passed by value so callers
// never share state with the store.
type Entry struct {
	AccessToken string
	TokenType   string
	ExpiresAt   time.Time
	StoredAt    time.Time
}

// Expired reports whether the entry is unusable at now.
func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// TTL returns the remaining lifetime at now, or zero once expired.
func (e Entry) TTL(now time.Time) time.Duration {
	if d := e.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// StoreStats contains storage-level statistics.
type StoreStats struct {
	Backend   string `json:"backend"`
	Size      int    `json:"size"`
	MaxSize   int    `json:"max_size"`  // 0 if N/A (e.g., Redis)
	Evictions int64  `json:"evictions"` // 0 if not tracked (e.g., Redis)
}

// Store abstracts the token storage backend. Get never returns an expired
// entry. Backend failures are logged and surface as misses.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool)
	Set(ctx context.Context, key string, entry Entry)
	Delete(ctx context.Context, key string) bool
	Entries(ctx context.Context) map[string]Entry
	Purge(ctx context.Context)
	Stats(ctx context.Context) StoreStats
}
