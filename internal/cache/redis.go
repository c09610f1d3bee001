package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wudi/broker/internal/logging"
)

const redisOpTimeout = 200 * time.Millisecond

// RedisStore shares tokens between broker replicas. Each key expires in
// Redis when its token does.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisStore creates a Redis-backed store. prefix namespaces the keys,
// e.g. "broker:token:".
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

// WithClock replaces the clock used for expiry checks.
func (s *RedisStore) WithClock(now func() time.Time) *RedisStore {
	s.now = now
	return s
}

func (s *RedisStore) Get(ctx context.Context, key string) (Entry, bool) {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logging.Warn("redis token get failed, treating as miss", zap.String("credential_id", key), zap.Error(err))
		}
		return Entry{}, false
	}
	e, err := decodeEntry(data)
	if err != nil {
		logging.Warn("redis token decode failed, treating as miss", zap.String("credential_id", key), zap.Error(err))
		return Entry{}, false
	}
	if e.Expired(s.now()) {
		return Entry{}, false
	}
	return e, true
}

func (s *RedisStore) Set(ctx context.Context, key string, entry Entry) {
	ttl := entry.TTL(s.now())
	if ttl <= 0 {
		return
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entry); err != nil {
		logging.Warn("redis token encode failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	if err := s.client.Set(ctx, s.prefix+key, buf.Bytes(), ttl).Err(); err != nil {
		logging.Warn("redis token set failed", zap.String("credential_id", key), zap.Error(err))
	}
}

func (s *RedisStore) Delete(ctx context.Context, key string) bool {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	n, err := s.client.Del(ctx, s.prefix+key).Result()
	if err != nil {
		logging.Warn("redis token delete failed", zap.String("credential_id", key), zap.Error(err))
		return false
	}
	return n > 0
}

func (s *RedisStore) Entries(ctx context.Context) map[string]Entry {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	out := make(map[string]Entry)
	now := s.now()
	err := s.scan(ctx, func(keys []string) error {
		vals, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return err
		}
		for i, v := range vals {
			str, ok := v.(string)
			if !ok {
				continue
			}
			e, err := decodeEntry([]byte(str))
			if err != nil || e.Expired(now) {
				continue
			}
			out[keys[i][len(s.prefix):]] = e
		}
		return nil
	})
	if err != nil {
		logging.Warn("redis token listing failed", zap.Error(err))
	}
	return out
}

func (s *RedisStore) Purge(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := s.scan(ctx, func(keys []string) error {
		return s.client.Del(ctx, keys...).Err()
	})
	if err != nil {
		logging.Warn("redis token purge failed", zap.Error(err))
	}
}

func (s *RedisStore) Stats(ctx context.Context) StoreStats {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	var count int
	err := s.scan(ctx, func(keys []string) error {
		count += len(keys)
		return nil
	})
	if err != nil {
		logging.Warn("redis token stats scan failed", zap.Error(err))
	}
	return StoreStats{Backend: "redis", Size: count}
}

// scan calls fn with each non-empty batch of keys under the prefix.
func (s *RedisStore) scan(ctx context.Context, fn func(keys []string) error) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 100).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func decodeEntry(data []byte) (Entry, error) {
	var e Entry
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&e)
	return e, err
}
