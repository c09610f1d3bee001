package token

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// endpointLimiter paces issuance calls per token endpoint. A nil
// endpointLimiter never blocks.
type endpointLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func newEndpointLimiter(rps float64, burst int) *endpointLimiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &endpointLimiter{
		limit:    rate.Limit(rps),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Wait blocks until a call to tokenURL is allowed or ctx ends.
func (l *endpointLimiter) Wait(ctx context.Context, tokenURL string) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	lim, ok := l.limiters[tokenURL]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[tokenURL] = lim
	}
	l.mu.Unlock()
	return lim.Wait(ctx)
}
