package adapters

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	ports "github.com/ZanzyTHEbar/gaia-runner/gaia/generation/harness/ports"
)

// ErrRateLimitExceeded is returned when a permit cannot be obtained before
// the context is done.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// RateLimiter keeps one token bucket per key and blocks callers until a
// token is available.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewRateLimiter creates a limiter refilling rps tokens per second up to burst.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

// Acquire waits for a token for the given key.
func (r *RateLimiter) Acquire(ctx context.Context, key string) (release func(), err error) {
	lim := r.limiter(key)
	if err := lim.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRateLimitExceeded, key, err)
	}
	// Tokens refill on their own; nothing to hand back.
	return func() {}, nil
}

func (r *RateLimiter) limiter(key string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	lim, ok := r.limiters[key]
	if !ok {
		lim = rate.NewLimiter(r.limit, r.burst)
		r.limiters[key] = lim
	}
	return lim
}

// Ensure RateLimiter implements the RateLimiter interface.
var _ ports.RateLimiter = (*RateLimiter)(nil)
