package harnessports

import "context"

// RateLimiter coordinates throughput towards a backend.
type RateLimiter interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}
