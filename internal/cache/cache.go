package cache

import (
	"context"
	"time"
)

// BytesCache is what the signer uses to memoize course lists.
type BytesCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// RateLimiter bounds how often monitor workers probe the platform.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

// Noop satisfies both interfaces for deployments without redis: the cache
// always misses and the limiter always allows.
type Noop struct{}

func (Noop) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }

func (Noop) Set(context.Context, string, []byte, time.Duration) error { return nil }

func (Noop) Allow(context.Context, string, int64, time.Duration) (bool, int64, error) {
	return true, 1, nil
}
