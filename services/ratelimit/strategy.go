package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/upb/llm-gateway/services"
)

// Algorithm names accepted in configuration
const (
	AlgorithmSlidingWindow = "sliding_window"
	AlgorithmFixedWindow   = "fixed_window"
	AlgorithmTokenBucket   = "token_bucket"
	AlgorithmRedisGCRA     = "redis_gcra"
)

// Limit describes how many requests a window admits
type Limit struct {
	// Requests admitted per window
	Requests int

	// Window duration
	Window time.Duration
}

// Decision is the outcome of a single acquire against one strategy
type Decision struct {
	// Allowed reports whether the slot was reserved
	Allowed bool

	// Remaining is the number of slots left in the window after this call
	Remaining int

	// RetryAfter is how long the caller should wait before trying again.
	// Zero when Allowed is true.
	RetryAfter time.Duration
}

// Strategy reserves and releases rate limit slots for keys.
// Acquire must atomically check and reserve: two concurrent calls for the
// last slot must produce exactly one Allowed decision.
type Strategy interface {
	// Acquire attempts to reserve one slot for key at the given instant
	Acquire(ctx context.Context, key string, now time.Time) (Decision, error)

	// Cancel returns the most recently acquired slot for key.
	// It compensates an Acquire whose sibling check denied.
	Cancel(ctx context.Context, key string, now time.Time)
}

// prunable is implemented by in-memory strategies that accumulate
// per-key state and can drop entries idle since the given instant
type prunable interface {
	Prune(olderThan time.Time) int
}

// StrategyOptions carries backend handles some algorithms need
type StrategyOptions struct {
	// Redis client, required by the redis_gcra algorithm
	Redis *redis.Client

	// KeyPrefix namespaces keys in shared backends
	KeyPrefix string
}

// NewStrategy builds the named algorithm for the given limit.
// Unknown algorithm names and non-positive limits fail here so a bad
// configuration is rejected at startup, not on the first request.
func NewStrategy(algorithm string, limit Limit, opts StrategyOptions) (Strategy, error) {
	if limit.Requests <= 0 {
		return nil, fmt.Errorf("%w: requests must be positive, got %d", services.ErrInvalidLimit, limit.Requests)
	}
	if limit.Window <= 0 {
		return nil, fmt.Errorf("%w: window must be positive, got %s", services.ErrInvalidLimit, limit.Window)
	}

	switch algorithm {
	case AlgorithmSlidingWindow, "":
		return newSlidingWindow(limit), nil
	case AlgorithmFixedWindow:
		return newFixedWindow(limit), nil
	case AlgorithmTokenBucket:
		return newTokenBucket(limit), nil
	case AlgorithmRedisGCRA:
		if opts.Redis == nil {
			return nil, fmt.Errorf("%w: redis_gcra requires a redis client", services.ErrInvalidLimit)
		}
		return newRedisGCRA(limit, opts.Redis, opts.KeyPrefix), nil
	default:
		return nil, fmt.Errorf("%w: %q", services.ErrUnknownAlgorithm, algorithm)
	}
}
