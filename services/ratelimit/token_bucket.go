package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// tokenBucket refills limit.Requests tokens evenly over limit.Window,
// with a burst of the full limit. Smoother than window counting under
// sustained load.
type tokenBucket struct {
	mu      sync.Mutex
	limit   Limit
	rate    rate.Limit
	buckets map[string]*tokenBucketEntry
}

type tokenBucketEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	lastRes  *rate.Reservation
}

func newTokenBucket(limit Limit) *tokenBucket {
	return &tokenBucket{
		limit:   limit,
		rate:    rate.Limit(float64(limit.Requests) / limit.Window.Seconds()),
		buckets: make(map[string]*tokenBucketEntry),
	}
}

// Acquire takes one token for key, failing when none is available now
func (t *tokenBucket) Acquire(_ context.Context, key string, now time.Time) (Decision, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.buckets[key]
	if !ok {
		entry = &tokenBucketEntry{
			limiter: rate.NewLimiter(t.rate, t.limit.Requests),
		}
		t.buckets[key] = entry
	}
	entry.lastSeen = now

	res := entry.limiter.ReserveN(now, 1)
	if !res.OK() {
		return Decision{Allowed: false, RetryAfter: t.limit.Window}, nil
	}

	if delay := res.DelayFrom(now); delay > 0 {
		// No token available yet; return it rather than queueing
		res.CancelAt(now)
		return Decision{Allowed: false, Remaining: 0, RetryAfter: delay}, nil
	}

	entry.lastRes = res
	return Decision{Allowed: true, Remaining: int(entry.limiter.TokensAt(now))}, nil
}

// Cancel refunds the token taken by the most recent Acquire for key
func (t *tokenBucket) Cancel(_ context.Context, key string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.buckets[key]
	if !ok || entry.lastRes == nil {
		return
	}
	entry.lastRes.CancelAt(now)
	entry.lastRes = nil
}

// Prune drops keys not seen since olderThan and returns how many were removed
func (t *tokenBucket) Prune(olderThan time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for key, entry := range t.buckets {
		if entry.lastSeen.Before(olderThan) {
			delete(t.buckets, key)
			removed++
		}
	}
	return removed
}
