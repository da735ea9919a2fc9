package ratelimit

import (
	"context"
	"sync"
	"time"
)

// fixedWindow counts admissions inside wall-clock aligned windows.
// Cheaper than the sliding window at the cost of allowing up to twice
// the limit across a window boundary.
type fixedWindow struct {
	mu      sync.Mutex
	limit   Limit
	buckets map[string]*fixedBucket
}

type fixedBucket struct {
	windowStart time.Time
	count       int
}

func newFixedWindow(limit Limit) *fixedWindow {
	return &fixedWindow{
		limit:   limit,
		buckets: make(map[string]*fixedBucket),
	}
}

// Acquire reserves a slot in the window containing now
func (f *fixedWindow) Acquire(_ context.Context, key string, now time.Time) (Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	windowStart := now.Truncate(f.limit.Window)

	bucket, ok := f.buckets[key]
	if !ok || bucket.windowStart.Before(windowStart) {
		bucket = &fixedBucket{windowStart: windowStart}
		f.buckets[key] = bucket
	}

	if bucket.count >= f.limit.Requests {
		retryAfter := windowStart.Add(f.limit.Window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return Decision{Allowed: false, Remaining: 0, RetryAfter: retryAfter}, nil
	}

	bucket.count++
	return Decision{Allowed: true, Remaining: f.limit.Requests - bucket.count}, nil
}

// Cancel returns a slot to the window containing now.
// A slot acquired in an earlier window is already irrelevant and stays spent.
func (f *fixedWindow) Cancel(_ context.Context, key string, now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()

	bucket, ok := f.buckets[key]
	if !ok || bucket.count == 0 {
		return
	}
	if bucket.windowStart.Before(now.Truncate(f.limit.Window)) {
		return
	}
	bucket.count--
}

// Prune drops buckets from windows that ended before olderThan and
// returns how many keys were removed
func (f *fixedWindow) Prune(olderThan time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	removed := 0
	for key, bucket := range f.buckets {
		if bucket.windowStart.Add(f.limit.Window).Before(olderThan) {
			delete(f.buckets, key)
			removed++
		}
	}
	return removed
}
