package ratelimit

import (
	"context"
	"sync"
	"time"
)

// slidingWindow counts the exact timestamps of admitted requests per key.
// A request is admitted when fewer than limit.Requests timestamps fall
// inside the trailing window. Denials report how long until the oldest
// admission ages out.
type slidingWindow struct {
	mu      sync.Mutex
	limit   Limit
	entries map[string][]time.Time
}

func newSlidingWindow(limit Limit) *slidingWindow {
	return &slidingWindow{
		limit:   limit,
		entries: make(map[string][]time.Time),
	}
}

// Acquire reserves a slot by recording its timestamp
func (s *slidingWindow) Acquire(_ context.Context, key string, now time.Time) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-s.limit.Window)
	kept := s.pruneLocked(key, cutoff)

	if len(kept) >= s.limit.Requests {
		// The oldest admission leaving the window frees the next slot
		retryAfter := kept[0].Sub(cutoff)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return Decision{Allowed: false, Remaining: 0, RetryAfter: retryAfter}, nil
	}

	s.entries[key] = append(kept, now)
	return Decision{Allowed: true, Remaining: s.limit.Requests - len(kept) - 1}, nil
}

// Cancel removes the most recent admission for key
func (s *slidingWindow) Cancel(_ context.Context, key string, _ time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.entries[key]
	if len(kept) == 0 {
		return
	}
	if len(kept) == 1 {
		delete(s.entries, key)
		return
	}
	s.entries[key] = kept[:len(kept)-1]
}

// Prune drops keys whose newest admission predates olderThan and
// returns how many keys were removed
func (s *slidingWindow) Prune(olderThan time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, stamps := range s.entries {
		if len(stamps) == 0 || stamps[len(stamps)-1].Before(olderThan) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// pruneLocked drops expired timestamps for key and returns the survivors.
// Callers must hold s.mu.
func (s *slidingWindow) pruneLocked(key string, cutoff time.Time) []time.Time {
	stamps := s.entries[key]
	idx := 0
	for idx < len(stamps) && !stamps[idx].After(cutoff) {
		idx++
	}
	if idx == 0 {
		return stamps
	}
	kept := stamps[idx:]
	if len(kept) == 0 {
		delete(s.entries, key)
		return nil
	}
	s.entries[key] = kept
	return kept
}
