package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/upb/llm-gateway/models"
)

// Scope names the limit that produced a denial
const (
	ScopeIdentity = "identity"
	ScopeGlobal   = "global"
)

// Config selects the algorithm and the limits it enforces.
// A nil limit disables that scope entirely.
type Config struct {
	Algorithm   string
	PerIdentity *Limit
	Global      *Limit
	Options     StrategyOptions
}

// Result is the outcome of an acquire across both scopes
type Result struct {
	// Allowed reports whether a slot was reserved in every configured scope
	Allowed bool

	// Remaining is the tightest remaining count across configured scopes
	Remaining int

	// RetryAfter is how long the caller should wait before trying again.
	// When both scopes deny, the larger of the two waits is reported.
	RetryAfter time.Duration

	// Scope names the limit that denied ("identity" or "global")
	Scope string

	// Reason is a human-readable denial explanation
	Reason string
}

// RateLimitService enforces per-identity and global request limits.
// Both scopes must admit a request; a slot taken in one scope is returned
// when the other scope denies, so a denied request never consumes capacity.
type RateLimitService struct {
	mu          sync.Mutex
	perIdentity Strategy
	global      Strategy
	logger      *zap.Logger
}

// NewRateLimitService creates a new RateLimitService instance.
// Unknown algorithms and invalid limits are rejected here.
func NewRateLimitService(cfg Config, logger *zap.Logger) (*RateLimitService, error) {
	s := &RateLimitService{logger: logger}

	if cfg.PerIdentity != nil {
		strategy, err := NewStrategy(cfg.Algorithm, *cfg.PerIdentity, cfg.Options)
		if err != nil {
			return nil, fmt.Errorf("per-identity limit: %w", err)
		}
		s.perIdentity = strategy
	}

	if cfg.Global != nil {
		strategy, err := NewStrategy(cfg.Algorithm, *cfg.Global, cfg.Options)
		if err != nil {
			return nil, fmt.Errorf("global limit: %w", err)
		}
		s.global = strategy
	}

	if s.perIdentity == nil && s.global == nil {
		logger.Warn("rate limiting disabled, no limits configured")
	}

	return s, nil
}

// Acquire attempts to reserve a request slot for the identity at the
// given instant. The per-identity and global limits are checked as one
// atomic operation: concurrent callers racing for the last slot get
// exactly one approval.
func (s *RateLimitService) Acquire(ctx context.Context, identity string, now time.Time) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.perIdentity == nil && s.global == nil:
		return &Result{Allowed: true, Remaining: -1}, nil
	case s.perIdentity == nil:
		// Identities without per-identity limits count against the global limit only
		return s.acquireSingle(ctx, s.global, models.GlobalKey, ScopeGlobal, now)
	case s.global == nil:
		return s.acquireSingle(ctx, s.perIdentity, identity, ScopeIdentity, now)
	}

	idDec, err := s.perIdentity.Acquire(ctx, identity, now)
	if err != nil {
		return nil, fmt.Errorf("failed to check identity limit: %w", err)
	}

	if !idDec.Allowed {
		return s.denyBoth(ctx, identity, now, idDec), nil
	}

	gDec, err := s.global.Acquire(ctx, models.GlobalKey, now)
	if err != nil {
		s.perIdentity.Cancel(ctx, identity, now)
		return nil, fmt.Errorf("failed to check global limit: %w", err)
	}

	if !gDec.Allowed {
		// Return the identity slot so the denial consumes nothing
		s.perIdentity.Cancel(ctx, identity, now)
		s.logger.Debug("rate limit denied",
			zap.String("identity", identity),
			zap.String("scope", ScopeGlobal),
			zap.Duration("retry_after", gDec.RetryAfter))
		return &Result{
			Allowed:    false,
			RetryAfter: gDec.RetryAfter,
			Scope:      ScopeGlobal,
			Reason:     "global rate limit exceeded",
		}, nil
	}

	remaining := idDec.Remaining
	if gDec.Remaining < remaining {
		remaining = gDec.Remaining
	}

	return &Result{Allowed: true, Remaining: remaining}, nil
}

// AcquireBlocking waits until a slot is available or the context ends.
// Waits follow the denials' retry-after hints.
func (s *RateLimitService) AcquireBlocking(ctx context.Context, identity string) (*Result, error) {
	const minWait = 10 * time.Millisecond

	for {
		res, err := s.Acquire(ctx, identity, time.Now())
		if err != nil {
			return nil, err
		}
		if res.Allowed {
			return res, nil
		}

		wait := res.RetryAfter
		if wait < minWait {
			wait = minWait
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// StartCleanupWorker starts a background worker that periodically drops
// per-key state idle longer than the retention period
func (s *RateLimitService) StartCleanupWorker(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("started rate limit cleanup worker",
		zap.Duration("interval", interval),
		zap.Duration("retention", retention))

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-retention)
			if removed := s.pruneIdle(cutoff); removed > 0 {
				s.logger.Info("cleaned up idle rate limit keys",
					zap.Int("keys_removed", removed),
					zap.Time("cutoff_time", cutoff))
			}
		case <-ctx.Done():
			s.logger.Info("stopping rate limit cleanup worker")
			return
		}
	}
}

// acquireSingle checks exactly one configured scope
func (s *RateLimitService) acquireSingle(ctx context.Context, strategy Strategy, key, scope string, now time.Time) (*Result, error) {
	dec, err := strategy.Acquire(ctx, key, now)
	if err != nil {
		return nil, fmt.Errorf("failed to check %s limit: %w", scope, err)
	}

	if !dec.Allowed {
		s.logger.Debug("rate limit denied",
			zap.String("key", key),
			zap.String("scope", scope),
			zap.Duration("retry_after", dec.RetryAfter))
		return &Result{
			Allowed:    false,
			RetryAfter: dec.RetryAfter,
			Scope:      scope,
			Reason:     fmt.Sprintf("%s rate limit exceeded", scope),
		}, nil
	}

	return &Result{Allowed: true, Remaining: dec.Remaining}, nil
}

// denyBoth reports an identity denial, probing the global limit so that
// when both scopes deny the caller sees the larger retry-after
func (s *RateLimitService) denyBoth(ctx context.Context, identity string, now time.Time, idDec Decision) *Result {
	retryAfter := idDec.RetryAfter
	scope := ScopeIdentity
	reason := "identity rate limit exceeded"

	gDec, err := s.global.Acquire(ctx, models.GlobalKey, now)
	if err == nil {
		if gDec.Allowed {
			// The probe consumed a slot; give it back
			s.global.Cancel(ctx, models.GlobalKey, now)
		} else if gDec.RetryAfter > retryAfter {
			retryAfter = gDec.RetryAfter
			scope = ScopeGlobal
			reason = "global rate limit exceeded"
		}
	}

	s.logger.Debug("rate limit denied",
		zap.String("identity", identity),
		zap.String("scope", scope),
		zap.Duration("retry_after", retryAfter))

	return &Result{
		Allowed:    false,
		RetryAfter: retryAfter,
		Scope:      scope,
		Reason:     reason,
	}
}

// pruneIdle removes idle keys from strategies that retain per-key state
func (s *RateLimitService) pruneIdle(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, strategy := range []Strategy{s.perIdentity, s.global} {
		if p, ok := strategy.(prunable); ok {
			removed += p.Prune(cutoff)
		}
	}
	return removed
}
