package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/upb/llm-gateway/models"
)

// ResetPeriod selects when running totals reset
type ResetPeriod string

const (
	PeriodDaily    ResetPeriod = "daily"
	PeriodMonthly  ResetPeriod = "monthly"
	PeriodInterval ResetPeriod = "interval"
)

// Scope names the ceiling that produced a denial
const (
	ScopeIdentity = "identity"
	ScopeGlobal   = "global"
)

// Config holds the budget ceilings and reset cadence.
// A zero ceiling disables that scope.
type Config struct {
	PerIdentityCeiling float64
	GlobalCeiling      float64
	ResetPeriod        ResetPeriod

	// ResetEvery is the interval length when ResetPeriod is "interval"
	ResetEvery time.Duration
}

// Result is the outcome of a reservation attempt
type Result struct {
	// Allowed reports whether the estimate fits under every configured ceiling
	Allowed bool

	// Remaining is the headroom left in the denying scope, never negative
	Remaining float64

	// Scope names the ceiling that denied ("identity" or "global")
	Scope string

	// Reason is a human-readable denial explanation
	Reason string
}

// Spend is a point-in-time view of one key's accounting
type Spend struct {
	Spent       float64
	Reserved    float64
	Ceiling     float64
	PeriodStart time.Time
}

// keyState is the mutable accounting for one key within the current period
type keyState struct {
	spent       float64
	reserved    float64
	periodStart time.Time
	lastSeen    time.Time
}

// BudgetService tracks spend per identity and globally and enforces
// ceilings before dispatch. Reservations hold estimated cost until the
// call completes; Record trues the estimate up to the actual cost and
// Release drops it entirely. Spent totals only grow within a period and
// reset when the period rolls over.
type BudgetService struct {
	mu     sync.Mutex
	cfg    Config
	states map[string]*keyState
	clock  func() time.Time
	logger *zap.Logger
}

// NewBudgetService creates a new BudgetService instance
func NewBudgetService(cfg Config, logger *zap.Logger) (*BudgetService, error) {
	if cfg.PerIdentityCeiling < 0 || cfg.GlobalCeiling < 0 {
		return nil, fmt.Errorf("budget ceilings cannot be negative")
	}
	if cfg.ResetPeriod == "" {
		cfg.ResetPeriod = PeriodDaily
	}
	switch cfg.ResetPeriod {
	case PeriodDaily, PeriodMonthly:
	case PeriodInterval:
		if cfg.ResetEvery <= 0 {
			return nil, fmt.Errorf("reset interval must be positive, got %s", cfg.ResetEvery)
		}
	default:
		return nil, fmt.Errorf("unknown reset period %q", cfg.ResetPeriod)
	}

	if cfg.PerIdentityCeiling == 0 && cfg.GlobalCeiling == 0 {
		logger.Warn("budget enforcement disabled, no ceilings configured")
	}

	return &BudgetService{
		cfg:    cfg,
		states: make(map[string]*keyState),
		clock:  time.Now,
		logger: logger,
	}, nil
}

// Reserve provisionally holds estimate against the identity and global
// ceilings. Both ceilings must admit the estimate; the identity ceiling
// is checked first. The hold is atomic: concurrent reservations racing
// for the last headroom get exactly one approval.
func (s *BudgetService) Reserve(identity string, estimate float64) (*Result, error) {
	if estimate < 0 {
		return nil, fmt.Errorf("estimate cannot be negative, got %f", estimate)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()

	if s.cfg.PerIdentityCeiling > 0 {
		st := s.stateFor(identity, now)
		if st.spent+st.reserved+estimate > s.cfg.PerIdentityCeiling {
			return s.deny(identity, ScopeIdentity, s.cfg.PerIdentityCeiling, st, estimate), nil
		}
	}

	if s.cfg.GlobalCeiling > 0 {
		st := s.stateFor(models.GlobalKey, now)
		if st.spent+st.reserved+estimate > s.cfg.GlobalCeiling {
			return s.deny(identity, ScopeGlobal, s.cfg.GlobalCeiling, st, estimate), nil
		}
	}

	s.stateFor(identity, now).reserved += estimate
	s.stateFor(models.GlobalKey, now).reserved += estimate

	return &Result{Allowed: true}, nil
}

// Release drops a reservation without charging it. Used when the
// request is denied or fails after the reservation was taken.
func (s *BudgetService) Release(identity string, estimate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	s.releaseLocked(s.stateFor(identity, now), estimate)
	s.releaseLocked(s.stateFor(models.GlobalKey, now), estimate)
}

// Record converts a reservation into actual spend, truing up the
// estimate in both directions. The reserved amount leaves the hold and
// the actual amount joins the running total; over- and under-estimates
// are never silently dropped.
func (s *BudgetService) Record(identity string, reserved, actual float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	for _, key := range []string{identity, models.GlobalKey} {
		st := s.stateFor(key, now)
		s.releaseLocked(st, reserved)
		st.spent += actual
	}

	s.logger.Debug("recorded cost",
		zap.String("identity", identity),
		zap.Float64("reserved", reserved),
		zap.Float64("actual", actual))
}

// CurrentSpend returns the recorded spend for a key in the current
// period. Reservations are excluded; only actual recorded costs count.
func (s *BudgetService) CurrentSpend(key string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.stateFor(key, s.clock()).spent
}

// Snapshot returns a copy of every key's accounting for inspection
func (s *BudgetService) Snapshot() map[string]Spend {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	out := make(map[string]Spend, len(s.states))
	for key := range s.states {
		st := s.stateFor(key, now)
		ceiling := s.cfg.PerIdentityCeiling
		if key == models.GlobalKey {
			ceiling = s.cfg.GlobalCeiling
		}
		out[key] = Spend{
			Spent:       st.spent,
			Reserved:    st.reserved,
			Ceiling:     ceiling,
			PeriodStart: st.periodStart,
		}
	}
	return out
}

// StartResetWorker sweeps period rollovers and drops idle keys so a key
// that stops sending requests still resets on schedule and does not
// leak state
func (s *BudgetService) StartResetWorker(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("started budget reset worker",
		zap.Duration("interval", interval),
		zap.Duration("retention", retention))

	for {
		select {
		case <-ticker.C:
			if removed := s.sweep(retention); removed > 0 {
				s.logger.Info("dropped idle budget keys", zap.Int("keys_removed", removed))
			}
		case <-ctx.Done():
			s.logger.Info("stopping budget reset worker")
			return
		}
	}
}

// stateFor returns the state for key, lazily applying a period reset.
// Callers must hold s.mu.
func (s *BudgetService) stateFor(key string, now time.Time) *keyState {
	start := s.periodStart(now)

	st, ok := s.states[key]
	if !ok {
		st = &keyState{periodStart: start}
		s.states[key] = st
	}
	if st.periodStart.Before(start) {
		// Period rolled over: spent resets, in-flight reservations carry
		st.spent = 0
		st.periodStart = start
	}
	st.lastSeen = now
	return st
}

// periodStart returns the start of the period containing now
func (s *BudgetService) periodStart(now time.Time) time.Time {
	switch s.cfg.ResetPeriod {
	case PeriodMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	case PeriodInterval:
		return now.Truncate(s.cfg.ResetEvery)
	default:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	}
}

func (s *BudgetService) releaseLocked(st *keyState, amount float64) {
	st.reserved -= amount
	if st.reserved < 0 {
		st.reserved = 0
	}
}

func (s *BudgetService) deny(identity, scope string, ceiling float64, st *keyState, estimate float64) *Result {
	remaining := ceiling - st.spent - st.reserved
	if remaining < 0 {
		remaining = 0
	}

	s.logger.Debug("budget denied",
		zap.String("identity", identity),
		zap.String("scope", scope),
		zap.Float64("estimate", estimate),
		zap.Float64("remaining", remaining))

	return &Result{
		Allowed:   false,
		Remaining: remaining,
		Scope:     scope,
		Reason: fmt.Sprintf("would exceed %s budget of %.2f USD (spent: %.4f, reserved: %.4f, estimate: %.4f)",
			scope, ceiling, st.spent, st.reserved, estimate),
	}
}

// sweep applies lazy resets and drops keys idle longer than retention
func (s *BudgetService) sweep(retention time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	start := s.periodStart(now)
	removed := 0
	for key, st := range s.states {
		if st.periodStart.Before(start) {
			st.spent = 0
			st.periodStart = start
		}
		if st.reserved == 0 && now.Sub(st.lastSeen) > retention {
			delete(s.states, key)
			removed++
		}
	}
	return removed
}
