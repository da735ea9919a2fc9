package budget

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/llm-gateway/models"
)

func newTestService(t *testing.T, cfg Config) *BudgetService {
	t.Helper()
	s, err := NewBudgetService(cfg, zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestNewBudgetService_Validation(t *testing.T) {
	t.Run("negative ceiling rejected", func(t *testing.T) {
		_, err := NewBudgetService(Config{PerIdentityCeiling: -1}, zap.NewNop())
		assert.Error(t, err)
	})

	t.Run("unknown reset period rejected", func(t *testing.T) {
		_, err := NewBudgetService(Config{ResetPeriod: "weekly"}, zap.NewNop())
		assert.Error(t, err)
	})

	t.Run("interval period requires positive interval", func(t *testing.T) {
		_, err := NewBudgetService(Config{ResetPeriod: PeriodInterval}, zap.NewNop())
		assert.Error(t, err)
	})

	t.Run("empty period defaults to daily", func(t *testing.T) {
		s := newTestService(t, Config{PerIdentityCeiling: 1})
		assert.Equal(t, PeriodDaily, s.cfg.ResetPeriod)
	})
}

func TestBudgetService_ReserveDeniesOverCeiling(t *testing.T) {
	s := newTestService(t, Config{PerIdentityCeiling: 1.00, ResetPeriod: PeriodDaily})

	// Three calls at $0.30 fit under $1.00; the fourth does not
	for i := 0; i < 3; i++ {
		res, err := s.Reserve("architect", 0.30)
		require.NoError(t, err)
		require.True(t, res.Allowed, "call %d should be allowed", i+1)
		s.Record("architect", 0.30, 0.30)
	}

	res, err := s.Reserve("architect", 0.30)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, ScopeIdentity, res.Scope)
	assert.InDelta(t, 0.10, res.Remaining, 1e-9)
}

func TestBudgetService_GlobalCeiling(t *testing.T) {
	s := newTestService(t, Config{GlobalCeiling: 0.50, ResetPeriod: PeriodDaily})

	res, err := s.Reserve("a", 0.40)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	// A different identity shares the global ceiling
	res, err = s.Reserve("b", 0.20)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, ScopeGlobal, res.Scope)
}

func TestBudgetService_CurrentSpendIsSumOfRecordedActuals(t *testing.T) {
	s := newTestService(t, Config{PerIdentityCeiling: 100, ResetPeriod: PeriodDaily})

	res, err := s.Reserve("builder", 0.50)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	// Reservations never appear in the spend total
	assert.Equal(t, 0.0, s.CurrentSpend("builder"))

	// The actual cost trues up the estimate
	s.Record("builder", 0.50, 0.37)
	assert.InDelta(t, 0.37, s.CurrentSpend("builder"), 1e-9)
	assert.InDelta(t, 0.37, s.CurrentSpend(models.GlobalKey), 1e-9)

	res, err = s.Reserve("builder", 0.10)
	require.NoError(t, err)
	require.True(t, res.Allowed)
	s.Record("builder", 0.10, 0.12)
	assert.InDelta(t, 0.49, s.CurrentSpend("builder"), 1e-9)
}

func TestBudgetService_ReleaseReturnsReservation(t *testing.T) {
	s := newTestService(t, Config{PerIdentityCeiling: 1.00, ResetPeriod: PeriodDaily})

	res, err := s.Reserve("architect", 0.90)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	// While reserved, a second reservation does not fit
	res, err = s.Reserve("architect", 0.20)
	require.NoError(t, err)
	require.False(t, res.Allowed)

	s.Release("architect", 0.90)

	res, err = s.Reserve("architect", 0.20)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 0.0, s.CurrentSpend("architect"))
}

func TestBudgetService_PeriodReset(t *testing.T) {
	s := newTestService(t, Config{PerIdentityCeiling: 1.00, ResetPeriod: PeriodDaily})

	now := time.Date(2026, 8, 25, 23, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return now }

	res, err := s.Reserve("architect", 0.90)
	require.NoError(t, err)
	require.True(t, res.Allowed)
	s.Record("architect", 0.90, 0.90)
	assert.InDelta(t, 0.90, s.CurrentSpend("architect"), 1e-9)

	// Next day: spend resets without any request activity
	now = now.Add(2 * time.Hour)
	assert.Equal(t, 0.0, s.CurrentSpend("architect"))

	res, err = s.Reserve("architect", 0.90)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestBudgetService_IntervalReset(t *testing.T) {
	s := newTestService(t, Config{
		PerIdentityCeiling: 1.00,
		ResetPeriod:        PeriodInterval,
		ResetEvery:         time.Hour,
	})

	now := time.Date(2026, 8, 25, 10, 59, 0, 0, time.UTC)
	s.clock = func() time.Time { return now }

	s.Record("a", 0, 0.80)
	now = now.Add(2 * time.Minute)
	assert.Equal(t, 0.0, s.CurrentSpend("a"))
}

func TestBudgetService_ConcurrentReservesNeverExceedCeiling(t *testing.T) {
	s := newTestService(t, Config{GlobalCeiling: 1.00, ResetPeriod: PeriodDaily})

	const workers = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.Reserve("shared", 0.25)
			require.NoError(t, err)
			if res.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// $1.00 ceiling admits exactly four $0.25 reservations
	assert.Equal(t, 4, allowed)
}

func TestBudgetService_Snapshot(t *testing.T) {
	s := newTestService(t, Config{PerIdentityCeiling: 5, GlobalCeiling: 10, ResetPeriod: PeriodDaily})

	res, err := s.Reserve("architect", 1.5)
	require.NoError(t, err)
	require.True(t, res.Allowed)
	s.Record("architect", 1.5, 1.2)

	snap := s.Snapshot()
	require.Contains(t, snap, "architect")
	require.Contains(t, snap, models.GlobalKey)
	assert.InDelta(t, 1.2, snap["architect"].Spent, 1e-9)
	assert.Equal(t, 5.0, snap["architect"].Ceiling)
	assert.Equal(t, 10.0, snap[models.GlobalKey].Ceiling)
}

func TestBudgetService_SweepDropsIdleKeys(t *testing.T) {
	s := newTestService(t, Config{PerIdentityCeiling: 5, ResetPeriod: PeriodDaily})

	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return now }

	s.Record("stale", 0, 0.10)
	now = now.Add(30 * time.Minute)

	// Both the identity key and the global key go idle together
	removed := s.sweep(10 * time.Minute)
	assert.Equal(t, 2, removed)

	// Keys with outstanding reservations survive the sweep
	res, err := s.Reserve("held", 0.10)
	require.NoError(t, err)
	require.True(t, res.Allowed)
	now = now.Add(30 * time.Minute)
	assert.Equal(t, 0, s.sweep(10*time.Minute))
}
