package providers

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerSettings configures the circuit breaker around a provider
type BreakerSettings struct {
	// FailureThreshold is the number of consecutive transient failures
	// that opens the circuit
	FailureThreshold uint32

	// OpenTimeout is how long the circuit stays open before probing
	OpenTimeout time.Duration

	// Interval is the cyclic period for clearing failure counts while closed
	Interval time.Duration

	// HalfOpenRequests is the number of probe requests allowed half-open
	HalfOpenRequests uint32
}

// DefaultBreakerSettings returns settings suitable for most providers
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
		Interval:         60 * time.Second,
		HalfOpenRequests: 1,
	}
}

// BreakerProvider wraps a provider with a circuit breaker so that a
// persistently failing upstream is failed fast instead of being hammered.
// Only transient failures count against the circuit; fatal errors describe
// the request, not provider health.
type BreakerProvider struct {
	inner  Provider
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger
}

type breakerOutcome struct {
	resp *GenerateResponse
	err  error
}

// NewBreakerProvider wraps the given provider with a circuit breaker
func NewBreakerProvider(inner Provider, settings BreakerSettings, logger *zap.Logger) *BreakerProvider {
	bp := &BreakerProvider{
		inner:  inner,
		logger: logger,
	}

	bp.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        inner.Name(),
		MaxRequests: settings.HalfOpenRequests,
		Interval:    settings.Interval,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("provider circuit state changed",
				zap.String("provider", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return bp
}

// Name returns the wrapped provider name
func (b *BreakerProvider) Name() string {
	return b.inner.Name()
}

// Generate routes the request through the circuit breaker
func (b *BreakerProvider) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	result, cbErr := b.cb.Execute(func() (interface{}, error) {
		resp, err := b.inner.Generate(ctx, req)
		if err != nil && !IsRetryable(err) {
			// Carry the fatal error through without counting it as a failure
			return breakerOutcome{resp: resp, err: err}, nil
		}
		return breakerOutcome{resp: resp}, err
	})

	if cbErr != nil {
		if errors.Is(cbErr, gobreaker.ErrOpenState) || errors.Is(cbErr, gobreaker.ErrTooManyRequests) {
			return nil, NewTransientError(b.Name(), "CIRCUIT_OPEN", "provider circuit is open", 0, cbErr)
		}
		return nil, cbErr
	}

	outcome := result.(breakerOutcome)
	return outcome.resp, outcome.err
}

// IsAvailable checks the wrapped provider directly.
// Health probes bypass the breaker so they never trip it.
func (b *BreakerProvider) IsAvailable(ctx context.Context) bool {
	return b.inner.IsAvailable(ctx)
}

// EstimateCost delegates to the wrapped provider
func (b *BreakerProvider) EstimateCost(model string, tokensIn, maxTokens int) float64 {
	return b.inner.EstimateCost(model, tokensIn, maxTokens)
}

// ValidateModel delegates to the wrapped provider
func (b *BreakerProvider) ValidateModel(model string) error {
	return b.inner.ValidateModel(model)
}

// ListModels delegates to the wrapped provider
func (b *BreakerProvider) ListModels() []string {
	return b.inner.ListModels()
}
