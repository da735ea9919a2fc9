package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/upb/llm-gateway/internal/observability"
	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/services/audit"
	"github.com/upb/llm-gateway/services/budget"
	"github.com/upb/llm-gateway/services/policy"
	"github.com/upb/llm-gateway/services/providers"
	"github.com/upb/llm-gateway/services/ratelimit"
)

// defaultEstimateTokens bounds the completion side of the cost estimate
// when the caller sets no max_tokens
const defaultEstimateTokens = 1024

// Options wires the gateway's collaborators
type Options struct {
	Policy   *policy.PolicyService
	Limiter  *ratelimit.RateLimitService
	Budget   *budget.BudgetService
	Tokens   *budget.TokenCounter
	Registry *providers.Registry
	Audit    *audit.AuditService
	Metrics  *observability.Metrics
	Retry    RetryConfig
	Features Features

	// BlockOnRateLimit makes the gateway wait for a slot instead of
	// denying, bounded by the request timeout
	BlockOnRateLimit bool

	// DefaultTimeout bounds requests that carry no caller timeout;
	// zero means no deadline is imposed
	DefaultTimeout time.Duration

	Logger *zap.Logger
}

// Gateway is the single mediation layer between callers and providers.
// Every request passes through policy, budget and rate checks before
// any network call, and every attempt lands in the audit trail.
type Gateway struct {
	policy   *policy.PolicyService
	limiter  *ratelimit.RateLimitService
	budget   *budget.BudgetService
	tokens   *budget.TokenCounter
	registry *providers.Registry
	audit    *audit.AuditService
	metrics  *observability.Metrics
	retry    RetryConfig
	features Features

	blockOnRateLimit bool
	defaultTimeout   time.Duration
	logger           *zap.Logger
}

// NewGateway validates the wiring and returns a ready gateway
func NewGateway(opts Options) (*Gateway, error) {
	switch {
	case opts.Policy == nil:
		return nil, NewConfiguration("policy service is required", nil)
	case opts.Limiter == nil:
		return nil, NewConfiguration("rate limit service is required", nil)
	case opts.Budget == nil:
		return nil, NewConfiguration("budget service is required", nil)
	case opts.Registry == nil:
		return nil, NewConfiguration("provider registry is required", nil)
	case opts.Audit == nil:
		return nil, NewConfiguration("audit service is required", nil)
	}

	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Tokens == nil {
		opts.Tokens = budget.NewTokenCounter(opts.Logger)
	}

	return &Gateway{
		policy:           opts.Policy,
		limiter:          opts.Limiter,
		budget:           opts.Budget,
		tokens:           opts.Tokens,
		registry:         opts.Registry,
		audit:            opts.Audit,
		metrics:          opts.Metrics,
		retry:            opts.Retry.normalize(),
		features:         opts.Features,
		blockOnRateLimit: opts.BlockOnRateLimit,
		defaultTimeout:   opts.DefaultTimeout,
		logger:           opts.Logger,
	}, nil
}

// pipelineContext carries one request through the stages
type pipelineContext struct {
	requestID string
	spec      models.RequestSpec
	state     State
	start     time.Time
	warnings  []string
	estimate  float64
	tokensIn  int
	provider  providers.Provider
	attempts  int
}

func (p *pipelineContext) advance(state State) {
	p.state = state
}

// Request runs one generation request through the full pipeline:
// policy, budget reservation, rate limit, provider dispatch with
// bounded retry, accounting and audit. Any denial or failure releases
// the budget reservation and is audited before it is returned.
func (g *Gateway) Request(ctx context.Context, spec models.RequestSpec) (*models.GenerationResult, error) {
	pc := &pipelineContext{
		requestID: uuid.New().String(),
		spec:      spec,
		state:     StateReceived,
		start:     time.Now(),
	}

	log := g.logger.With(
		zap.String("request_id", pc.requestID),
		zap.String("identity", spec.Identity),
		zap.String("model", spec.Model))

	if err := spec.Validate(); err != nil {
		gerr := NewValidation(err.Error(), err)
		g.finish(pc, models.OutcomeDenied, gerr.Reason, log)
		return nil, gerr
	}

	timeout := spec.Timeout
	if timeout == 0 {
		timeout = g.defaultTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	log.Debug("request received", zap.String("state", string(pc.state)))

	// Policy runs before any network cost is incurred
	decision := g.policy.Evaluate(spec)
	if !decision.Allowed {
		gerr := NewPolicyViolation(decision.Reason)
		g.finish(pc, models.OutcomeDenied, decision.Reason, log)
		return nil, gerr
	}
	pc.spec.Params = decision.Params
	pc.warnings = decision.Warnings
	pc.advance(StatePolicyChecked)

	provider, err := g.registry.GetProviderForModel(pc.spec.Model)
	if err != nil {
		reason := "model not supported by any provider"
		gerr := NewFatalProvider(reason, 404, err)
		g.finish(pc, models.OutcomeDenied, reason, log)
		return nil, gerr
	}
	pc.provider = provider

	// Upper-bound cost estimate: prompt tokens plus the full completion
	// allowance at the model's pricing
	pc.tokensIn = g.tokens.Count(pc.spec.Model, pc.spec.Prompt)
	maxTokens := pc.spec.Params.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultEstimateTokens
	}
	pc.estimate = provider.EstimateCost(pc.spec.Model, pc.tokensIn, maxTokens)

	res, err := g.budget.Reserve(spec.Identity, pc.estimate)
	if err != nil {
		gerr := NewInternal("budget reservation failed", err)
		g.finish(pc, models.OutcomeFailed, gerr.Reason, log)
		return nil, gerr
	}
	if !res.Allowed {
		if g.metrics != nil {
			g.metrics.BudgetDenied(res.Scope)
		}
		gerr := NewBudgetExceeded(res.Reason, res.Remaining)
		g.finish(pc, models.OutcomeDenied, res.Reason, log)
		return nil, gerr
	}
	pc.advance(StateBudgetReserved)

	if err := g.acquireSlot(ctx, pc, log); err != nil {
		return nil, err
	}
	pc.advance(StateRateChecked)

	result, err := g.dispatch(ctx, pc, log)
	if err != nil {
		return nil, err
	}

	return result, nil
}

// acquireSlot takes a rate limit slot, releasing the budget reservation
// when the limiter denies
func (g *Gateway) acquireSlot(ctx context.Context, pc *pipelineContext, log *zap.Logger) error {
	if g.blockOnRateLimit {
		_, err := g.limiter.AcquireBlocking(ctx, pc.spec.Identity)
		if err != nil {
			g.budget.Release(pc.spec.Identity, pc.estimate)
			// A backend failure is not the caller's deadline running out
			if ctx.Err() == nil {
				gerr := NewInternal("rate limit check failed", err)
				g.finish(pc, models.OutcomeFailed, gerr.Reason, log)
				return gerr
			}
			gerr := NewTimeout("timed out waiting for a rate limit slot", err)
			g.finish(pc, models.OutcomeDenied, gerr.Reason, log)
			return gerr
		}
		return nil
	}

	res, err := g.limiter.Acquire(ctx, pc.spec.Identity, time.Now())
	if err != nil {
		g.budget.Release(pc.spec.Identity, pc.estimate)
		gerr := NewInternal("rate limit check failed", err)
		g.finish(pc, models.OutcomeFailed, gerr.Reason, log)
		return gerr
	}
	if !res.Allowed {
		g.budget.Release(pc.spec.Identity, pc.estimate)
		if g.metrics != nil {
			g.metrics.RateLimitDenied(res.Scope)
		}
		gerr := NewRateLimitExceeded(res.Reason, res.RetryAfter)
		g.finish(pc, models.OutcomeDenied, res.Reason, log)
		return gerr
	}
	return nil
}

// dispatch calls the provider with bounded retry on transient failures.
// No locks are held here; accounting happens strictly before and after.
func (g *Gateway) dispatch(ctx context.Context, pc *pipelineContext, log *zap.Logger) (*models.GenerationResult, error) {
	req := &providers.GenerateRequest{
		Model:       pc.spec.Model,
		Prompt:      pc.spec.Prompt,
		MaxTokens:   pc.spec.Params.MaxTokens,
		Temperature: pc.spec.Params.Temperature,
		TopP:        pc.spec.Params.TopP,
		Stop:        pc.spec.Params.Stop,
	}

	var resp *providers.GenerateResponse
	var lastErr error

	pc.advance(StateDispatched)
	for attempt := 0; attempt < g.retry.MaxAttempts; attempt++ {
		pc.attempts++

		resp, lastErr = pc.provider.Generate(ctx, req)
		if lastErr == nil {
			break
		}

		if ctx.Err() != nil || !providers.IsRetryable(lastErr) || attempt == g.retry.MaxAttempts-1 {
			break
		}

		pc.advance(StateRetryPending)
		if g.metrics != nil {
			g.metrics.ProviderRetried(pc.provider.Name())
		}
		log.Warn("provider attempt failed, retrying",
			zap.Int("attempt", pc.attempts),
			zap.Duration("backoff", g.retry.backoff(attempt)),
			zap.Error(lastErr))

		if err := sleepCtx(ctx, g.retry.backoff(attempt)); err != nil {
			lastErr = err
			break
		}
		pc.advance(StateDispatched)
	}

	if lastErr != nil {
		g.budget.Release(pc.spec.Identity, pc.estimate)
		gerr := g.mapProviderError(ctx, lastErr)
		pc.advance(StateFailed)
		g.finish(pc, models.OutcomeFailed, gerr.Reason, log)
		return nil, gerr
	}

	// True the reservation up to the actual cost
	g.budget.Record(pc.spec.Identity, pc.estimate, resp.Cost)
	pc.advance(StateCompleted)

	latency := time.Since(pc.start)
	if g.metrics != nil {
		g.metrics.ObserveRequest(string(models.OutcomeSucceeded), resp.Provider, latency)
		g.metrics.ObserveUsage(resp.Provider, resp.Model, resp.TokensIn, resp.TokensOut, resp.Cost)
	}

	record := models.NewAuditRecord(pc.requestID, pc.spec.Identity, pc.spec.Model).
		WithOutcome(models.OutcomeSucceeded, "").
		WithProvider(resp.Provider, pc.attempts).
		WithUsage(resp.TokensIn, resp.TokensOut, resp.Cost).
		WithLatency(int(latency.Milliseconds()))
	g.append(record)
	pc.advance(StateLogged)
	g.featureHook(pc, models.OutcomeSucceeded)

	log.Info("request completed",
		zap.String("provider", resp.Provider),
		zap.Int("attempts", pc.attempts),
		zap.Int("tokens_in", resp.TokensIn),
		zap.Int("tokens_out", resp.TokensOut),
		zap.Float64("cost", resp.Cost),
		zap.Duration("latency", latency))

	return &models.GenerationResult{
		RequestID:    pc.requestID,
		Text:         resp.Text,
		Model:        resp.Model,
		Provider:     resp.Provider,
		TokensIn:     resp.TokensIn,
		TokensOut:    resp.TokensOut,
		Cost:         resp.Cost,
		LatencyMs:    int(latency.Milliseconds()),
		FinishReason: resp.FinishReason,
		Warnings:     pc.warnings,
	}, nil
}

// mapProviderError translates a dispatch failure into the caller-facing
// error taxonomy
func (g *Gateway) mapProviderError(ctx context.Context, err error) *GatewayError {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return NewTimeout("request exceeded its time budget", err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return NewTimeout("request canceled", err)
	}

	var provErr *providers.ProviderError
	if errors.As(err, &provErr) && !provErr.Retryable {
		return NewFatalProvider(provErr.Message, provErr.StatusCode, err)
	}

	return NewProviderUnavailable("provider unavailable after retries", err)
}

// finish audits a request that ended without a successful generation
func (g *Gateway) finish(pc *pipelineContext, outcome models.Outcome, reason string, log *zap.Logger) {
	latency := time.Since(pc.start)

	if g.metrics != nil {
		providerName := ""
		if pc.provider != nil {
			providerName = pc.provider.Name()
		}
		g.metrics.ObserveRequest(string(outcome), providerName, latency)
	}

	record := models.NewAuditRecord(pc.requestID, pc.spec.Identity, pc.spec.Model).
		WithOutcome(outcome, reason).
		WithLatency(int(latency.Milliseconds()))
	if pc.provider != nil {
		record.WithProvider(pc.provider.Name(), pc.attempts)
	}
	g.append(record)
	pc.advance(StateLogged)
	g.featureHook(pc, outcome)

	log.Info("request finished without generation",
		zap.String("outcome", string(outcome)),
		zap.String("reason", reason),
		zap.Duration("latency", latency))
}

// featureHook is the gate for the optional autonomy features. All of
// them default off; nothing is registered behind the flags yet, so an
// enabled flag only announces itself.
func (g *Gateway) featureHook(pc *pipelineContext, outcome models.Outcome) {
	if g.features.AutoRemediation && outcome == models.OutcomeFailed {
		g.logger.Debug("auto remediation enabled, no remediator registered",
			zap.String("request_id", pc.requestID))
	}
	if g.features.PatternAnalysis && outcome == models.OutcomeSucceeded {
		g.logger.Debug("pattern analysis enabled, no analyzer registered",
			zap.String("request_id", pc.requestID))
	}
}

// append hands a record to the audit service, counting drops
func (g *Gateway) append(record *models.AuditRecord) {
	if err := g.audit.Append(record); err != nil {
		if g.metrics != nil {
			g.metrics.AuditDropped()
		}
		g.logger.Warn("audit append failed",
			zap.String("request_id", record.RequestID),
			zap.Error(err))
	}
}
