package app

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/upb/llm-gateway/config"
	"github.com/upb/llm-gateway/internal/observability"
	"github.com/upb/llm-gateway/repositories/postgres"
	"github.com/upb/llm-gateway/services"
	"github.com/upb/llm-gateway/services/audit"
	"github.com/upb/llm-gateway/services/budget"
	"github.com/upb/llm-gateway/services/gateway"
	"github.com/upb/llm-gateway/services/policy"
	"github.com/upb/llm-gateway/services/providers"
	"github.com/upb/llm-gateway/services/providers/gemini"
	"github.com/upb/llm-gateway/services/providers/openai"
	"github.com/upb/llm-gateway/services/ratelimit"
)

// Dependencies holds the fully wired gateway and the components the
// host process may want to reach directly
type Dependencies struct {
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *observability.Metrics

	Gateway  *gateway.Gateway
	Policy   *policy.PolicyService
	Limiter  *ratelimit.RateLimitService
	Budget   *budget.BudgetService
	Audit    *audit.AuditService
	Registry *providers.Registry

	MemoryAuditSink *audit.MemorySink

	db          *postgres.DB
	redisClient *redis.Client

	workerCtx    context.Context
	workerCancel context.CancelFunc
	workerWG     sync.WaitGroup
	started      bool
	mu           sync.Mutex
}

// NewDependencies builds every component from a validated config.
// Construction is phased: observability, then the enforcement services,
// then providers, then the gateway facade. Any failure is a startup error.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (*Dependencies, error) {
	if cfg == nil {
		return nil, services.WrapConfiguration("config is required", nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	d := &Dependencies{
		Config:  cfg,
		Logger:  logger,
		Metrics: observability.NewMetrics(reg),
	}

	if err := d.initEnforcement(cfg); err != nil {
		return nil, err
	}
	if err := d.initAudit(ctx, cfg); err != nil {
		return nil, err
	}
	if err := d.initProviders(cfg); err != nil {
		return nil, err
	}
	if err := d.initGateway(cfg); err != nil {
		return nil, err
	}

	logger.Info("dependencies initialized",
		zap.Strings("providers", d.Registry.ListProviders()),
		zap.Strings("audit_sinks", cfg.Audit.Sinks),
		zap.String("rate_limit_algorithm", cfg.RateLimits.Algorithm))

	return d, nil
}

// initEnforcement builds the policy, rate limit and budget services
func (d *Dependencies) initEnforcement(cfg *config.Config) error {
	pol, err := policy.NewPolicyService(cfg.Rules, cfg.Guardrails, d.Logger.Named("policy"))
	if err != nil {
		return fmt.Errorf("failed to build policy service: %w", err)
	}
	d.Policy = pol

	limiterCfg := ratelimit.Config{Algorithm: cfg.RateLimits.Algorithm}
	if cfg.RateLimits.PerIdentity != nil {
		limiterCfg.PerIdentity = &ratelimit.Limit{
			Requests: cfg.RateLimits.PerIdentity.Limit,
			Window:   cfg.RateLimits.PerIdentity.Window,
		}
	}
	if cfg.RateLimits.Global != nil {
		limiterCfg.Global = &ratelimit.Limit{
			Requests: cfg.RateLimits.Global.Limit,
			Window:   cfg.RateLimits.Global.Window,
		}
	}
	if cfg.RateLimits.Algorithm == ratelimit.AlgorithmRedisGCRA {
		d.redisClient = redis.NewClient(&redis.Options{
			Addr: cfg.RateLimits.Redis.Addr,
			DB:   cfg.RateLimits.Redis.DB,
		})
		limiterCfg.Options = ratelimit.StrategyOptions{
			Redis:     d.redisClient,
			KeyPrefix: cfg.RateLimits.Redis.KeyPrefix,
		}
	}

	limiter, err := ratelimit.NewRateLimitService(limiterCfg, d.Logger.Named("ratelimit"))
	if err != nil {
		return fmt.Errorf("failed to build rate limit service: %w", err)
	}
	d.Limiter = limiter

	bud, err := budget.NewBudgetService(budget.Config{
		PerIdentityCeiling: cfg.Budgets.PerIdentityCeiling,
		GlobalCeiling:      cfg.Budgets.GlobalCeiling,
		ResetPeriod:        budget.ResetPeriod(cfg.Budgets.ResetPeriod),
		ResetEvery:         cfg.Budgets.ResetEvery,
	}, d.Logger.Named("budget"))
	if err != nil {
		return fmt.Errorf("failed to build budget service: %w", err)
	}
	d.Budget = bud

	return nil
}

// initAudit builds the configured sinks and the audit worker pool
func (d *Dependencies) initAudit(ctx context.Context, cfg *config.Config) error {
	var sinks []audit.Sink

	for _, name := range cfg.Audit.Sinks {
		switch name {
		case audit.SinkMemory:
			d.MemoryAuditSink = audit.NewMemorySink(cfg.Audit.MemoryCapacity)
			sinks = append(sinks, d.MemoryAuditSink)

		case audit.SinkJSONL:
			sink, err := audit.NewJSONLSink(cfg.Audit.JSONLPath)
			if err != nil {
				return fmt.Errorf("failed to open jsonl audit sink: %w", err)
			}
			sinks = append(sinks, sink)

		case audit.SinkPostgres:
			db, err := postgres.NewDB(postgres.DefaultPoolConfig(cfg.Audit.PostgresDSN), d.Logger.Named("postgres"))
			if err != nil {
				return fmt.Errorf("failed to connect audit database: %w", err)
			}
			if err := db.InitSchema(ctx); err != nil {
				db.Close()
				return fmt.Errorf("failed to initialize audit schema: %w", err)
			}
			d.db = db
			repo := postgres.NewAuditRepository(db, d.Logger.Named("audit_repo"))
			sinks = append(sinks, audit.NewPostgresSink(repo))

		default:
			return audit.ValidateSinkName(name)
		}
	}

	svc, err := audit.NewAuditService(sinks, d.Logger.Named("audit"), audit.Config{
		BufferSize:  cfg.Audit.BufferSize,
		WorkerCount: cfg.Audit.Workers,
	})
	if err != nil {
		return fmt.Errorf("failed to build audit service: %w", err)
	}
	d.Audit = svc

	return nil
}

// initProviders resolves credentials and builds the provider registry
func (d *Dependencies) initProviders(cfg *config.Config) error {
	breakers := make(map[string]config.CircuitBreakerConfig)

	// wrap applies the optional circuit breaker at construction time
	wrap := func(name string, p providers.Provider) providers.Provider {
		bc, ok := breakers[name]
		if !ok {
			return p
		}
		settings := providers.DefaultBreakerSettings()
		if bc.FailureThreshold > 0 {
			settings.FailureThreshold = bc.FailureThreshold
		}
		if bc.OpenTimeout > 0 {
			settings.OpenTimeout = bc.OpenTimeout
		}
		return providers.NewBreakerProvider(p, settings, d.Logger.Named("breaker"))
	}

	builder := providers.NewRegistryBuilder().
		WithProviderBuilder("openai", func(c providers.Config) (providers.Provider, error) {
			return wrap("openai", openai.NewOpenAIAdapter(c)), nil
		}).
		WithProviderBuilder("gemini", func(c providers.Config) (providers.Provider, error) {
			return wrap("gemini", gemini.NewGeminiAdapter(c)), nil
		})

	configs := make(map[string]providers.Config, len(cfg.Providers))

	for _, pc := range cfg.Providers {
		apiKey := os.Getenv(pc.CredentialRef)
		if apiKey == "" {
			return services.WrapConfiguration(
				fmt.Sprintf("credential %s for provider %s is not set", pc.CredentialRef, pc.Name), nil)
		}

		timeout := pc.Timeout
		if timeout == 0 {
			timeout = providers.DefaultConfig().Timeout
		}

		configs[pc.Name] = providers.Config{
			APIKey:  apiKey,
			BaseURL: pc.BaseURL,
			Timeout: timeout,
			Pricing: pc.Pricing,
		}
		if pc.CircuitBreaker.Enabled {
			breakers[pc.Name] = pc.CircuitBreaker
		}

		for _, prefix := range pc.ModelPrefixes {
			builder.WithModelPrefix(prefix, pc.Name)
		}
	}

	registry, err := builder.Build(configs)
	if err != nil {
		return fmt.Errorf("failed to build provider registry: %w", err)
	}

	d.Registry = registry
	return nil
}

// initGateway assembles the facade from the built components
func (d *Dependencies) initGateway(cfg *config.Config) error {
	gw, err := gateway.NewGateway(gateway.Options{
		Policy:   d.Policy,
		Limiter:  d.Limiter,
		Budget:   d.Budget,
		Tokens:   budget.NewTokenCounter(d.Logger.Named("tokens")),
		Registry: d.Registry,
		Audit:    d.Audit,
		Metrics:  d.Metrics,
		Retry: gateway.RetryConfig{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseBackoff: cfg.Retry.BaseBackoff,
			MaxBackoff:  cfg.Retry.MaxBackoff,
		},
		Features: gateway.Features{
			AutoRemediation: cfg.Features.AutoRemediation,
			BackgroundLoops: cfg.Features.BackgroundLoops,
			PatternAnalysis: cfg.Features.PatternAnalysis,
		},
		BlockOnRateLimit: cfg.RateLimits.BlockOnLimit,
		DefaultTimeout:   cfg.DefaultTimeout,
		Logger:           d.Logger.Named("gateway"),
	})
	if err != nil {
		return err
	}

	d.Gateway = gw
	return nil
}

// Start launches the audit workers and the background sweepers
func (d *Dependencies) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return fmt.Errorf("dependencies already started")
	}

	if err := d.Audit.Start(); err != nil {
		return err
	}

	d.workerCtx, d.workerCancel = context.WithCancel(context.Background())

	d.workerWG.Add(1)
	go func() {
		defer d.workerWG.Done()
		d.Budget.StartResetWorker(d.workerCtx, time.Minute, 24*time.Hour)
	}()

	d.workerWG.Add(1)
	go func() {
		defer d.workerWG.Done()
		d.Limiter.StartCleanupWorker(d.workerCtx, 5*time.Minute, time.Hour)
	}()

	d.started = true
	d.Logger.Info("gateway services started")
	return nil
}

// ApplyConfig applies a reloaded configuration. Only policy rules and
// guardrails take effect at runtime; other sections require a restart.
func (d *Dependencies) ApplyConfig(cfg *config.Config) error {
	if err := d.Policy.Update(cfg.Rules, cfg.Guardrails); err != nil {
		return err
	}
	d.Logger.Info("policy rules applied from reloaded configuration",
		zap.Int("rules", len(cfg.Rules)))
	return nil
}

// Close stops the workers, drains the audit buffer and releases the
// storage handles
func (d *Dependencies) Close(timeout time.Duration) error {
	d.mu.Lock()
	started := d.started
	d.started = false
	d.mu.Unlock()

	var firstErr error

	if started {
		d.workerCancel()
		d.workerWG.Wait()

		if err := d.Audit.Stop(timeout); err != nil {
			firstErr = err
		}
	}

	if d.db != nil {
		if err := d.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if d.redisClient != nil {
		if err := d.redisClient.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	d.Logger.Info("gateway services stopped")
	return firstErr
}
