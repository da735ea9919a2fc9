package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/services"
	"github.com/upb/llm-gateway/services/audit"
	"github.com/upb/llm-gateway/services/policy"
	"github.com/upb/llm-gateway/services/ratelimit"
)

// EnvPrefix namespaces environment overrides (LLMGW_LOG_LEVEL etc.)
const EnvPrefix = "LLMGW"

// Config is the validated configuration the gateway is built from
type Config struct {
	RateLimits RateLimitsConfig  `mapstructure:"rate_limits"`
	Budgets    BudgetsConfig     `mapstructure:"budgets"`
	Rules      []policy.Rule     `mapstructure:"policy_rules"`
	Guardrails policy.Guardrails `mapstructure:"policy_guardrails"`
	Providers  []ProviderConfig  `mapstructure:"providers" validate:"min=1,dive"`
	Retry      RetryConfig       `mapstructure:"retry"`
	Audit      AuditConfig       `mapstructure:"audit"`
	Features   FeaturesConfig    `mapstructure:"features"`
	Log        LogConfig         `mapstructure:"log"`

	// DefaultTimeout bounds requests without a caller deadline
	DefaultTimeout time.Duration `mapstructure:"default_timeout" validate:"gte=0"`
}

// LimitConfig describes one rate limit scope
type LimitConfig struct {
	Limit  int           `mapstructure:"limit" validate:"gt=0"`
	Window time.Duration `mapstructure:"window" validate:"gt=0"`
}

// RedisConfig points at the shared backend for distributed limiting
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	DB        int    `mapstructure:"db" validate:"gte=0"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// RateLimitsConfig selects the algorithm and its scoped limits
type RateLimitsConfig struct {
	Algorithm   string       `mapstructure:"algorithm"`
	PerIdentity *LimitConfig `mapstructure:"per_identity"`
	Global      *LimitConfig `mapstructure:"global"`
	Redis       RedisConfig  `mapstructure:"redis"`

	// BlockOnLimit makes the gateway wait for a slot instead of denying
	BlockOnLimit bool `mapstructure:"block_on_limit"`
}

// BudgetsConfig holds the spend ceilings and reset cadence
type BudgetsConfig struct {
	PerIdentityCeiling float64       `mapstructure:"per_identity_ceiling" validate:"gte=0"`
	GlobalCeiling      float64       `mapstructure:"global_ceiling" validate:"gte=0"`
	ResetPeriod        string        `mapstructure:"reset_period"`
	ResetEvery         time.Duration `mapstructure:"reset_every"`
}

// CircuitBreakerConfig gates the optional breaker around a provider
type CircuitBreakerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
}

// ProviderConfig describes one provider back-end
type ProviderConfig struct {
	Name string `mapstructure:"name" validate:"required"`

	// CredentialRef is the name of the environment variable holding the
	// API key; the file never carries the secret itself
	CredentialRef string `mapstructure:"credential_ref" validate:"required"`

	BaseURL        string               `mapstructure:"base_url"`
	Timeout        time.Duration        `mapstructure:"timeout" validate:"gte=0"`
	Pricing        models.PricingTable  `mapstructure:"pricing_table"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`

	// ModelPrefixes route models to this provider by prefix
	ModelPrefixes []string `mapstructure:"model_prefixes"`
}

// RetryConfig bounds provider dispatch retries
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" validate:"gte=0"`
	BaseBackoff time.Duration `mapstructure:"base_backoff" validate:"gte=0"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff" validate:"gte=0"`
}

// AuditConfig selects the sinks and the worker pool size
type AuditConfig struct {
	Sinks       []string `mapstructure:"sinks"`
	BufferSize  int      `mapstructure:"buffer_size" validate:"gte=0"`
	Workers     int      `mapstructure:"workers" validate:"gte=0"`
	JSONLPath   string   `mapstructure:"jsonl_path"`
	PostgresDSN string   `mapstructure:"postgres_dsn"`

	// MemoryCapacity bounds the in-memory sink ring
	MemoryCapacity int `mapstructure:"memory_capacity" validate:"gte=0"`
}

// FeaturesConfig carries the optional behavior flags, all default off
type FeaturesConfig struct {
	AutoRemediation bool `mapstructure:"auto_remediation"`
	BackgroundLoops bool `mapstructure:"background_loops"`
	PatternAnalysis bool `mapstructure:"pattern_analysis"`
}

// LogConfig configures the shared zap logger
type LogConfig struct {
	Level       string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	Development bool   `mapstructure:"development"`
}

// Load reads the YAML file at path, applies LLMGW_ environment
// overrides and validates the result. An optional .env file is loaded
// first so credential_ref variables resolve in development.
func Load(path string) (*Config, error) {
	// Missing .env is fine; it only exists in development
	_ = godotenv.Load()

	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, services.WrapConfiguration("failed to read config file", err)
	}

	cfg, err := unmarshalAndValidate(v)
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// Watch re-reads the file on change and delivers validated snapshots to
// onChange. Invalid edits are logged and skipped; the previous snapshot
// stays in effect.
func Watch(path string, logger *zap.Logger, onChange func(*Config)) (*Config, error) {
	_ = godotenv.Load()

	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, services.WrapConfiguration("failed to read config file", err)
	}

	cfg, err := unmarshalAndValidate(v)
	if err != nil {
		return nil, err
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		next, err := unmarshalAndValidate(v)
		if err != nil {
			logger.Error("config reload rejected, keeping previous configuration",
				zap.String("file", e.Name),
				zap.Error(err))
			return
		}
		logger.Info("configuration reloaded", zap.String("file", e.Name))
		onChange(next)
	})

	return cfg, nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func unmarshalAndValidate(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, services.WrapConfiguration("failed to parse config", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if len(cfg.Audit.Sinks) == 0 {
		cfg.Audit.Sinks = []string{audit.SinkMemory}
	}
	if cfg.RateLimits.Algorithm == "" {
		cfg.RateLimits.Algorithm = ratelimit.AlgorithmSlidingWindow
	}
	if cfg.Budgets.ResetPeriod == "" {
		cfg.Budgets.ResetPeriod = string(budgetPeriodDaily)
	}
}

const budgetPeriodDaily = "daily"

var knownAlgorithms = map[string]struct{}{
	ratelimit.AlgorithmSlidingWindow: {},
	ratelimit.AlgorithmFixedWindow:   {},
	ratelimit.AlgorithmTokenBucket:   {},
	ratelimit.AlgorithmRedisGCRA:     {},
}

var knownProviders = map[string]struct{}{
	"openai": {},
	"gemini": {},
}

var knownActions = map[policy.Action]struct{}{
	policy.ActionDeny:  {},
	policy.ActionAllow: {},
	policy.ActionWarn:  {},
}

var knownResetPeriods = map[string]struct{}{
	"daily":    {},
	"monthly":  {},
	"interval": {},
}

// validate runs the struct tags plus the cross-field checks the tags
// cannot express. Any violation fails startup.
func validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return services.WrapConfiguration("invalid configuration", err)
	}

	if _, ok := knownAlgorithms[cfg.RateLimits.Algorithm]; !ok {
		return fmt.Errorf("%w: %q", services.ErrUnknownAlgorithm, cfg.RateLimits.Algorithm)
	}
	if cfg.RateLimits.Algorithm == ratelimit.AlgorithmRedisGCRA && cfg.RateLimits.Redis.Addr == "" {
		return services.WrapConfiguration("redis_gcra requires rate_limits.redis.addr", nil)
	}

	if _, ok := knownResetPeriods[cfg.Budgets.ResetPeriod]; !ok {
		return services.WrapConfiguration(
			fmt.Sprintf("unknown budget reset period %q", cfg.Budgets.ResetPeriod), nil)
	}
	if cfg.Budgets.ResetPeriod == "interval" && cfg.Budgets.ResetEvery <= 0 {
		return services.WrapConfiguration("interval reset requires a positive budgets.reset_every", nil)
	}

	for i, rule := range cfg.Rules {
		if _, ok := knownActions[rule.Action]; !ok {
			return fmt.Errorf("%w: rule %d has unknown action %q", services.ErrInvalidRule, i, rule.Action)
		}
		if rule.Match.PromptMatches != "" {
			if _, err := regexp.Compile(rule.Match.PromptMatches); err != nil {
				return fmt.Errorf("%w: rule %d prompt_matches: %v", services.ErrInvalidRule, i, err)
			}
		}
	}

	for _, p := range cfg.Providers {
		if _, ok := knownProviders[p.Name]; !ok {
			return fmt.Errorf("%w: %q", services.ErrUnknownProvider, p.Name)
		}
	}

	for _, name := range cfg.Audit.Sinks {
		if err := audit.ValidateSinkName(name); err != nil {
			return err
		}
	}
	if contains(cfg.Audit.Sinks, audit.SinkJSONL) && cfg.Audit.JSONLPath == "" {
		return services.WrapConfiguration("jsonl sink requires audit.jsonl_path", nil)
	}
	if contains(cfg.Audit.Sinks, audit.SinkPostgres) && cfg.Audit.PostgresDSN == "" {
		return services.WrapConfiguration("postgres sink requires audit.postgres_dsn", nil)
	}

	if cfg.Retry.MaxBackoff > 0 && cfg.Retry.BaseBackoff > cfg.Retry.MaxBackoff {
		return services.WrapConfiguration("retry.base_backoff cannot exceed retry.max_backoff", nil)
	}

	return nil
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
