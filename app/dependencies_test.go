package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/llm-gateway/config"
	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/services/policy"
	"github.com/upb/llm-gateway/services/ratelimit"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("OPENAI_API_KEY", "test-key")
	t.Setenv("GEMINI_API_KEY", "test-key")

	return &config.Config{
		RateLimits: config.RateLimitsConfig{
			Algorithm:   ratelimit.AlgorithmSlidingWindow,
			PerIdentity: &config.LimitConfig{Limit: 100, Window: time.Minute},
		},
		Budgets: config.BudgetsConfig{
			PerIdentityCeiling: 10,
			ResetPeriod:        "daily",
		},
		Providers: []config.ProviderConfig{
			{
				Name:          "openai",
				CredentialRef: "OPENAI_API_KEY",
				ModelPrefixes: []string{"gpt-"},
			},
			{
				Name:          "gemini",
				CredentialRef: "GEMINI_API_KEY",
				ModelPrefixes: []string{"gemini-"},
			},
		},
		Audit: config.AuditConfig{
			Sinks:      []string{"memory"},
			BufferSize: 64,
			Workers:    1,
		},
		Log: config.LogConfig{Level: "info"},
	}
}

func TestNewDependencies(t *testing.T) {
	cfg := testConfig(t)

	deps, err := NewDependencies(context.Background(), cfg, zap.NewNop(), prometheus.NewRegistry())
	require.NoError(t, err)

	assert.NotNil(t, deps.Gateway)
	assert.NotNil(t, deps.Policy)
	assert.NotNil(t, deps.Limiter)
	assert.NotNil(t, deps.Budget)
	assert.NotNil(t, deps.Audit)
	assert.NotNil(t, deps.MemoryAuditSink)
	assert.ElementsMatch(t, []string{"openai", "gemini"}, deps.Registry.ListProviders())
}

func TestNewDependencies_MissingCredential(t *testing.T) {
	cfg := testConfig(t)
	cfg.Providers[0].CredentialRef = "DOES_NOT_EXIST_KEY"

	_, err := NewDependencies(context.Background(), cfg, zap.NewNop(), prometheus.NewRegistry())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DOES_NOT_EXIST_KEY")
}

func TestNewDependencies_NilConfig(t *testing.T) {
	_, err := NewDependencies(context.Background(), nil, zap.NewNop(), prometheus.NewRegistry())
	assert.Error(t, err)
}

func TestDependencies_BreakerWrapsProvider(t *testing.T) {
	cfg := testConfig(t)
	cfg.Providers[0].CircuitBreaker = config.CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 2,
		OpenTimeout:      time.Second,
	}

	deps, err := NewDependencies(context.Background(), cfg, zap.NewNop(), prometheus.NewRegistry())
	require.NoError(t, err)

	p, err := deps.Registry.GetProvider("openai")
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())
}

func TestDependencies_JSONLSink(t *testing.T) {
	cfg := testConfig(t)
	cfg.Audit.Sinks = []string{"memory", "jsonl"}
	cfg.Audit.JSONLPath = filepath.Join(t.TempDir(), "audit.jsonl")

	deps, err := NewDependencies(context.Background(), cfg, zap.NewNop(), prometheus.NewRegistry())
	require.NoError(t, err)
	require.NoError(t, deps.Start())
	defer deps.Close(2 * time.Second)

	require.NoError(t, deps.Audit.Append(models.NewAuditRecord("req-1", "team-a", "gpt-4o")))
}

func TestDependencies_Lifecycle(t *testing.T) {
	deps, err := NewDependencies(context.Background(), testConfig(t), zap.NewNop(), prometheus.NewRegistry())
	require.NoError(t, err)

	require.NoError(t, deps.Start())
	assert.Error(t, deps.Start(), "double start must fail")

	require.NoError(t, deps.Audit.Append(models.NewAuditRecord("req-1", "team-a", "gpt-4o")))
	require.NoError(t, deps.Close(2*time.Second))

	// Close drained the buffer into the memory sink
	assert.Equal(t, 1, deps.MemoryAuditSink.Len())
}

func TestDependencies_ApplyConfig(t *testing.T) {
	deps, err := NewDependencies(context.Background(), testConfig(t), zap.NewNop(), prometheus.NewRegistry())
	require.NoError(t, err)

	next := testConfig(t)
	next.Rules = []policy.Rule{{
		Match:  policy.Match{Models: []string{"gpt-4o"}},
		Action: policy.ActionDeny,
		Reason: "model is blocked",
	}}
	require.NoError(t, deps.ApplyConfig(next))

	decision := deps.Policy.Evaluate(models.RequestSpec{
		Identity: "team-a",
		Prompt:   "hello",
		Model:    "gpt-4o",
		Params:   models.Params{MaxTokens: 10},
	})
	assert.False(t, decision.Allowed)
	assert.Equal(t, "model is blocked", decision.Reason)

	bad := testConfig(t)
	bad.Rules = []policy.Rule{{
		Match:  policy.Match{PromptMatches: "(["},
		Action: policy.ActionDeny,
		Reason: "broken",
	}}
	assert.Error(t, deps.ApplyConfig(bad), "invalid rules must be rejected, keeping the old ruleset")
}
