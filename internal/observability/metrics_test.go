package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveRequest("succeeded", "openai", 150*time.Millisecond)
	m.ObserveRequest("denied", "", 0)
	m.ObserveUsage("openai", "gpt-4o", 120, 48, 0.0021)
	m.RateLimitDenied("identity")
	m.BudgetDenied("global")
	m.ProviderRetried("openai")
	m.AuditDropped()
	m.AuditDropped()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("denied")))
	assert.Equal(t, 120.0, testutil.ToFloat64(m.tokensIn.WithLabelValues("openai", "gpt-4o")))
	assert.Equal(t, 48.0, testutil.ToFloat64(m.tokensOut.WithLabelValues("openai", "gpt-4o")))
	assert.InDelta(t, 0.0021, testutil.ToFloat64(m.costTotal.WithLabelValues("openai", "gpt-4o")), 1e-9)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rateLimitDenials.WithLabelValues("identity")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.budgetDenials.WithLabelValues("global")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.providerRetries.WithLabelValues("openai")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.auditDroppedTotal))
}

func TestMetrics_RegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.ObserveRequest("succeeded", "openai", time.Millisecond)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
