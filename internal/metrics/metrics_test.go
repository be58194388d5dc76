package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveAgent(t *testing.T) {
	m := NewRegistry()

	m.ObserveAgent("whale_agent", "success", 2*time.Second)
	m.ObserveAgent("whale_agent", "success", time.Second)
	m.ObserveAgent("market_agent", "partial", time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.AgentRuns.WithLabelValues("whale_agent", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AgentRuns.WithLabelValues("market_agent", "partial")))
}

func TestObserveCycleAndRequest(t *testing.T) {
	m := NewRegistry()

	m.ObserveCycle("success", 30*time.Second)
	m.ObserveRequest("/signal", "GET", "200", 5*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CyclesTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("/signal", "GET", "200")))
}

func TestHandlerServesScrape(t *testing.T) {
	m := NewRegistry()
	m.ObserveCycle("success", time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "signals_cycles_total")
}

func TestIndependentRegistries(t *testing.T) {
	a := NewRegistry()
	b := NewRegistry()
	a.ObserveCycle("success", time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(a.CyclesTotal.WithLabelValues("success")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.CyclesTotal.WithLabelValues("success")))
}
