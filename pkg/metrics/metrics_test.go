package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	level, _ := log.ToLevel("debug")
	return New("matcher", log.NewTestLogger(level))
}

func TestCountersIncrement(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordOrderAccepted()
	m.RecordOrderAccepted()
	m.RecordTrade()
	m.RecordMessageIn("tcp")
	m.RecordMessageIn("udp")
	m.RecordMessageIn("tcp")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ordersAccepted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tradesExecuted))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.messagesIn.WithLabelValues("tcp")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.messagesIn.WithLabelValues("udp")))
}

func TestGauges(t *testing.T) {
	m := newTestMetrics(t)
	m.SetQueueDepth("input_0", 42)
	m.SetClientsConnected("tcp", 3)
	m.SetRestingOrders("0", 17)

	assert.Equal(t, 42.0, testutil.ToFloat64(m.queueDepth.WithLabelValues("input_0")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.clientsConnected.WithLabelValues("tcp")))
	assert.Equal(t, 17.0, testutil.ToFloat64(m.restingOrders.WithLabelValues("0")))
}

func TestScrapeEndpoint(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordFlush()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "matcher_flushes_total 1")
}
