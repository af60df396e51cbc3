package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecordersUpdateCollectors(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.CacheLookup("hit")
	m.CacheLookup("miss")
	m.CacheLookup("miss")
	m.FetchRetry("download")
	m.FetchJoined()
	m.FetchDone("succeeded", time.Second)

	require.Equal(t, 2.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues("miss")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.FetchRetries.WithLabelValues("download")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.FetchJoins))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Fetches.WithLabelValues("succeeded")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.CacheLookup("hit")
	m.FetchDone("failed", time.Second)
	m.SessionStarted()
	m.SessionFinished("complete")
	m.ToolCall("load_financial_pdf")
}

func TestHandlerExposesNamespace(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.SessionStarted()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "filing_analyst_sessions_active 1"))
}
