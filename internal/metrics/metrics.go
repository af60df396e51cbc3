package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "filing_analyst"

// Metrics is safe to use as a nil pointer; every recorder becomes a no-op.
type Metrics struct {
	gatherer prometheus.Gatherer

	CacheLookups    *prometheus.CounterVec
	Fetches         *prometheus.CounterVec
	FetchRetries    *prometheus.CounterVec
	FetchJoins      prometheus.Counter
	FetchDuration   prometheus.Histogram
	Sessions        *prometheus.CounterVec
	SessionsActive  prometheus.Gauge
	ToolCalls       *prometheus.CounterVec
	AnalysisLatency prometheus.Histogram
}

func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Filing cache lookups by result.",
		}, []string{"result"}),
		Fetches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "Completed fetch tasks by outcome.",
		}, []string{"outcome"}),
		FetchRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_retries_total",
			Help:      "Retry delays taken by fetch stage.",
		}, []string{"stage"}),
		FetchJoins: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_joins_total",
			Help:      "Sessions that attached to an in-flight fetch.",
		}),
		FetchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Crawl plus download time per fetch task.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		Sessions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Finished analysis sessions by terminal state.",
		}, []string{"state"}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions currently streaming.",
		}),
		ToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Agent tool invocations by tool name.",
		}, []string{"tool"}),
		AnalysisLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analysis_duration_seconds",
			Help:      "Agent analysis time per session.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600},
		}),
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) FetchDone(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Fetches.WithLabelValues(outcome).Inc()
	m.FetchDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) FetchRetry(stage string) {
	if m == nil {
		return
	}
	m.FetchRetries.WithLabelValues(stage).Inc()
}

func (m *Metrics) FetchJoined() {
	if m == nil {
		return
	}
	m.FetchJoins.Inc()
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

func (m *Metrics) SessionFinished(state string) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.Sessions.WithLabelValues(state).Inc()
}

func (m *Metrics) ToolCall(name string) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(name).Inc()
}

func (m *Metrics) AnalysisDone(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.AnalysisLatency.Observe(elapsed.Seconds())
}
