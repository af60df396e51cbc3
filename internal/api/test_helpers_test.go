package api

import (
	"context"
	"fmt"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/mock"

	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/agent"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/config"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/events"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/fetch"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/filing"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/metrics"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/session"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/store"
)

var q3Request = filing.Request{ExchangeCode: "SH", StockCode: "601127", FiscalYear: 2024, PeriodType: filing.PeriodQ3}

func cachedQ3() filing.CachedFiling {
	return filing.CachedFiling{
		Fingerprint:  q3Request.Fingerprint(),
		ArtifactPath: "data/pdf/SH_601127_2024_3.pdf",
		RetrievedAt:  time.Date(2024, 10, 30, 8, 0, 0, 0, time.UTC),
		Source:       filing.Source{Title: "赛力斯2024年第三季度报告", URL: "https://static.sse.com.cn/q3.pdf", Size: 1024},
	}
}

type MockCache struct {
	mock.Mock
}

func (m *MockCache) Lookup(ctx context.Context, fp filing.Fingerprint) (filing.CachedFiling, error) {
	args := m.Called(ctx, fp)
	return args.Get(0).(filing.CachedFiling), args.Error(1)
}

func (m *MockCache) Store(ctx context.Context, record filing.CachedFiling) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockCache) List(ctx context.Context) ([]filing.CachedFiling, error) {
	args := m.Called(ctx)
	var result []filing.CachedFiling
	if value := args.Get(0); value != nil {
		result = value.([]filing.CachedFiling)
	}
	return result, args.Error(1)
}

func (m *MockCache) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type MockFilings struct {
	mock.Mock
}

func (m *MockFilings) Lookup(ctx context.Context, fp filing.Fingerprint) (filing.CachedFiling, error) {
	args := m.Called(ctx, fp)
	return args.Get(0).(filing.CachedFiling), args.Error(1)
}

func (m *MockFilings) Resolve(ctx context.Context, fp filing.Fingerprint, observe func(fetch.Progress)) (filing.CachedFiling, fetch.Source, error) {
	args := m.Called(ctx, fp, observe)
	return args.Get(0).(filing.CachedFiling), args.Get(1).(fetch.Source), args.Error(2)
}

func (m *MockFilings) Refresh(ctx context.Context, fp filing.Fingerprint) (filing.CachedFiling, error) {
	args := m.Called(ctx, fp)
	return args.Get(0).(filing.CachedFiling), args.Error(1)
}

func (m *MockFilings) InFlight() []fetch.TaskInfo {
	args := m.Called()
	var result []fetch.TaskInfo
	if value := args.Get(0); value != nil {
		result = value.([]fetch.TaskInfo)
	}
	return result
}

type MockSessions struct {
	mock.Mock
}

func (m *MockSessions) Start(ctx context.Context, req filing.Request) (*session.Session, <-chan events.Event) {
	args := m.Called(ctx, req)
	return args.Get(0).(*session.Session), args.Get(1).(<-chan events.Event)
}

func (m *MockSessions) List() []session.Info {
	args := m.Called()
	var result []session.Info
	if value := args.Get(0); value != nil {
		result = value.([]session.Info)
	}
	return result
}

func (m *MockSessions) Observe(ctx context.Context, id string) (<-chan events.Event, error) {
	args := m.Called(ctx, id)
	var result <-chan events.Event
	if value := args.Get(0); value != nil {
		result = value.(<-chan events.Event)
	}
	return result, args.Error(1)
}

// cachedResolver serves every fingerprint from a fixed record, or fetches
// it with two progress steps when record is empty.
type cachedResolver struct {
	record  filing.CachedFiling
	fetches atomic.Int32
}

func (r *cachedResolver) Lookup(_ context.Context, fp filing.Fingerprint) (filing.CachedFiling, error) {
	if r.record.ArtifactPath == "" {
		return filing.CachedFiling{}, store.ErrNotFound
	}
	return r.record, nil
}

func (r *cachedResolver) Fetch(_ context.Context, fp filing.Fingerprint, observe func(fetch.Progress)) (filing.CachedFiling, error) {
	r.fetches.Add(1)
	observe(fetch.Progress{Step: fetch.StepQuery, Message: "正在查询公告"})
	observe(fetch.Progress{Step: fetch.StepDownload, Message: "正在下载"})
	return filing.CachedFiling{Fingerprint: fp, ArtifactPath: "data/pdf/" + fp.Key() + ".pdf"}, nil
}

// echoAnalyzer streams one message naming the artifact, then completes.
// A non-nil hold blocks the analysis until it is closed.
type echoAnalyzer struct {
	hold chan struct{}
}

func (a *echoAnalyzer) Analyze(ctx context.Context, in agent.AnalysisInput) <-chan events.Event {
	out := make(chan events.Event)
	go func() {
		defer close(out)
		if a.hold != nil {
			select {
			case <-a.hold:
			case <-ctx.Done():
				return
			}
		}
		for _, e := range []events.Event{
			events.Message("分析 " + in.ArtifactPath),
			events.Complete("分析完成", map[string]any{"tool_calls": 2}),
		} {
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func newManager(resolver session.Resolver, analyzer agent.Analyzer) *session.Manager {
	var ids atomic.Int32
	return session.NewManager(resolver, analyzer,
		session.WithBroker(events.NewBroker()),
		session.WithIDGenerator(func() string { return fmt.Sprintf("session-%d", ids.Add(1)) }),
	)
}

func newTestServer(t *testing.T, sessions SessionService, filings FilingService, cache store.FilingCache, cfg config.Config, opts ...Option) *httptest.Server {
	t.Helper()
	server := NewServer(sessions, filings, cache, metrics.New(prometheus.NewRegistry()), cfg, opts...)
	return httptest.NewServer(server.Router())
}
