package workflows

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
	"go.temporal.io/sdk/temporal"
	tests "go.temporal.io/sdk/testsuite"

	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/crawler"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/download"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/fetch"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/filing"
)

var testFingerprint = filing.Fingerprint{Exchange: filing.ExchangeSH, StockCode: "601127", FiscalYear: 2024, Period: filing.PeriodQ3}

func q3Reference() filing.Reference {
	return filing.Reference{
		Exchange:    filing.ExchangeSH,
		StockCode:   "601127",
		Title:       "赛力斯2024年第三季度报告",
		URL:         "https://static.example/disclosure/601127_q3.pdf",
		PublishedAt: time.Date(2024, 10, 30, 0, 0, 0, 0, time.UTC),
	}
}

type stubCrawler struct {
	mu    sync.Mutex
	calls int
	refs  []filing.Reference
}

func (c *stubCrawler) List(context.Context, filing.Fingerprint) ([]filing.Reference, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.refs, nil
}

type flakyDownloader struct {
	mu       sync.Mutex
	calls    int
	failures int
}

func (d *flakyDownloader) Download(context.Context, filing.Reference, download.AuthContext) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.calls <= d.failures {
		return nil, &download.NetworkError{StatusCode: 503}
	}
	return []byte("%PDF-1.7\n%%EOF"), nil
}

type noAuth struct{}

func (noAuth) Auth(context.Context) (download.AuthContext, error) { return download.AuthContext{}, nil }
func (noAuth) Invalidate()                                         {}

type FetchWorkflowTestSuite struct {
	suite.Suite
	testSuite  *tests.WorkflowTestSuite
	env        *tests.TestWorkflowEnvironment
	crawler    *stubCrawler
	downloader *flakyDownloader
}

func (s *FetchWorkflowTestSuite) SetupTest() {
	s.testSuite = &tests.WorkflowTestSuite{}
	s.env = s.testSuite.NewTestWorkflowEnvironment()
	s.crawler = &stubCrawler{refs: []filing.Reference{q3Reference()}}
	s.downloader = &flakyDownloader{}

	pipeline := fetch.NewLocalPipeline(
		crawler.Registry{filing.ExchangeSH: s.crawler},
		s.downloader,
		noAuth{},
		download.NewArtifactWriter(s.T().TempDir(), nil),
		fetch.WithRetryPolicy(fetch.RetryPolicy{MaxRetries: 0}),
	)
	s.env.RegisterWorkflow(FetchFilingWorkflow)
	s.env.RegisterActivity(NewFetchActivities(pipeline))
}

func (s *FetchWorkflowTestSuite) input(retries int) FetchInput {
	return FetchInput{
		Fingerprint: testFingerprint,
		Retry:       fetch.RetryPolicy{MaxRetries: retries, InitialInterval: time.Second, MaxInterval: 4 * time.Second},
	}
}

func (s *FetchWorkflowTestSuite) progressSteps() []fetch.Step {
	value, err := s.env.QueryWorkflow(ProgressQueryName)
	s.Require().NoError(err)
	var progress []fetch.Progress
	s.Require().NoError(value.Get(&progress))
	steps := make([]fetch.Step, 0, len(progress))
	for _, p := range progress {
		steps = append(steps, p.Step)
	}
	return steps
}

func (s *FetchWorkflowTestSuite) TestFetchFilingWorkflow_Success() {
	s.env.ExecuteWorkflow(FetchFilingWorkflow, s.input(3))
	s.True(s.env.IsWorkflowCompleted())
	s.NoError(s.env.GetWorkflowError())

	var record filing.CachedFiling
	s.NoError(s.env.GetWorkflowResult(&record))
	s.Equal(testFingerprint, record.Fingerprint)
	s.Equal(q3Reference().URL, record.Source.URL)
	s.NotEmpty(record.ArtifactPath)
	s.Equal([]fetch.Step{fetch.StepQuery, fetch.StepDownload}, s.progressSteps())
}

func (s *FetchWorkflowTestSuite) TestFetchFilingWorkflow_RetriesTransientDownloads() {
	s.downloader.failures = 2

	s.env.ExecuteWorkflow(FetchFilingWorkflow, s.input(3))
	s.True(s.env.IsWorkflowCompleted())
	s.NoError(s.env.GetWorkflowError())
	s.Equal(3, s.downloader.calls)
	s.Equal(1, s.crawler.calls)
}

func (s *FetchWorkflowTestSuite) TestFetchFilingWorkflow_ExhaustsRetries() {
	s.downloader.failures = 10

	s.env.ExecuteWorkflow(FetchFilingWorkflow, s.input(3))
	s.True(s.env.IsWorkflowCompleted())

	err := s.env.GetWorkflowError()
	var appErr *temporal.ApplicationError
	s.Require().True(errors.As(err, &appErr))
	s.Equal(string(filing.KindDownloadFailure), appErr.Type())
	s.Equal(4, s.downloader.calls)
}

func (s *FetchWorkflowTestSuite) TestFetchFilingWorkflow_NoMatchExhaustsCrawlRetries() {
	s.crawler.refs = nil

	s.env.ExecuteWorkflow(FetchFilingWorkflow, s.input(3))
	s.True(s.env.IsWorkflowCompleted())

	err := s.env.GetWorkflowError()
	var appErr *temporal.ApplicationError
	s.Require().True(errors.As(err, &appErr))
	s.Equal(string(filing.KindCrawlFailure), appErr.Type())
	s.False(appErr.NonRetryable())
	s.Equal(4, s.crawler.calls)
	s.Zero(s.downloader.calls)
	s.Equal([]fetch.Step{fetch.StepQuery}, s.progressSteps())
}

func (s *FetchWorkflowTestSuite) TestFetchFilingWorkflow_MockedActivities() {
	env := s.testSuite.NewTestWorkflowEnvironment()
	env.RegisterWorkflow(FetchFilingWorkflow)
	env.RegisterActivity(&FetchActivities{})
	record := filing.CachedFiling{Fingerprint: testFingerprint, ArtifactPath: "/data/pdf/SH/601127_2024_3.pdf"}
	env.OnActivity(crawlActivityName, mock.Anything, CrawlInput{Fingerprint: testFingerprint}).Return(q3Reference(), nil).Once()
	env.OnActivity(downloadActivityName, mock.Anything, DownloadInput{Fingerprint: testFingerprint, Reference: q3Reference()}).Return(record, nil).Once()

	env.ExecuteWorkflow(FetchFilingWorkflow, s.input(3))
	s.True(env.IsWorkflowCompleted())
	var got filing.CachedFiling
	s.NoError(env.GetWorkflowResult(&got))
	s.Equal(record.ArtifactPath, got.ArtifactPath)
	env.AssertExpectations(s.T())
}

func TestFetchWorkflowTestSuite(t *testing.T) {
	suite.Run(t, new(FetchWorkflowTestSuite))
}

func TestActivityRetryPolicy(t *testing.T) {
	policy := activityRetryPolicy(fetch.RetryPolicy{MaxRetries: 3, InitialInterval: 500 * time.Millisecond, MaxInterval: 8 * time.Second})
	if policy.MaximumAttempts != 4 {
		t.Fatalf("expected 4 attempts, got %d", policy.MaximumAttempts)
	}
	if policy.BackoffCoefficient != 2 {
		t.Fatalf("expected exponential backoff, got %v", policy.BackoffCoefficient)
	}

	policy = activityRetryPolicy(fetch.RetryPolicy{MaxRetries: -1})
	if policy.MaximumAttempts != 1 || policy.InitialInterval <= 0 || policy.MaximumInterval < policy.InitialInterval {
		t.Fatalf("unexpected policy %+v", policy)
	}
}
