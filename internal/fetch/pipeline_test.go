package fetch

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"

	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/crawler"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/download"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/filing"
)

var pdfBytes = []byte("%PDF-1.7\n%%EOF")

// instantTimer fires immediately so retry delays cost nothing.
type instantTimer struct {
	c chan time.Time
}

func newInstantTimer() backoff.Timer {
	return &instantTimer{c: make(chan time.Time, 1)}
}

func (t *instantTimer) Start(time.Duration) { t.c <- time.Now() }
func (t *instantTimer) Stop()               {}
func (t *instantTimer) C() <-chan time.Time { return t.c }

type scriptedCrawler struct {
	mu    sync.Mutex
	calls int
	errs  []error
	refs  []filing.Reference
}

func (c *scriptedCrawler) List(ctx context.Context, fp filing.Fingerprint) ([]filing.Reference, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		return nil, err
	}
	return c.refs, nil
}

type scriptedDownloader struct {
	mu    sync.Mutex
	calls int
	errs  []error
	// always fails with err once the script is exhausted, when set.
	always error
	auths []download.AuthContext
}

func (d *scriptedDownloader) Download(ctx context.Context, ref filing.Reference, auth download.AuthContext) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.auths = append(d.auths, auth)
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		return nil, err
	}
	if d.always != nil {
		return nil, d.always
	}
	return pdfBytes, nil
}

type countingAuth struct {
	mu          sync.Mutex
	generation  int
	invalidated int
}

func (a *countingAuth) Auth(context.Context) (download.AuthContext, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return download.AuthContext{Token: "tok-" + string(rune('a'+a.generation))}, nil
}

func (a *countingAuth) Invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.invalidated++
	a.generation++
}

type retryLog struct {
	mu     sync.Mutex
	stages []string
	delays []time.Duration
}

func (l *retryLog) hook(stage string, attempt int, delay time.Duration, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stages = append(l.stages, stage)
	l.delays = append(l.delays, delay)
}

func q3Reference() filing.Reference {
	return filing.Reference{
		Exchange:    filing.ExchangeSH,
		StockCode:   "601127",
		Title:       "赛力斯2024年第三季度报告",
		URL:         "https://static.example/disclosure/601127_q3.pdf",
		PublishedAt: time.Date(2024, 10, 30, 0, 0, 0, 0, time.UTC),
	}
}

type pipelineFixture struct {
	crawler    *scriptedCrawler
	downloader *scriptedDownloader
	auth       *countingAuth
	retries    *retryLog
	pipeline   *LocalPipeline
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	f := &pipelineFixture{
		crawler:    &scriptedCrawler{refs: []filing.Reference{q3Reference()}},
		downloader: &scriptedDownloader{},
		auth:       &countingAuth{},
		retries:    &retryLog{},
	}
	f.pipeline = NewLocalPipeline(
		crawler.Registry{filing.ExchangeSH: f.crawler},
		f.downloader,
		f.auth,
		download.NewArtifactWriter(t.TempDir(), nil),
		WithRetryPolicy(RetryPolicy{MaxRetries: 3, InitialInterval: 10 * time.Millisecond, MaxInterval: 40 * time.Millisecond}),
		WithTimer(newInstantTimer),
		WithRetryHook(f.retries.hook),
	)
	f.pipeline.now = func() time.Time { return time.Date(2024, 11, 2, 9, 0, 0, 0, time.UTC) }
	return f
}

func TestPipelineFetchWritesArtifact(t *testing.T) {
	f := newPipelineFixture(t)

	var steps []Step
	record, err := f.pipeline.Fetch(context.Background(), testFingerprint, func(p Progress) { steps = append(steps, p.Step) })
	require.NoError(t, err)
	require.Equal(t, []Step{StepQuery, StepDownload}, steps)
	require.Equal(t, testFingerprint, record.Fingerprint)
	require.Equal(t, time.Date(2024, 11, 2, 9, 0, 0, 0, time.UTC), record.RetrievedAt)
	require.Equal(t, q3Reference().URL, record.Source.URL)
	require.Equal(t, download.Checksum(pdfBytes), record.Source.Checksum)

	data, err := os.ReadFile(record.ArtifactPath)
	require.NoError(t, err)
	require.Equal(t, pdfBytes, data)
}

func TestPipelineRetriesTransientDownload(t *testing.T) {
	f := newPipelineFixture(t)
	transient := &download.NetworkError{StatusCode: 503}
	f.downloader.errs = []error{transient, transient}

	_, err := f.pipeline.Fetch(context.Background(), testFingerprint, nil)
	require.NoError(t, err)
	require.Equal(t, 3, f.downloader.calls)
	require.Equal(t, []string{"download", "download"}, f.retries.stages)
	for _, delay := range f.retries.delays {
		require.Greater(t, delay, time.Duration(0))
		require.LessOrEqual(t, delay, 60*time.Millisecond)
	}
}

func TestPipelineGivesUpAfterRetryBound(t *testing.T) {
	f := newPipelineFixture(t)
	f.downloader.always = &download.NetworkError{Err: errors.New("connection reset")}

	_, err := f.pipeline.Fetch(context.Background(), testFingerprint, nil)
	require.True(t, filing.IsKind(err, filing.KindDownloadFailure), "got %v", err)
	require.Equal(t, 4, f.downloader.calls)
	require.Len(t, f.retries.delays, 3)
}

func TestPipelineAuthRejectionInvalidates(t *testing.T) {
	f := newPipelineFixture(t)
	f.downloader.errs = []error{&download.AuthError{StatusCode: 401}}

	_, err := f.pipeline.Fetch(context.Background(), testFingerprint, nil)
	require.NoError(t, err)
	require.Equal(t, 1, f.auth.invalidated)
	require.Len(t, f.downloader.auths, 2)
	require.NotEqual(t, f.downloader.auths[0].Token, f.downloader.auths[1].Token)
}

func TestPipelinePermanentDownloadErrorNotRetried(t *testing.T) {
	f := newPipelineFixture(t)
	f.downloader.always = download.ErrNotPDF

	_, err := f.pipeline.Fetch(context.Background(), testFingerprint, nil)
	require.True(t, filing.IsKind(err, filing.KindDownloadFailure))
	require.ErrorIs(t, err, download.ErrNotPDF)
	require.Equal(t, 1, f.downloader.calls)
	require.Empty(t, f.retries.delays)
}

func TestPipelineNoMatchIsCrawlFailure(t *testing.T) {
	f := newPipelineFixture(t)
	ref := q3Reference()
	ref.Title = "赛力斯2024年半年度报告"
	f.crawler.refs = []filing.Reference{ref}

	_, err := f.pipeline.Fetch(context.Background(), testFingerprint, nil)
	require.True(t, filing.IsKind(err, filing.KindCrawlFailure))
	require.ErrorIs(t, err, crawler.ErrNoMatch)
	require.Equal(t, 4, f.crawler.calls)
	require.Equal(t, []string{"crawl", "crawl", "crawl"}, f.retries.stages)
	require.Zero(t, f.downloader.calls)
}

func TestPipelineNoMatchRecoversWhenListingCatchesUp(t *testing.T) {
	f := newPipelineFixture(t)
	// Two empty listings before the report is published.
	f.crawler.errs = []error{nil, nil}

	record, err := f.pipeline.Fetch(context.Background(), testFingerprint, nil)
	require.NoError(t, err)
	require.Equal(t, q3Reference().URL, record.Source.URL)
	require.Equal(t, 3, f.crawler.calls)
	require.Equal(t, 1, f.downloader.calls)
}

func TestPipelineRetriesUnreachableListing(t *testing.T) {
	f := newPipelineFixture(t)
	f.crawler.errs = []error{&crawler.SourceError{Exchange: filing.ExchangeSH, StatusCode: 502, Retryable: true}}

	_, err := f.pipeline.Fetch(context.Background(), testFingerprint, nil)
	require.NoError(t, err)
	require.Equal(t, 2, f.crawler.calls)
	require.Equal(t, []string{"crawl"}, f.retries.stages)
}

func TestPipelineUnsupportedExchange(t *testing.T) {
	f := newPipelineFixture(t)
	fp := testFingerprint
	fp.Exchange = filing.ExchangeBJ

	_, err := f.pipeline.Fetch(context.Background(), fp, nil)
	require.True(t, filing.IsKind(err, filing.KindCrawlFailure))
	require.ErrorIs(t, err, crawler.ErrUnsupportedExchange)
}

func TestPipelineCanceledDuringRetries(t *testing.T) {
	f := newPipelineFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	f.downloader.always = &download.NetworkError{StatusCode: 503}
	f.pipeline.onRetry = func(string, int, time.Duration, error) { cancel() }

	_, err := f.pipeline.Fetch(ctx, testFingerprint, nil)
	require.True(t, filing.IsKind(err, filing.KindCanceled), "got %v", err)
}

func TestRetryableClassification(t *testing.T) {
	require.True(t, Retryable(filing.Wrap(filing.KindDownloadFailure, "download", &download.NetworkError{StatusCode: 503})))
	require.True(t, Retryable(&download.AuthError{StatusCode: 403}))
	require.True(t, Retryable(&crawler.SourceError{Exchange: filing.ExchangeSZ, Retryable: true}))
	require.True(t, Retryable(filing.Wrap(filing.KindCrawlFailure, "crawl", crawler.ErrNoMatch)))
	require.False(t, Retryable(download.ErrNotPDF))
	require.False(t, Retryable(filing.Wrap(filing.KindCanceled, "download", context.Canceled)))
}
