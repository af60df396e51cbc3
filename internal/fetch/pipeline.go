package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/crawler"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/download"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/filing"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/metrics"
)

// RetryPolicy bounds transient-failure retries per stage. MaxRetries counts
// retries after the first attempt.
type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, InitialInterval: 500 * time.Millisecond, MaxInterval: 8 * time.Second}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		exp.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		exp.MaxInterval = p.MaxInterval
	}
	exp.MaxElapsedTime = 0
	exp.Reset()
	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(retries)), ctx)
}

// RetryHook observes every retry delay taken by the pipeline.
type RetryHook func(stage string, attempt int, delay time.Duration, err error)

type LocalPipeline struct {
	crawlers   crawler.Registry
	downloader download.Downloader
	auth       download.AuthSource
	writer     *download.ArtifactWriter
	policy     RetryPolicy
	newTimer   func() backoff.Timer
	onRetry    RetryHook
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	now        func() time.Time
}

type PipelineOption func(*LocalPipeline)

func WithRetryPolicy(policy RetryPolicy) PipelineOption {
	return func(p *LocalPipeline) {
		p.policy = policy
	}
}

func WithRetryHook(hook RetryHook) PipelineOption {
	return func(p *LocalPipeline) {
		p.onRetry = hook
	}
}

// WithTimer replaces the wall-clock timer used between retries.
func WithTimer(newTimer func() backoff.Timer) PipelineOption {
	return func(p *LocalPipeline) {
		p.newTimer = newTimer
	}
}

func WithPipelineMetrics(m *metrics.Metrics) PipelineOption {
	return func(p *LocalPipeline) {
		p.metrics = m
	}
}

func WithPipelineLogger(logger zerolog.Logger) PipelineOption {
	return func(p *LocalPipeline) {
		p.logger = logger
	}
}

func NewLocalPipeline(crawlers crawler.Registry, downloader download.Downloader, auth download.AuthSource, writer *download.ArtifactWriter, opts ...PipelineOption) *LocalPipeline {
	p := &LocalPipeline{
		crawlers:   crawlers,
		downloader: downloader,
		auth:       auth,
		writer:     writer,
		policy:     DefaultRetryPolicy(),
		logger:     zerolog.Nop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *LocalPipeline) Fetch(ctx context.Context, fp filing.Fingerprint, report func(Progress)) (filing.CachedFiling, error) {
	if report == nil {
		report = func(Progress) {}
	}
	ref, err := p.Crawl(ctx, fp, report)
	if err != nil {
		return filing.CachedFiling{}, err
	}
	data, err := p.Download(ctx, ref, report)
	if err != nil {
		return filing.CachedFiling{}, err
	}
	return p.WriteArtifact(ctx, fp, ref, data)
}

// WriteArtifact stores downloaded bytes and returns the record to cache.
func (p *LocalPipeline) WriteArtifact(ctx context.Context, fp filing.Fingerprint, ref filing.Reference, data []byte) (filing.CachedFiling, error) {
	record, err := p.writer.Write(ctx, fp, ref, data)
	if err != nil {
		return filing.CachedFiling{}, filing.Wrap(filing.KindDownloadFailure, "write artifact", err)
	}
	record.RetrievedAt = p.now().UTC()
	return record, nil
}

// Crawl finds the document reference for fp. Unreachable sources are
// retried; an empty match is final.
func (p *LocalPipeline) Crawl(ctx context.Context, fp filing.Fingerprint, report func(Progress)) (filing.Reference, error) {
	c, err := p.crawlers.For(fp.Exchange)
	if err != nil {
		return filing.Reference{}, filing.Wrap(filing.KindCrawlFailure, "select crawler", err)
	}
	report(Progress{Step: StepQuery, Message: fmt.Sprintf("querying %s announcements for %s %d %s", fp.Exchange, fp.StockCode, fp.FiscalYear, fp.Period)})

	var ref filing.Reference
	err = p.retry(ctx, "crawl", func() error {
		refs, err := c.List(ctx, fp)
		if err != nil {
			if crawler.IsRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		// The listing may not show the filing yet; no match is retried
		// within the same bound.
		ref, err = crawler.Select(refs, fp)
		return err
	})
	if err != nil {
		return filing.Reference{}, stageError(filing.KindCrawlFailure, "crawl "+fp.Key(), err)
	}
	return ref, nil
}

// Download fetches the document bytes. Auth rejections invalidate the auth
// context before the next attempt.
func (p *LocalPipeline) Download(ctx context.Context, ref filing.Reference, report func(Progress)) ([]byte, error) {
	report(Progress{Step: StepDownload, Message: "downloading " + ref.Title})

	var data []byte
	err := p.retry(ctx, "download", func() error {
		auth, err := p.auth.Auth(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		data, err = p.downloader.Download(ctx, ref, auth)
		if err != nil {
			var authErr *download.AuthError
			if errors.As(err, &authErr) {
				p.auth.Invalidate()
			}
			if download.IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	})
	if err != nil {
		return nil, stageError(filing.KindDownloadFailure, "download "+ref.URL, err)
	}
	return data, nil
}

func (p *LocalPipeline) retry(ctx context.Context, stage string, op backoff.Operation) error {
	attempt := 0
	notify := func(err error, delay time.Duration) {
		attempt++
		p.metrics.FetchRetry(stage)
		p.logger.Warn().Err(err).Str("stage", stage).Int("attempt", attempt).Dur("delay", delay).Msg("retrying")
		if p.onRetry != nil {
			p.onRetry(stage, attempt, delay, err)
		}
	}
	var timer backoff.Timer
	if p.newTimer != nil {
		timer = p.newTimer()
	}
	return backoff.RetryNotifyWithTimer(op, p.policy.backOff(ctx), notify, timer)
}

// Retryable reports whether a crawl or download failure may succeed on
// another attempt.
func Retryable(err error) bool {
	if filing.IsKind(err, filing.KindCanceled) {
		return false
	}
	return crawler.IsRetryable(err) || errors.Is(err, crawler.ErrNoMatch) || download.IsTransient(err)
}

func stageError(kind filing.Kind, op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return filing.Wrap(filing.KindCanceled, op, err)
	}
	return filing.Wrap(kind, op, err)
}
