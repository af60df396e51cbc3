package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/filing"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/metrics"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/store"
)

// Pipeline materializes a filing that is not cached: crawl, download and
// write the artifact. report is called at each sub-step.
type Pipeline interface {
	Fetch(ctx context.Context, fp filing.Fingerprint, report func(Progress)) (filing.CachedFiling, error)
}

// ArtifactChecker verifies a cached record still points at a usable file.
type ArtifactChecker interface {
	Ensure(ctx context.Context, record filing.CachedFiling) error
}

type Source string

const (
	SourceCache Source = "cache"
	SourceFetch Source = "fetch"
)

type Coordinator struct {
	cache     store.FilingCache
	pipeline  Pipeline
	artifacts ArtifactChecker
	registry  *registry
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

type Option func(*Coordinator)

func WithArtifactChecker(checker ArtifactChecker) Option {
	return func(c *Coordinator) {
		c.artifacts = checker
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithBaseContext bounds every fetch task; canceling it aborts in-flight
// fetches on shutdown.
func WithBaseContext(ctx context.Context) Option {
	return func(c *Coordinator) {
		c.registry.base = ctx
	}
}

func NewCoordinator(cache store.FilingCache, pipeline Pipeline, opts ...Option) *Coordinator {
	c := &Coordinator{
		cache:    cache,
		pipeline: pipeline,
		registry: newRegistry(context.Background()),
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup consults the cache. A record whose artifact is gone and cannot be
// restored counts as a miss.
func (c *Coordinator) Lookup(ctx context.Context, fp filing.Fingerprint) (filing.CachedFiling, error) {
	record, err := c.cache.Lookup(ctx, fp)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.metrics.CacheLookup("miss")
		return filing.CachedFiling{}, err
	case err != nil:
		c.metrics.CacheLookup("error")
		if filing.KindOf(err) == "" {
			err = store.Unavailable("lookup", err)
		}
		return filing.CachedFiling{}, err
	}
	if c.artifacts != nil {
		if err := c.artifacts.Ensure(ctx, record); err != nil {
			c.logger.Warn().Err(err).Str("fingerprint", fp.Key()).Msg("cached artifact unusable, treating as miss")
			c.metrics.CacheLookup("stale")
			return filing.CachedFiling{}, store.ErrNotFound
		}
	}
	c.metrics.CacheLookup("hit")
	return record, nil
}

// cached is Lookup without metrics or classification, for the check a new
// task makes before crawling.
func (c *Coordinator) cached(ctx context.Context, fp filing.Fingerprint) (filing.CachedFiling, bool) {
	record, err := c.cache.Lookup(ctx, fp)
	if err != nil {
		return filing.CachedFiling{}, false
	}
	if c.artifacts != nil && c.artifacts.Ensure(ctx, record) != nil {
		return filing.CachedFiling{}, false
	}
	return record, true
}

// Resolve returns the cached filing for fp or fetches it. A cache fault is
// logged and falls through to a fetch.
func (c *Coordinator) Resolve(ctx context.Context, fp filing.Fingerprint, observe func(Progress)) (filing.CachedFiling, Source, error) {
	record, err := c.Lookup(ctx, fp)
	if err == nil {
		return record, SourceCache, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		c.logger.Warn().Err(err).Str("fingerprint", fp.Key()).Msg("cache unavailable, fetching")
	}
	record, err = c.Fetch(ctx, fp, observe)
	if err != nil {
		return filing.CachedFiling{}, SourceFetch, err
	}
	return record, SourceFetch, nil
}

// Refresh re-fetches fp regardless of the cache and replaces the record.
func (c *Coordinator) Refresh(ctx context.Context, fp filing.Fingerprint) (filing.CachedFiling, error) {
	return c.fetch(ctx, fp, nil, true)
}

// Fetch creates or joins the fetch task for fp and waits for its outcome.
// A new task checks the cache once more before crawling, so a caller whose
// lookup raced a just-finished fetch gets that fetch's record.
// Leaving early (ctx done) detaches this caller only; the task keeps running
// while other callers wait on it.
func (c *Coordinator) Fetch(ctx context.Context, fp filing.Fingerprint, observe func(Progress)) (filing.CachedFiling, error) {
	return c.fetch(ctx, fp, observe, false)
}

func (c *Coordinator) fetch(ctx context.Context, fp filing.Fingerprint, observe func(Progress), force bool) (filing.CachedFiling, error) {
	t, created := c.registry.acquire(fp, force)
	defer c.registry.release(t)
	if created {
		go c.run(t)
	} else {
		c.metrics.FetchJoined()
		c.logger.Debug().Str("fingerprint", fp.Key()).Msg("joined in-flight fetch")
	}

	watch := t.subscribe()
	defer t.unsubscribe(watch)
	deliver := func(p Progress) {
		if observe != nil {
			observe(p)
		}
	}
	for {
		select {
		case p := <-watch:
			deliver(p)
		case <-t.done:
			for {
				select {
				case p := <-watch:
					deliver(p)
				default:
					return t.result()
				}
			}
		case <-ctx.Done():
			return filing.CachedFiling{}, filing.Wrap(filing.KindCanceled, "fetch "+fp.Key(), ctx.Err())
		}
	}
}

func (c *Coordinator) InFlight() []TaskInfo {
	return c.registry.snapshot()
}

func (c *Coordinator) run(t *task) {
	start := time.Now()
	logger := c.logger.With().Str("fingerprint", t.fp.Key()).Logger()

	if !t.force {
		if record, ok := c.cached(t.ctx, t.fp); ok {
			c.metrics.FetchDone("cached", time.Since(start))
			logger.Debug().Msg("filing cached while fetch was queued")
			t.finish(record, nil)
			return
		}
	}
	logger.Info().Msg("fetch started")

	record, err := c.execute(t)
	if err == nil {
		if storeErr := c.cache.Store(context.WithoutCancel(t.ctx), record); storeErr != nil {
			logger.Warn().Err(storeErr).Msg("fetched filing could not be cached")
		}
	}

	elapsed := time.Since(start)
	if err != nil {
		if t.ctx.Err() != nil && filing.KindOf(err) == filing.KindCanceled {
			c.metrics.FetchDone("abandoned", elapsed)
			logger.Info().Msg("fetch abandoned, no sessions waiting")
		} else {
			c.metrics.FetchDone("failed", elapsed)
			logger.Warn().Err(err).Dur("elapsed", elapsed).Msg("fetch failed")
		}
	} else {
		c.metrics.FetchDone("succeeded", elapsed)
		logger.Info().Str("artifact", record.ArtifactPath).Dur("elapsed", elapsed).Msg("fetch succeeded")
	}
	t.finish(record, err)
}

func (c *Coordinator) execute(t *task) (record filing.CachedFiling, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = filing.Wrap(filing.KindDownloadFailure, "fetch", fmt.Errorf("panic: %v", r))
		}
	}()
	record, err = c.pipeline.Fetch(t.ctx, t.fp, t.publish)
	if err != nil && filing.KindOf(err) == "" {
		err = filing.Wrap(filing.KindDownloadFailure, "fetch", err)
	}
	return record, err
}
