package workflows

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"

	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/fetch"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/filing"
)

const defaultTaskQueue = "filing-fetch"

// Pipeline runs fetches as FetchFilingWorkflow executions. The workflow id
// is the fingerprint key, so concurrent fetches of one filing from several
// processes share a single execution.
type Pipeline struct {
	client       client.Client
	taskQueue    string
	policy       fetch.RetryPolicy
	pollInterval time.Duration
	logger       zerolog.Logger
}

type PipelineOption func(*Pipeline)

func WithRetryPolicy(policy fetch.RetryPolicy) PipelineOption {
	return func(p *Pipeline) {
		p.policy = policy
	}
}

func WithPollInterval(interval time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if interval > 0 {
			p.pollInterval = interval
		}
	}
}

func WithLogger(logger zerolog.Logger) PipelineOption {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

func NewPipeline(c client.Client, taskQueue string, opts ...PipelineOption) *Pipeline {
	if taskQueue == "" {
		taskQueue = defaultTaskQueue
	}
	p := &Pipeline{
		client:       c,
		taskQueue:    taskQueue,
		policy:       fetch.DefaultRetryPolicy(),
		pollInterval: 500 * time.Millisecond,
		logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pipeline) Fetch(ctx context.Context, fp filing.Fingerprint, report func(fetch.Progress)) (filing.CachedFiling, error) {
	if report == nil {
		report = func(fetch.Progress) {}
	}
	run, err := p.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        WorkflowID(fp),
		TaskQueue: p.taskQueue,
	}, FetchFilingWorkflow, FetchInput{Fingerprint: fp, Retry: p.policy})
	if err != nil {
		return filing.CachedFiling{}, filing.Wrap(filing.KindCrawlFailure, "start fetch workflow", err)
	}

	type outcome struct {
		record filing.CachedFiling
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		var record filing.CachedFiling
		err := run.Get(ctx, &record)
		done <- outcome{record: record, err: err}
	}()

	reported := 0
	poll := func() {
		steps, err := p.progress(ctx, fp)
		if err != nil {
			p.logger.Debug().Err(err).Str("fingerprint", fp.Key()).Msg("progress query failed")
			return
		}
		for ; reported < len(steps); reported++ {
			report(steps[reported])
		}
	}

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			poll()
		case out := <-done:
			poll()
			if out.err != nil {
				return filing.CachedFiling{}, workflowError(fp, out.err)
			}
			return out.record, nil
		case <-ctx.Done():
			return filing.CachedFiling{}, filing.Wrap(filing.KindCanceled, "fetch "+fp.Key(), ctx.Err())
		}
	}
}

func (p *Pipeline) progress(ctx context.Context, fp filing.Fingerprint) ([]fetch.Progress, error) {
	value, err := p.client.QueryWorkflow(ctx, WorkflowID(fp), "", ProgressQueryName)
	if err != nil {
		return nil, err
	}
	var steps []fetch.Progress
	if err := value.Get(&steps); err != nil {
		return nil, err
	}
	return steps, nil
}

// workflowError restores the filing error kind carried by the failed
// activity.
func workflowError(fp filing.Fingerprint, err error) error {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) && appErr.Type() != "" {
		return filing.Wrap(filing.Kind(appErr.Type()), "fetch "+fp.Key(), errors.New(appErr.Error()))
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return filing.Wrap(filing.KindCanceled, "fetch "+fp.Key(), err)
	}
	return filing.Wrap(filing.KindDownloadFailure, "fetch "+fp.Key(), err)
}

func WorkflowID(fp filing.Fingerprint) string {
	return fmt.Sprintf("filing:%s", fp.Key())
}
