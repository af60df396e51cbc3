package workflows

import (
	"context"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/fetch"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/filing"
)

// FetchActivities run single crawl and download attempts; retrying is left
// to the workflow's activity retry policy.
type FetchActivities struct {
	pipeline *fetch.LocalPipeline
}

// NewFetchActivities wraps pipeline, which should be built with a zero
// retry bound so attempts are not retried twice.
func NewFetchActivities(pipeline *fetch.LocalPipeline) *FetchActivities {
	return &FetchActivities{pipeline: pipeline}
}

func (a *FetchActivities) CrawlFiling(ctx context.Context, input CrawlInput) (filing.Reference, error) {
	ref, err := a.pipeline.Crawl(ctx, input.Fingerprint, func(fetch.Progress) {})
	if err != nil {
		return filing.Reference{}, activityError(err)
	}
	activity.GetLogger(ctx).Info("filing located", "fingerprint", input.Fingerprint.Key(), "url", ref.URL)
	return ref, nil
}

func (a *FetchActivities) DownloadFiling(ctx context.Context, input DownloadInput) (filing.CachedFiling, error) {
	data, err := a.pipeline.Download(ctx, input.Reference, func(fetch.Progress) {})
	if err != nil {
		return filing.CachedFiling{}, activityError(err)
	}
	record, err := a.pipeline.WriteArtifact(ctx, input.Fingerprint, input.Reference, data)
	if err != nil {
		return filing.CachedFiling{}, activityError(err)
	}
	return record, nil
}

// activityError carries the filing error kind as the application error type
// so callers of the workflow can classify the failure.
func activityError(err error) error {
	kind := string(filing.KindOf(err))
	if fetch.Retryable(err) {
		return temporal.NewApplicationErrorWithCause(err.Error(), kind, err)
	}
	return temporal.NewNonRetryableApplicationError(err.Error(), kind, err)
}
