package workflows

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/fetch"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/filing"
)

const (
	ProgressQueryName = "progress"

	crawlActivityName    = "CrawlFiling"
	downloadActivityName = "DownloadFiling"
)

type FetchInput struct {
	Fingerprint filing.Fingerprint
	Retry       fetch.RetryPolicy
}

type CrawlInput struct {
	Fingerprint filing.Fingerprint
}

type DownloadInput struct {
	Fingerprint filing.Fingerprint
	Reference   filing.Reference
}

// FetchFilingWorkflow crawls for the filing and downloads it. Each stage is
// an activity retried by Temporal under the input's retry bound; the steps
// reached so far are served by the progress query.
func FetchFilingWorkflow(ctx workflow.Context, input FetchInput) (filing.CachedFiling, error) {
	var steps []fetch.Progress
	if err := workflow.SetQueryHandler(ctx, ProgressQueryName, func() ([]fetch.Progress, error) {
		return steps, nil
	}); err != nil {
		return filing.CachedFiling{}, err
	}

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy:         activityRetryPolicy(input.Retry),
	})
	logger := workflow.GetLogger(ctx)
	fp := input.Fingerprint

	steps = append(steps, fetch.Progress{
		Step:    fetch.StepQuery,
		Message: fmt.Sprintf("querying %s announcements for %s %d %s", fp.Exchange, fp.StockCode, fp.FiscalYear, fp.Period),
	})
	var ref filing.Reference
	if err := workflow.ExecuteActivity(ctx, crawlActivityName, CrawlInput{Fingerprint: fp}).Get(ctx, &ref); err != nil {
		logger.Warn("crawl failed", "fingerprint", fp.Key(), "error", err)
		return filing.CachedFiling{}, err
	}

	steps = append(steps, fetch.Progress{Step: fetch.StepDownload, Message: "downloading " + ref.Title})
	var record filing.CachedFiling
	if err := workflow.ExecuteActivity(ctx, downloadActivityName, DownloadInput{Fingerprint: fp, Reference: ref}).Get(ctx, &record); err != nil {
		logger.Warn("download failed", "fingerprint", fp.Key(), "error", err)
		return filing.CachedFiling{}, err
	}
	return record, nil
}

func activityRetryPolicy(policy fetch.RetryPolicy) *temporal.RetryPolicy {
	retries := policy.MaxRetries
	if retries < 0 {
		retries = 0
	}
	initial := policy.InitialInterval
	if initial <= 0 {
		initial = fetch.DefaultRetryPolicy().InitialInterval
	}
	maxInterval := policy.MaxInterval
	if maxInterval < initial {
		maxInterval = initial
	}
	return &temporal.RetryPolicy{
		InitialInterval:    initial,
		BackoffCoefficient: 2,
		MaximumInterval:    maxInterval,
		MaximumAttempts:    int32(retries + 1),
	}
}
