package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/bootstrap"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/config"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/logging"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/metrics"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/workflows"
)

var (
	loadConfig        = config.Load
	dialTemporal      = client.Dial
	newArtifactWriter = bootstrap.ArtifactWriter
	newLocalPipeline  = bootstrap.LocalPipeline
	newWorker         = worker.New
	workerInterrupt   = worker.InterruptCh
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("fetch worker stopped")
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := logging.New(logging.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	logging.SetGlobal(logger)

	temporalClient, err := dialTemporal(client.Options{
		HostPort: cfg.TemporalAddress,
	})
	if err != nil {
		return err
	}
	if temporalClient != nil {
		defer temporalClient.Close()
	}

	writer, err := newArtifactWriter(context.Background(), cfg, logging.Component(logger, "artifacts"))
	if err != nil {
		return fmt.Errorf("artifact storage: %w", err)
	}

	// Temporal retries activities; each attempt runs the pipeline once.
	policy := bootstrap.RetryPolicy(cfg)
	policy.MaxRetries = 0
	pipeline, err := newLocalPipeline(cfg, writer, policy, metrics.New(prometheus.NewRegistry()), logging.Component(logger, "fetch"))
	if err != nil {
		return err
	}

	w := newWorker(temporalClient, cfg.TemporalTaskQueue, worker.Options{})
	w.RegisterWorkflow(workflows.FetchFilingWorkflow)
	w.RegisterActivity(workflows.NewFetchActivities(pipeline))

	logger.Info().Str("task_queue", cfg.TemporalTaskQueue).Msg("fetch worker started")
	return w.Run(workerInterrupt())
}
