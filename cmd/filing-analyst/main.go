package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.temporal.io/sdk/client"

	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/agent"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/api"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/bootstrap"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/config"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/events"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/fetch"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/llm"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/logging"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/metrics"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/session"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/store"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/workflows"
)

type server interface {
	Start(ctx context.Context, addr string) error
}

var (
	loadConfig        = config.Load
	openCache         = bootstrap.OpenCache
	newArtifactWriter = bootstrap.ArtifactWriter
	newLocalPipeline  = bootstrap.LocalPipeline
	dialTemporal      = client.Dial
	newRunner         = newAgentLoop
	newServer         = func(sessions api.SessionService, filings api.FilingService, cache store.FilingCache, mt *metrics.Metrics, cfg config.Config, logger zerolog.Logger) server {
		return api.NewServer(sessions, filings, cache, mt, cfg, api.WithLogger(logger))
	}
	notifyContext = signal.NotifyContext
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("filing analyst stopped")
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := logging.New(logging.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	logging.SetGlobal(logger)

	policy, err := session.ParseFaultPolicy(cfg.CacheFaultPolicy)
	if err != nil {
		return err
	}

	ctx, cancel := notifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	mt := metrics.New(prometheus.NewRegistry())

	cache, release, err := openCache(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := release(); err != nil {
			logger.Warn().Err(err).Msg("close cache")
		}
	}()

	writer, err := newArtifactWriter(ctx, cfg, logging.Component(logger, "artifacts"))
	if err != nil {
		return fmt.Errorf("artifact storage: %w", err)
	}

	var pipeline fetch.Pipeline
	switch cfg.FetchExecutor {
	case "temporal":
		temporalClient, err := dialTemporal(client.Options{HostPort: cfg.TemporalAddress})
		if err != nil {
			return err
		}
		if temporalClient != nil {
			defer temporalClient.Close()
		}
		pipeline = workflows.NewPipeline(temporalClient, cfg.TemporalTaskQueue,
			workflows.WithRetryPolicy(bootstrap.RetryPolicy(cfg)),
			workflows.WithLogger(logging.Component(logger, "fetch-workflow")),
		)
	default:
		local, err := newLocalPipeline(cfg, writer, bootstrap.RetryPolicy(cfg), mt, logging.Component(logger, "fetch"))
		if err != nil {
			return err
		}
		pipeline = local
	}

	coordinator := fetch.NewCoordinator(cache, pipeline,
		fetch.WithArtifactChecker(writer),
		fetch.WithMetrics(mt),
		fetch.WithLogger(logging.Component(logger, "coordinator")),
		fetch.WithBaseContext(ctx),
	)

	runner, err := newRunner(ctx, cfg, mt, logger)
	if err != nil {
		return err
	}
	adapter := agent.NewAdapter(runner,
		agent.WithAdapterMetrics(mt),
		agent.WithAdapterLogger(logging.Component(logger, "agent")),
	)

	manager := session.NewManager(coordinator, adapter,
		session.WithFaultPolicy(policy),
		session.WithBroker(events.NewBroker()),
		session.WithMetrics(mt),
		session.WithLogger(logging.Component(logger, "session")),
	)

	srv := newServer(manager, coordinator, cache, mt, cfg, logging.Component(logger, "api"))

	addr := fmt.Sprintf(":%s", cfg.Port)
	logger.Info().
		Str("addr", addr).
		Str("cache", cfg.CacheBackend).
		Str("fetch_executor", cfg.FetchExecutor).
		Str("llm_provider", cfg.LLMProvider).
		Msg("filing analyst listening")
	if err := srv.Start(ctx, addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// newAgentLoop builds the agent loop on the configured model provider.
func newAgentLoop(ctx context.Context, cfg config.Config, mt *metrics.Metrics, logger zerolog.Logger) (agent.Runner, error) {
	provider, err := llm.NewProvider(ctx, bootstrap.LLMConfig(cfg))
	if err != nil {
		return nil, err
	}
	return agent.NewLoop(provider,
		agent.WithMaxTurns(cfg.AgentMaxTurns),
		agent.WithLoopMetrics(mt),
		agent.WithLoopLogger(logging.Component(logger, "agent-loop")),
	), nil
}
