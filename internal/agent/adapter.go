package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/events"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/filing"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/metrics"
)

type AnalysisInput struct {
	SessionID    string
	Fingerprint  filing.Fingerprint
	ArtifactPath string
}

// Analyzer turns an artifact into a finite event sequence.
type Analyzer interface {
	Analyze(ctx context.Context, in AnalysisInput) <-chan events.Event
}

// Runner is the tool-calling loop behind an Adapter.
type Runner interface {
	Run(ctx context.Context, artifactPath string, cb Callbacks) (Result, error)
}

// Adapter normalizes a Runner's callbacks into session events.
type Adapter struct {
	runner  Runner
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

type AdapterOption func(*Adapter)

func WithAdapterMetrics(m *metrics.Metrics) AdapterOption {
	return func(a *Adapter) {
		a.metrics = m
	}
}

func WithAdapterLogger(logger zerolog.Logger) AdapterOption {
	return func(a *Adapter) {
		a.logger = logger
	}
}

func NewAdapter(runner Runner, opts ...AdapterOption) *Adapter {
	a := &Adapter{runner: runner, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze returns a single-use event channel. The run advances only as
// fast as the caller receives, ends with exactly one Complete or Error
// event, and then the channel is closed. Abandoning the channel requires
// canceling ctx.
func (a *Adapter) Analyze(ctx context.Context, in AnalysisInput) <-chan events.Event {
	out := make(chan events.Event)
	go a.run(ctx, in, out)
	return out
}

func (a *Adapter) run(ctx context.Context, in AnalysisInput, out chan<- events.Event) {
	defer close(out)
	logger := a.logger.With().Str("session_id", in.SessionID).Str("artifact", in.ArtifactPath).Logger()
	start := time.Now()

	emit := func(event events.Event) bool {
		select {
		case out <- event:
			return true
		case <-ctx.Done():
			return false
		}
	}

	result, err := a.execute(ctx, in.ArtifactPath, Callbacks{
		OnToken: func(text string) {
			if text != "" {
				emit(events.Message(text))
			}
		},
		OnToolStart: func(name, args string) {
			emit(events.ToolCallStart(name, args))
		},
		OnToolOutput: func(name, output string) {
			emit(events.ToolCallChunk(name, output))
		},
	})
	a.metrics.AnalysisDone(time.Since(start))

	if err != nil {
		logger.Warn().Err(err).Msg("analysis failed")
		emit(events.Error(filing.KindAnalysisFailure, err.Error()))
		return
	}
	logger.Info().Int("tool_calls", result.ToolCalls).Int("turns", result.Turns).Msg("analysis complete")
	emit(events.Complete(completeMessage, map[string]any{
		"tool_calls": result.ToolCalls,
		"turns":      result.Turns,
	}))
}

func (a *Adapter) execute(ctx context.Context, artifactPath string, cb Callbacks) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("analysis panicked: %v", r)
		}
	}()
	if a.runner == nil {
		return Result{}, fmt.Errorf("no analysis runner configured")
	}
	return a.runner.Run(ctx, artifactPath, cb)
}
