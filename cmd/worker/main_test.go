package main

import (
	"context"
	"errors"
	"reflect"
	"runtime"
	"strings"
	"testing"

	"github.com/nexus-rpc/sdk-go/nexus"
	"github.com/rs/zerolog"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/config"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/download"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/fetch"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/metrics"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/workflows"
)

type stubWorker struct {
	runErr     error
	startErr   error
	workflows  []string
	activities []interface{}
}

func (s *stubWorker) RegisterWorkflow(w interface{}) {
	s.workflows = append(s.workflows, runtime.FuncForPC(reflect.ValueOf(w).Pointer()).Name())
}

func (s *stubWorker) RegisterWorkflowWithOptions(w interface{}, options workflow.RegisterOptions) {}

func (s *stubWorker) RegisterDynamicWorkflow(w interface{}, options workflow.DynamicRegisterOptions) {
}

func (s *stubWorker) RegisterActivity(a interface{}) {
	s.activities = append(s.activities, a)
}

func (s *stubWorker) RegisterActivityWithOptions(a interface{}, options activity.RegisterOptions) {}

func (s *stubWorker) RegisterDynamicActivity(a interface{}, options activity.DynamicRegisterOptions) {
}

func (s *stubWorker) RegisterNexusService(_ *nexus.Service) {}

func (s *stubWorker) Start() error {
	return s.startErr
}

func (s *stubWorker) Run(_ <-chan interface{}) error {
	return s.runErr
}

func (s *stubWorker) Stop() {}

func captureWorkerDeps() func() {
	origLoadConfig := loadConfig
	origDialTemporal := dialTemporal
	origNewArtifactWriter := newArtifactWriter
	origNewLocalPipeline := newLocalPipeline
	origNewWorker := newWorker
	origWorkerInterrupt := workerInterrupt

	return func() {
		loadConfig = origLoadConfig
		dialTemporal = origDialTemporal
		newArtifactWriter = origNewArtifactWriter
		newLocalPipeline = origNewLocalPipeline
		newWorker = origNewWorker
		workerInterrupt = origWorkerInterrupt
	}
}

func workerConfig(t *testing.T) config.Config {
	return config.Config{
		LogLevel:          "error",
		ArtifactDir:       t.TempDir(),
		FetchMaxRetries:   3,
		TemporalAddress:   "localhost:7233",
		TemporalTaskQueue: "filing-fetch",
	}
}

func TestRunSuccess(t *testing.T) {
	restore := captureWorkerDeps()
	t.Cleanup(restore)

	loadConfig = func() (config.Config, error) { return workerConfig(t), nil }
	dialTemporal = func(_ client.Options) (client.Client, error) {
		return nil, nil
	}
	var gotPolicy fetch.RetryPolicy
	origPipeline := newLocalPipeline
	newLocalPipeline = func(cfg config.Config, writer *download.ArtifactWriter, policy fetch.RetryPolicy, mt *metrics.Metrics, logger zerolog.Logger) (*fetch.LocalPipeline, error) {
		gotPolicy = policy
		return origPipeline(cfg, writer, policy, mt, logger)
	}
	stub := &stubWorker{}
	var gotQueue string
	newWorker = func(_ client.Client, taskQueue string, _ worker.Options) worker.Worker {
		gotQueue = taskQueue
		return stub
	}
	workerInterrupt = func() <-chan interface{} {
		return make(chan interface{})
	}

	if err := run(); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if gotQueue != "filing-fetch" {
		t.Fatalf("expected task queue filing-fetch, got %q", gotQueue)
	}
	if gotPolicy.MaxRetries != 0 {
		t.Fatalf("expected activity pipeline without local retries, got %d", gotPolicy.MaxRetries)
	}
	if len(stub.workflows) != 1 || !strings.HasSuffix(stub.workflows[0], "FetchFilingWorkflow") {
		t.Fatalf("expected FetchFilingWorkflow registration, got %v", stub.workflows)
	}
	if len(stub.activities) != 1 {
		t.Fatalf("expected one activity set, got %d", len(stub.activities))
	}
	if _, ok := stub.activities[0].(*workflows.FetchActivities); !ok {
		t.Fatalf("expected *workflows.FetchActivities, got %T", stub.activities[0])
	}
}

func TestRunConfigLoadFailure(t *testing.T) {
	restore := captureWorkerDeps()
	t.Cleanup(restore)

	loadConfig = func() (config.Config, error) {
		return config.Config{}, errors.New("config load failed")
	}

	if err := run(); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestRunTemporalClientFailure(t *testing.T) {
	restore := captureWorkerDeps()
	t.Cleanup(restore)

	loadConfig = func() (config.Config, error) { return workerConfig(t), nil }
	dialTemporal = func(_ client.Options) (client.Client, error) {
		return nil, errors.New("temporal dial failed")
	}

	if err := run(); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestRunArtifactStorageFailure(t *testing.T) {
	restore := captureWorkerDeps()
	t.Cleanup(restore)

	loadConfig = func() (config.Config, error) { return workerConfig(t), nil }
	dialTemporal = func(_ client.Options) (client.Client, error) {
		return nil, nil
	}
	newArtifactWriter = func(context.Context, config.Config, zerolog.Logger) (*download.ArtifactWriter, error) {
		return nil, errors.New("bucket unreachable")
	}

	err := run()
	if err == nil || !strings.Contains(err.Error(), "artifact storage: bucket unreachable") {
		t.Fatalf("expected artifact storage error, got %v", err)
	}
}

func TestRunSecretsKeyFailure(t *testing.T) {
	restore := captureWorkerDeps()
	t.Cleanup(restore)

	cfg := workerConfig(t)
	cfg.SecretsKey = "bad-key"
	loadConfig = func() (config.Config, error) { return cfg, nil }
	dialTemporal = func(_ client.Options) (client.Client, error) {
		return nil, nil
	}
	newWorker = func(_ client.Client, _ string, _ worker.Options) worker.Worker {
		return &stubWorker{}
	}

	if err := run(); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestRunWorkerFailure(t *testing.T) {
	restore := captureWorkerDeps()
	t.Cleanup(restore)

	loadConfig = func() (config.Config, error) { return workerConfig(t), nil }
	dialTemporal = func(_ client.Options) (client.Client, error) {
		return nil, nil
	}
	newWorker = func(_ client.Client, _ string, _ worker.Options) worker.Worker {
		return &stubWorker{runErr: errors.New("worker stopped")}
	}
	workerInterrupt = func() <-chan interface{} {
		return make(chan interface{})
	}

	if err := run(); err == nil {
		t.Fatal("expected error, got nil")
	}
}
