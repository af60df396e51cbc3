package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/agent"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/events"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/fetch"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/filing"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/metrics"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/store"
)

const StepCache = "cache"

var ErrNotFound = errors.New("session not found")

// Resolver is the part of the fetch coordinator a session needs.
type Resolver interface {
	Lookup(ctx context.Context, fp filing.Fingerprint) (filing.CachedFiling, error)
	Fetch(ctx context.Context, fp filing.Fingerprint, observe func(fetch.Progress)) (filing.CachedFiling, error)
}

// FaultPolicy decides what a session does when the cache lookup fails.
type FaultPolicy string

const (
	FaultFetch FaultPolicy = "fetch"
	FaultFail  FaultPolicy = "fail"
)

func ParseFaultPolicy(value string) (FaultPolicy, error) {
	switch FaultPolicy(value) {
	case FaultFetch, "":
		return FaultFetch, nil
	case FaultFail:
		return FaultFail, nil
	}
	return "", fmt.Errorf("unknown cache fault policy %q", value)
}

type Manager struct {
	resolver Resolver
	analyzer agent.Analyzer
	broker   *events.Broker
	policy   FaultPolicy
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time
	newID    func() string

	mu       sync.RWMutex
	sessions map[string]*Session
}

type Option func(*Manager)

func WithFaultPolicy(policy FaultPolicy) Option {
	return func(m *Manager) {
		m.policy = policy
	}
}

// WithBroker publishes every session event to broker for observers.
func WithBroker(broker *events.Broker) Option {
	return func(m *Manager) {
		m.broker = broker
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(m *Manager) {
		m.newID = newID
	}
}

func NewManager(resolver Resolver, analyzer agent.Analyzer, opts ...Option) *Manager {
	m := &Manager{
		resolver: resolver,
		analyzer: analyzer,
		policy:   FaultFetch,
		logger:   zerolog.Nop(),
		now:      time.Now,
		newID:    uuid.NewString,
		sessions: map[string]*Session{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start begins a session for req. The returned channel carries the
// session's events in emission order and is closed after the terminal
// event. Canceling ctx abandons the session; a shared fetch keeps running
// for other sessions.
func (m *Manager) Start(ctx context.Context, req filing.Request) (*Session, <-chan events.Event) {
	s := newSession(m.newID(), req, m.now().UTC())
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	m.metrics.SessionStarted()

	out := make(chan events.Event)
	go m.run(ctx, s, out)
	return s, out
}

func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// List describes live sessions, oldest first.
func (m *Manager) List() []Info {
	m.mu.RLock()
	infos := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		infos = append(infos, s.Info())
	}
	m.mu.RUnlock()
	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].CreatedAt.Before(infos[j].CreatedAt)
		}
		return infos[i].ID < infos[j].ID
	})
	return infos
}

func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.mu.Unlock()
}

type runner struct {
	m      *Manager
	s      *Session
	ctx    context.Context
	out    chan<- events.Event
	logger zerolog.Logger
	start  time.Time
}

func (m *Manager) run(ctx context.Context, s *Session, out chan<- events.Event) {
	r := &runner{
		m:      m,
		s:      s,
		ctx:    ctx,
		out:    out,
		logger: m.logger.With().Str("session_id", s.ID).Logger(),
		start:  m.now(),
	}
	defer close(out)
	defer m.forget(s)
	defer func() {
		if p := recover(); p != nil {
			r.fail(filing.Wrap(filing.KindAnalysisFailure, "session", fmt.Errorf("panic: %v", p)))
		}
		state := s.State()
		m.metrics.SessionFinished(string(state))
		r.logger.Info().Str("state", string(state)).Dur("elapsed", m.now().Sub(r.start)).Msg("session finished")
	}()
	r.execute()
}

// emit records event and hands it to the caller. Once ctx is done the
// event is still logged and published, only delivery is skipped.
func (r *runner) emit(event events.Event) bool {
	stamped, ok := r.s.append(event, r.m.now().UTC())
	if !ok {
		return false
	}
	if r.m.broker != nil {
		r.m.broker.Publish(stamped)
	}
	select {
	case r.out <- stamped:
		return true
	case <-r.ctx.Done():
		return false
	}
}

func (r *runner) fail(err error) {
	if err := r.s.transition(StateFailed); err != nil {
		r.logger.Error().Err(err).Msg("session already terminal")
		return
	}
	kind := filing.KindOf(err)
	if kind == "" {
		kind = filing.KindAnalysisFailure
	}
	if r.ctx.Err() != nil {
		kind = filing.KindCanceled
	}
	r.logger.Warn().Err(err).Str("kind", string(kind)).Msg("session failed")
	r.emit(events.Error(kind, err.Error()))
}

func (r *runner) execute() {
	req := r.s.Request
	if err := req.Validate(); err != nil {
		r.fail(err)
		return
	}
	fp := req.Fingerprint()
	r.s.mu.Lock()
	r.s.fingerprint = fp
	r.s.mu.Unlock()
	r.logger = r.logger.With().Str("fingerprint", fp.Key()).Logger()

	if err := r.s.transition(StateResolving); err != nil {
		r.fail(err)
		return
	}
	record, source, err := r.resolve(fp)
	if err != nil {
		r.fail(err)
		return
	}
	r.s.mu.Lock()
	r.s.record = record
	r.s.source = source
	r.s.mu.Unlock()

	if err := r.s.transition(StateAnalyzing); err != nil {
		r.fail(err)
		return
	}
	r.analyze(fp, record, source)
}

func (r *runner) resolve(fp filing.Fingerprint) (filing.CachedFiling, fetch.Source, error) {
	record, err := r.m.resolver.Lookup(r.ctx, fp)
	switch {
	case err == nil:
		r.emit(events.Progress(StepCache, "using cached filing "+record.Source.Title))
		return record, fetch.SourceCache, nil
	case errors.Is(err, store.ErrNotFound):
	case r.ctx.Err() != nil:
		return filing.CachedFiling{}, "", err
	case r.m.policy == FaultFail:
		return filing.CachedFiling{}, "", err
	default:
		r.logger.Warn().Err(err).Msg("cache unavailable, fetching")
	}

	if err := r.s.transition(StateFetching); err != nil {
		return filing.CachedFiling{}, "", err
	}
	record, err = r.m.resolver.Fetch(r.ctx, fp, func(p fetch.Progress) {
		r.emit(events.Progress(string(p.Step), p.Message))
	})
	if err != nil {
		return filing.CachedFiling{}, "", err
	}
	return record, fetch.SourceFetch, nil
}

func (r *runner) analyze(fp filing.Fingerprint, record filing.CachedFiling, source fetch.Source) {
	if r.m.analyzer == nil {
		r.fail(filing.Wrap(filing.KindAnalysisFailure, "analyze", errors.New("no analyzer configured")))
		return
	}
	stream := r.m.analyzer.Analyze(r.ctx, agent.AnalysisInput{
		SessionID:    r.s.ID,
		Fingerprint:  fp,
		ArtifactPath: record.ArtifactPath,
	})
	for event := range stream {
		switch event.Kind {
		case events.KindComplete:
			if err := r.s.transition(StateComplete); err != nil {
				r.logger.Error().Err(err).Msg("dropping completion")
				continue
			}
			r.emit(events.Complete(event.Message, r.summary(fp, record, source, event.Summary)))
		case events.KindError:
			if r.ctx.Err() != nil {
				event.ErrorKind = filing.KindCanceled
			}
			if err := r.s.transition(StateFailed); err != nil {
				continue
			}
			r.emit(event)
		default:
			r.emit(event)
		}
	}
	if !r.s.State().Terminal() {
		err := errors.New("analysis ended without a result")
		if r.ctx.Err() != nil {
			err = r.ctx.Err()
		}
		r.fail(filing.Wrap(filing.KindAnalysisFailure, "analyze", err))
	}
}

func (r *runner) summary(fp filing.Fingerprint, record filing.CachedFiling, source fetch.Source, extra map[string]any) map[string]any {
	summary := map[string]any{}
	for k, v := range extra {
		summary[k] = v
	}
	summary["session_id"] = r.s.ID
	summary["fingerprint"] = fp.Key()
	summary["artifact_path"] = record.ArtifactPath
	summary["source"] = string(source)
	summary["elapsed_ms"] = r.m.now().Sub(r.start).Milliseconds()
	if _, ok := summary["tool_calls"]; !ok {
		summary["tool_calls"] = 0
	}
	return summary
}
