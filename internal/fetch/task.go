package fetch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/filing"
)

type Step string

const (
	StepQuery    Step = "query"
	StepDownload Step = "download"
)

type Progress struct {
	Step    Step   `json:"step"`
	Message string `json:"message"`
}

type Status string

const (
	StatusPending     Status = "pending"
	StatusCrawling    Status = "crawling"
	StatusDownloading Status = "downloading"
	StatusSucceeded   Status = "succeeded"
	StatusFailed      Status = "failed"
)

// task is the single in-flight fetch for one fingerprint. Every waiter
// observes the same progress history and the same outcome.
type task struct {
	fp      filing.Fingerprint
	force   bool
	ctx     context.Context
	cancel  context.CancelFunc
	started time.Time
	done    chan struct{}

	// waiters is guarded by the registry mutex.
	waiters int

	mu       sync.Mutex
	status   Status
	history  []Progress
	watchers map[chan Progress]struct{}
	record   filing.CachedFiling
	err      error
}

func newTask(parent context.Context, fp filing.Fingerprint, force bool) *task {
	ctx, cancel := context.WithCancel(parent)
	return &task{
		fp:       fp,
		force:    force,
		ctx:      ctx,
		cancel:   cancel,
		started:  time.Now(),
		done:     make(chan struct{}),
		status:   StatusPending,
		watchers: map[chan Progress]struct{}{},
	}
}

func (t *task) publish(p Progress) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch p.Step {
	case StepQuery:
		t.status = StatusCrawling
	case StepDownload:
		t.status = StatusDownloading
	}
	t.history = append(t.history, p)
	for ch := range t.watchers {
		select {
		case ch <- p:
		default:
		}
	}
}

// subscribe replays the progress seen so far before any live update.
func (t *task) subscribe() chan Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan Progress, len(t.history)+8)
	for _, p := range t.history {
		ch <- p
	}
	t.watchers[ch] = struct{}{}
	return ch
}

func (t *task) unsubscribe(ch chan Progress) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.watchers, ch)
}

func (t *task) finish(record filing.CachedFiling, err error) {
	t.mu.Lock()
	t.record = record
	t.err = err
	if err != nil {
		t.status = StatusFailed
	} else {
		t.status = StatusSucceeded
	}
	t.mu.Unlock()
	close(t.done)
}

func (t *task) result() (filing.CachedFiling, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.record, t.err
}

type TaskInfo struct {
	Fingerprint string    `json:"fingerprint"`
	Status      Status    `json:"status"`
	Waiters     int       `json:"waiters"`
	StartedAt   time.Time `json:"started_at"`
}

// registry maps fingerprints to their in-flight task. An entry is removed
// when its last waiter is released, never earlier.
type registry struct {
	mu    sync.Mutex
	base  context.Context
	tasks map[string]*task
}

func newRegistry(base context.Context) *registry {
	return &registry{base: base, tasks: map[string]*task{}}
}

// acquire joins the task for fp or creates it. The caller that created the
// task is responsible for running it. force only applies to a new task: it
// skips the cache check and always runs the pipeline.
func (r *registry) acquire(fp filing.Fingerprint, force bool) (*task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := fp.Key()
	if t, ok := r.tasks[key]; ok {
		t.waiters++
		return t, false
	}
	t := newTask(r.base, fp, force)
	t.waiters = 1
	r.tasks[key] = t
	return t, true
}

// release detaches one waiter. When nobody is left the entry is dropped and
// the task's context is canceled, which is a no-op once it has finished.
func (r *registry) release(t *task) {
	r.mu.Lock()
	t.waiters--
	last := t.waiters == 0
	if last && r.tasks[t.fp.Key()] == t {
		delete(r.tasks, t.fp.Key())
	}
	r.mu.Unlock()
	if last {
		t.cancel()
	}
}

func (r *registry) snapshot() []TaskInfo {
	r.mu.Lock()
	tasks := make([]*task, 0, len(r.tasks))
	waiters := make([]int, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t)
		waiters = append(waiters, t.waiters)
	}
	r.mu.Unlock()

	infos := make([]TaskInfo, 0, len(tasks))
	for i, t := range tasks {
		t.mu.Lock()
		infos = append(infos, TaskInfo{Fingerprint: t.fp.Key(), Status: t.status, Waiters: waiters[i], StartedAt: t.started})
		t.mu.Unlock()
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].StartedAt.Before(infos[j].StartedAt) })
	return infos
}
