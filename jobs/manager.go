package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/franksops/fileops/metrics"
)

// CodeUnexpected is recorded for failures that carry no code of their own,
// including panics inside a RunFunc.
const CodeUnexpected = "unexpected_error"

var (
	ErrJobNotFound = errors.New("job not found")
	ErrQueueFull   = errors.New("job queue is full")
)

// Coded is implemented by errors carrying a stable machine code.
type Coded interface {
	Code() string
}

// CodeOf returns the code carried by err, or CodeUnexpected.
func CodeOf(err error) string {
	var c Coded
	if errors.As(err, &c) && c.Code() != "" {
		return c.Code()
	}
	return CodeUnexpected
}

// Config sizes the manager.
type Config struct {
	Workers   int
	QueueSize int
	// MaxJobs caps the job table; the earliest finished jobs are evicted
	// first when a new job would exceed it.
	MaxJobs int
	// TTL is how long a finished job stays visible.
	TTL time.Duration
}

// Manager owns the job table, the FIFO queue and the worker pool.
type Manager struct {
	cfg Config
	log *zap.Logger
	now func() time.Time

	mu   sync.Mutex
	jobs map[string]*Job

	queue chan *Job
	pool  *WorkerPool

	hookMu   sync.Mutex
	onFinish []func(Snapshot)
}

// NewManager starts a manager with cfg.Workers workers. Stop releases them.
func NewManager(ctx context.Context, cfg Config, log *zap.Logger) *Manager {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 64
	}
	if cfg.MaxJobs < 1 {
		cfg.MaxJobs = 200
	}
	if log == nil {
		log = zap.NewNop()
	}

	m := &Manager{
		cfg:   cfg,
		log:   log.Named("jobs"),
		now:   time.Now,
		jobs:  make(map[string]*Job),
		queue: make(chan *Job, cfg.QueueSize),
	}
	m.pool = NewWorkerPool(ctx, m.queue, m.execute)
	m.pool.SetWorkerCount(cfg.Workers)
	return m
}

// OnFinish registers fn to be called with the final snapshot of every job.
func (m *Manager) OnFinish(fn func(Snapshot)) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.onFinish = append(m.onFinish, fn)
}

// SetWorkers resizes the worker pool.
func (m *Manager) SetWorkers(n int) {
	if n < 1 {
		n = 1
	}
	m.pool.SetWorkerCount(n)
	m.log.Info("worker pool resized", zap.Int("workers", n))
}

// Workers returns the current pool size.
func (m *Manager) Workers() int {
	return m.pool.WorkerCount()
}

// Busy returns how many workers are running a job right now.
func (m *Manager) Busy() int {
	return m.pool.Busy()
}

// Stop cancels running jobs and waits for the workers to exit.
func (m *Manager) Stop() {
	m.pool.Stop()
}

// Create allocates a queued job, evicting old finished jobs first.
func (m *Manager) Create(op Op, label string) *Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.cleanupLocked(now)
	m.evictLocked(m.cfg.MaxJobs - 1)

	j := newJob(uuid.NewString(), op, label, now)
	m.jobs[j.ID] = j
	m.updateGaugesLocked()
	return j
}

// Submit enqueues j for execution by run. When the queue is full the job
// is dropped from the table and ErrQueueFull returned.
func (m *Manager) Submit(j *Job, run RunFunc) error {
	j.run = run
	select {
	case m.queue <- j:
		m.log.Debug("job queued", zap.String("job_id", j.ID), zap.String("op", string(j.Op)))
		m.mu.Lock()
		m.updateGaugesLocked()
		m.mu.Unlock()
		return nil
	default:
		m.mu.Lock()
		delete(m.jobs, j.ID)
		m.updateGaugesLocked()
		m.mu.Unlock()
		return ErrQueueFull
	}
}

// Get returns the job with id after expiring old finished jobs.
func (m *Manager) Get(id string) (*Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupLocked(m.now())
	j, ok := m.jobs[id]
	return j, ok
}

// List returns up to limit snapshots, newest first. limit <= 0 means all.
func (m *Manager) List(limit int) []Snapshot {
	m.mu.Lock()
	m.cleanupLocked(m.now())
	all := make([]*Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		all = append(all, j)
	}
	m.mu.Unlock()

	sort.Slice(all, func(a, b int) bool { return all[a].CreatedAt.After(all[b].CreatedAt) })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	out := make([]Snapshot, len(all))
	for i, j := range all {
		out[i] = j.Snapshot()
	}
	return out
}

// Cancel requests cancellation of id. A queued job becomes canceled
// immediately; a running job is canceled cooperatively by its worker.
func (m *Manager) Cancel(id string) (Snapshot, error) {
	j, ok := m.Get(id)
	if !ok {
		return Snapshot{}, ErrJobNotFound
	}
	if j.requestCancel(m.now()) {
		m.log.Info("queued job canceled", zap.String("job_id", j.ID))
		m.finished(j)
	}
	return j.Snapshot(), nil
}

// cleanupLocked drops finished jobs older than the TTL.
func (m *Manager) cleanupLocked(now time.Time) {
	if m.cfg.TTL <= 0 {
		return
	}
	for id, j := range m.jobs {
		if at, done := j.finishedTime(); done && now.Sub(at) > m.cfg.TTL {
			delete(m.jobs, id)
		}
	}
}

// evictLocked removes the earliest finished jobs until at most keep jobs
// remain. Active jobs are never evicted.
func (m *Manager) evictLocked(keep int) {
	if len(m.jobs) <= keep {
		return
	}
	type finished struct {
		id string
		at time.Time
	}
	var candidates []finished
	for id, j := range m.jobs {
		if at, done := j.finishedTime(); done {
			candidates = append(candidates, finished{id, at})
		}
	}
	sort.Slice(candidates, func(a, b int) bool { return candidates[a].at.Before(candidates[b].at) })
	for _, c := range candidates {
		if len(m.jobs) <= keep {
			return
		}
		delete(m.jobs, c.id)
	}
}

func (m *Manager) updateGaugesLocked() {
	var queued, running int
	for _, j := range m.jobs {
		switch j.State() {
		case StateQueued:
			queued++
		case StateRunning:
			running++
		}
	}
	metrics.SetJobsQueued(queued)
	metrics.SetJobsRunning(running)
}

// execute is the worker handler. It never lets a panic escape.
func (m *Manager) execute(poolCtx context.Context, j *Job) {
	ctx, cancel := context.WithCancel(poolCtx)
	defer cancel()

	if !j.start(cancel, m.now()) {
		return
	}
	m.mu.Lock()
	m.updateGaugesLocked()
	m.mu.Unlock()

	log := m.log.With(zap.String("job_id", j.ID), zap.String("op", string(j.Op)))
	log.Info("job started", zap.String("label", j.Label))

	err := m.runSafely(ctx, j, log)

	switch {
	case err == nil:
		j.finish(StateDone, "", "", m.now())
	case j.CancelRequested() || errors.Is(err, context.Canceled):
		j.finish(StateCanceled, "", "", m.now())
	default:
		j.finish(StateError, CodeOf(err), err.Error(), m.now())
	}
	m.finished(j)
}

func (m *Manager) runSafely(ctx context.Context, j *Job, log *zap.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("job panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if j.run == nil {
		return errors.New("job has no run function")
	}
	return j.run(ctx, j)
}

func (m *Manager) finished(j *Job) {
	snap := j.Snapshot()

	var dur time.Duration
	if snap.StartedAt != nil && snap.FinishedAt != nil {
		dur = snap.FinishedAt.Sub(*snap.StartedAt)
	}
	metrics.RecordJobFinished(string(snap.Op), string(snap.State), dur)

	fields := []zap.Field{
		zap.String("job_id", snap.ID),
		zap.String("state", string(snap.State)),
		zap.Int("files_done", snap.Progress.FilesDone),
		zap.Int64("bytes_done", snap.Progress.BytesDone),
	}
	if snap.State == StateError {
		m.log.Warn("job failed", append(fields, zap.String("error", snap.Error), zap.String("detail", snap.Detail))...)
	} else {
		m.log.Info("job finished", fields...)
	}

	m.mu.Lock()
	m.updateGaugesLocked()
	m.mu.Unlock()

	m.hookMu.Lock()
	hooks := append([]func(Snapshot){}, m.onFinish...)
	m.hookMu.Unlock()
	for _, fn := range hooks {
		fn(snap)
	}
}
