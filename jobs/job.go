// Package jobs runs file operations asynchronously on a bounded worker pool
// and tracks their state for observers.
package jobs

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Op is the kind of file operation a job performs.
type Op string

const (
	OpCopy   Op = "copy"
	OpMove   Op = "move"
	OpDelete Op = "delete"
)

// State is a job lifecycle state.
type State string

const (
	StateQueued   State = "queued"
	StateRunning  State = "running"
	StateDone     State = "done"
	StateError    State = "error"
	StateCanceled State = "canceled"
)

// Terminal reports whether no transition can leave s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateError || s == StateCanceled
}

// Entry describes the source entry a job is working on.
type Entry struct {
	Path  string `json:"path"`
	Name  string `json:"name"`
	Phase string `json:"phase,omitempty"`
	IsDir bool   `json:"is_dir"`
}

// Progress holds the counters of a job.
type Progress struct {
	FilesDone  int    `json:"files_done"`
	FilesTotal int    `json:"files_total"`
	BytesDone  int64  `json:"bytes_done"`
	BytesTotal int64  `json:"bytes_total"`
	Current    *Entry `json:"current,omitempty"`
}

// Snapshot is an immutable copy of a job's observable state.
type Snapshot struct {
	ID              string     `json:"id"`
	Op              Op         `json:"op"`
	Label           string     `json:"label,omitempty"`
	State           State      `json:"state"`
	Revision        uint64     `json:"revision"`
	Progress        Progress   `json:"progress"`
	Error           string     `json:"error,omitempty"`
	Detail          string     `json:"detail,omitempty"`
	CancelRequested bool       `json:"cancel_requested"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// RunFunc executes a job. It reports progress through the job's mutators
// and must return promptly once ctx is canceled.
type RunFunc func(ctx context.Context, job *Job) error

// Job is one queued file operation. All mutators are safe for concurrent
// use with Snapshot; every observable change bumps the revision.
type Job struct {
	ID        string
	Op        Op
	Label     string
	CreatedAt time.Time

	run  RunFunc
	done chan struct{}

	revision atomic.Uint64

	mu              sync.Mutex
	state           State
	progress        Progress
	errCode         string
	detail          string
	cancelRequested bool
	cancel          context.CancelFunc
	startedAt       time.Time
	finishedAt      time.Time
}

func newJob(id string, op Op, label string, now time.Time) *Job {
	j := &Job{
		ID:        id,
		Op:        op,
		Label:     label,
		CreatedAt: now,
		done:      make(chan struct{}),
		state:     StateQueued,
	}
	j.revision.Store(1)
	return j
}

// bumpLocked advances the revision. Caller holds j.mu.
func (j *Job) bumpLocked() {
	j.revision.Add(1)
}

// Revision returns the current revision without taking the lock.
func (j *Job) Revision() uint64 {
	return j.revision.Load()
}

// Done is closed once the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// State returns the current state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// CancelRequested reports whether cancellation was asked for.
func (j *Job) CancelRequested() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelRequested
}

// Snapshot copies the observable state.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()

	s := Snapshot{
		ID:              j.ID,
		Op:              j.Op,
		Label:           j.Label,
		State:           j.state,
		Revision:        j.revision.Load(),
		Progress:        j.progress,
		Error:           j.errCode,
		Detail:          j.detail,
		CancelRequested: j.cancelRequested,
		CreatedAt:       j.CreatedAt,
	}
	if j.progress.Current != nil {
		cur := *j.progress.Current
		s.Progress.Current = &cur
	}
	if !j.startedAt.IsZero() {
		t := j.startedAt
		s.StartedAt = &t
	}
	if !j.finishedAt.IsZero() {
		t := j.finishedAt
		s.FinishedAt = &t
	}
	return s
}

// SetTotals sets the planned file and byte counts.
func (j *Job) SetTotals(files int, bytes int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.progress.FilesTotal = files
	j.progress.BytesTotal = bytes
	if j.progress.FilesDone > files {
		j.progress.FilesDone = files
	}
	j.bumpLocked()
}

// AddBytesTotal grows the byte total as directory contents are discovered.
func (j *Job) AddBytesTotal(n int64) {
	if n == 0 {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.progress.BytesTotal += n
	j.bumpLocked()
}

// AddBytes records n transferred bytes.
func (j *Job) AddBytes(n int64) {
	if n == 0 {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.progress.BytesDone += n
	j.bumpLocked()
}

// EntryDone marks the current source entry as processed.
func (j *Job) EntryDone() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.progress.FilesDone < j.progress.FilesTotal {
		j.progress.FilesDone++
	}
	j.progress.Current = nil
	j.bumpLocked()
}

// SetCurrent records the entry being worked on.
func (j *Job) SetCurrent(path, name string, isDir bool, phase string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.progress.Current = &Entry{Path: path, Name: name, IsDir: isDir, Phase: phase}
	j.bumpLocked()
}

// SetPhase updates the phase of the current entry.
func (j *Job) SetPhase(phase string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.progress.Current == nil || j.progress.Current.Phase == phase {
		return
	}
	cur := *j.progress.Current
	cur.Phase = phase
	j.progress.Current = &cur
	j.bumpLocked()
}

// start moves a queued job to running. It returns false when the job was
// canceled while waiting.
func (j *Job) start(cancel context.CancelFunc, now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != StateQueued {
		return false
	}
	j.state = StateRunning
	j.cancel = cancel
	j.startedAt = now
	j.bumpLocked()
	return true
}

// finish moves a running job to its terminal state. A cancellation
// requested before this point wins over success.
func (j *Job) finish(state State, code, detail string, now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return false
	}
	if j.cancelRequested && state == StateDone {
		state = StateCanceled
	}
	if state != StateError {
		code, detail = "", ""
	}
	j.state = state
	j.errCode = code
	j.detail = detail
	j.cancel = nil
	j.progress.Current = nil
	j.finishedAt = now
	j.bumpLocked()
	close(j.done)
	return true
}

// requestCancel sets the cancellation signal. A queued job is finished
// immediately; a running one has its context canceled.
func (j *Job) requestCancel(now time.Time) (finished bool) {
	j.mu.Lock()
	if j.state.Terminal() || j.cancelRequested {
		j.mu.Unlock()
		return false
	}
	j.cancelRequested = true
	j.bumpLocked()

	if j.state == StateQueued {
		j.state = StateCanceled
		j.finishedAt = now
		j.bumpLocked()
		close(j.done)
		j.mu.Unlock()
		return true
	}

	cancel := j.cancel
	j.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return false
}

func (j *Job) finishedTime() (time.Time, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.finishedAt, j.state.Terminal()
}
