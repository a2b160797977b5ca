package httpapi

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wanloop/wanloop/runner"
)

// Status is the intake-level state of a job. IN_QUEUE means the job waits
// for the worker, IN_PROGRESS covers submission through execution, and the
// remaining states are terminal.
type Status string

const (
	StatusInQueue    Status = "IN_QUEUE"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
	StatusTimedOut   Status = "TIMED_OUT"
)

// Terminal reports whether a job in this status is finished for good.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// Output is the payload of a completed job: the encoded video and the seed
// that produced it.
type Output struct {
	Video string `json:"video"`
	Seed  int64  `json:"seed"`
}

// Progress mirrors the sampler's progress while a job executes.
type Progress struct {
	Value int `json:"value"`
	Max   int `json:"max"`
}

var errQueueFull = errors.New("job queue is full")

// trackedJob is the registry's record of one intake job. All mutable fields
// are guarded by the registry lock.
type trackedJob struct {
	ID      string
	Request runner.Request

	Status          Status
	Output          *Output
	ErrMsg          string
	Progress        *Progress
	CreatedAt       time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
	handle          *runner.Job
	cancelRequested bool

	// closed when the job reaches a terminal status
	done chan struct{}
}

// registry holds every job this process has accepted, in memory only.
// Results live for the lifetime of the process; a restart forgets them.
type registry struct {
	capacity int
	queue    chan *trackedJob

	mu   sync.Mutex
	jobs map[string]*trackedJob
	// runner job ID -> intake job, for progress routing
	byRunnerID map[string]*trackedJob
}

func newRegistry(capacity int) *registry {
	return &registry{
		capacity:   capacity,
		queue:      make(chan *trackedJob, capacity),
		jobs:       make(map[string]*trackedJob),
		byRunnerID: make(map[string]*trackedJob),
	}
}

func (reg *registry) enqueue(req runner.Request) (*trackedJob, error) {
	j := &trackedJob{
		ID:        uuid.NewString(),
		Request:   req,
		Status:    StatusInQueue,
		CreatedAt: time.Now(),
		done:      make(chan struct{}),
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	select {
	case reg.queue <- j:
	default:
		return nil, errQueueFull
	}
	reg.jobs[j.ID] = j
	return j, nil
}

func (reg *registry) get(id string) *trackedJob {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.jobs[id]
}

func (reg *registry) pending() int {
	return len(reg.queue)
}

// shouldRun is the worker's gate: a job cancelled while queued is skipped.
func (reg *registry) shouldRun(j *trackedJob) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return !j.Status.Terminal()
}

func (reg *registry) markStarted(j *trackedJob, handle *runner.Job) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	now := time.Now()
	j.Status = StatusInProgress
	j.StartedAt = &now
	j.handle = handle
	if handle != nil {
		reg.byRunnerID[handle.ID] = j
	}
}

// markProcessing flags the job as picked up before submission, so a status
// probe never sees IN_QUEUE for a job the worker already owns.
func (reg *registry) markProcessing(j *trackedJob) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if !j.Status.Terminal() {
		j.Status = StatusInProgress
	}
}

func (reg *registry) recordProgress(runnerID string, value, max int) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if j, ok := reg.byRunnerID[runnerID]; ok && !j.Status.Terminal() {
		j.Progress = &Progress{Value: value, Max: max}
	}
}

func (reg *registry) finishOK(j *trackedJob, out *Output) {
	reg.finish(j, StatusCompleted, "", out)
}

func (reg *registry) finishErr(j *trackedJob, status Status, msg string) {
	reg.finish(j, status, msg, nil)
}

func (reg *registry) finish(j *trackedJob, status Status, msg string, out *Output) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if j.Status.Terminal() {
		return
	}
	now := time.Now()
	j.Status = status
	j.ErrMsg = msg
	j.Output = out
	j.FinishedAt = &now
	if j.handle != nil {
		delete(reg.byRunnerID, j.handle.ID)
	}
	close(j.done)
}

// requestCancel marks a job for cancellation. For a job still in the queue
// it is finished as CANCELLED on the spot and the worker will skip it; for
// a job in flight it returns the runner handle so the caller can signal the
// server, and the worker settles the final status.
func (reg *registry) requestCancel(j *trackedJob) (handle *runner.Job, alreadyDone bool) {
	reg.mu.Lock()
	if j.Status.Terminal() {
		reg.mu.Unlock()
		return nil, true
	}
	j.cancelRequested = true
	if j.Status == StatusInQueue {
		now := time.Now()
		j.Status = StatusCancelled
		j.FinishedAt = &now
		close(j.done)
		reg.mu.Unlock()
		return nil, false
	}
	handle = j.handle
	reg.mu.Unlock()
	return handle, false
}

func (reg *registry) cancelRequested(j *trackedJob) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return j.cancelRequested
}

// snapshot copies the fields a status response needs under the lock.
func (reg *registry) snapshot(j *trackedJob) trackedJob {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return trackedJob{
		ID:         j.ID,
		Status:     j.Status,
		Output:     j.Output,
		ErrMsg:     j.ErrMsg,
		Progress:   j.Progress,
		CreatedAt:  j.CreatedAt,
		StartedAt:  j.StartedAt,
		FinishedAt: j.FinishedAt,
	}
}
