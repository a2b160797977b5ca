package runner

import (
	"sync"
	"time"

	"github.com/wanloop/wanloop/comfy"
)

// State tracks a job through its lifecycle. A job starts submitted, moves
// to running once the server begins executing it, and ends in exactly one
// of completed, failed or timed_out. timed_out is a client-side judgement;
// the server may still finish the job afterwards.
type State string

const (
	StateSubmitted State = "submitted"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
)

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimedOut:
		return true
	}
	return false
}

// Job is a handle to one submitted workflow execution.
type Job struct {
	// ID is the shim's own job identifier.
	ID string
	// PromptID is the server's identifier for the queued prompt.
	PromptID string
	// Seed is the noise seed bound into the workflow.
	Seed int64
	// InputName is the server-side filename of the uploaded frame.
	InputName string
	// Prefix is the filename prefix the save node writes under.
	Prefix string
	// CreatedAt is when the prompt was accepted.
	CreatedAt time.Time

	prompt *comfy.Prompt

	mu       sync.Mutex
	state    State
	cancelCh chan struct{}
	canceled bool
}

// State returns the job's current lifecycle state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Canceled returns a channel closed once a cancellation has been signalled
// to the server.
func (j *Job) Canceled() <-chan struct{} {
	return j.cancelCh
}

func (j *Job) markRunning() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state == StateSubmitted {
		j.state = StateRunning
	}
}

// markTerminal moves the job to a terminal state, passing through running
// so the lifecycle order holds even when the terminal report is the first
// thing the client hears.
func (j *Job) markTerminal(s State) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return
	}
	if j.state == StateSubmitted {
		j.state = StateRunning
	}
	j.state = s
}

func (j *Job) markCanceled() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.canceled {
		j.canceled = true
		close(j.cancelCh)
	}
}
