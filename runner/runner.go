// Package runner drives single jobs through a ComfyUI server: it binds a
// request into the workflow template, uploads the input frame, queues the
// prompt, follows execution to a terminal state and fetches the rendered
// video. Execution updates arrive over the server's WebSocket feed when it
// is up; a history poll runs underneath either way, so a missed event never
// strands a job short of its deadline.
package runner

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/wanloop/wanloop/comfy"
	"github.com/wanloop/wanloop/workflow"
)

// Options tunes a Runner. The zero value is usable.
type Options struct {
	// Logger receives job lifecycle logs. Defaults to slog.Default.
	Logger *slog.Logger
	// PollInterval is how often /history is checked while awaiting a job.
	// Defaults to one second.
	PollInterval time.Duration
	// DefaultTimeout bounds Await when the caller passes no budget.
	// Defaults to ten minutes.
	DefaultTimeout time.Duration
	// HTTPClient fetches request images given by URL. Defaults to a
	// client with a 30 second timeout.
	HTTPClient *http.Client
}

// Runner submits jobs against one workflow template.
type Runner struct {
	client         *comfy.Client
	tmpl           *workflow.Graph
	bindings       workflow.Bindings
	log            *slog.Logger
	poll           time.Duration
	defaultTimeout time.Duration
	httpc          *http.Client
	onProgress     func(jobID string, value, max int)
}

// New returns a runner binding jobs into tmpl at the nodes bindings names.
// Bindings are checked again at every Submit; validating here as well makes
// a template mismatch a startup failure instead of a per-job one.
func New(client *comfy.Client, tmpl *workflow.Graph, bindings workflow.Bindings, opts *Options) (*Runner, error) {
	if err := bindings.Validate(tmpl); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &Options{}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	defaultTimeout := opts.DefaultTimeout
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	httpc := opts.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Runner{
		client:         client,
		tmpl:           tmpl,
		bindings:       bindings,
		log:            log,
		poll:           poll,
		defaultTimeout: defaultTimeout,
		httpc:          httpc,
	}, nil
}

// SetOnProgress installs a sampler progress callback. Install before the
// first Submit; updates are delivered from Await's goroutine.
func (r *Runner) SetOnProgress(fn func(jobID string, value, max int)) {
	r.onProgress = fn
}

// Result identifies the artifact a completed job produced.
type Result struct {
	JobID    string
	PromptID string
	Seed     int64
	Artifact comfy.ArtifactRef
	Elapsed  time.Duration
}

// Submit validates the request, stages the input frame and queues the bound
// workflow. Validation failures are reported as *ValidationError before
// anything is sent to the server.
func (r *Runner) Submit(ctx context.Context, req Request) (*Job, error) {
	req = req.Normalized()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := r.bindings.Validate(r.tmpl); err != nil {
		return nil, &ValidationError{Field: "workflow", Reason: err.Error()}
	}

	frame, err := r.resolveImage(ctx, req.Image)
	if err != nil {
		return nil, &ValidationError{Field: "image", Reason: err.Error()}
	}

	jobID := uuid.NewString()
	tag := jobID[:8]
	uploaded, err := r.client.UploadImage(ctx, bytes.NewReader(frame), "input_"+tag+".png", true, comfy.InputImageType, "")
	if err != nil {
		return nil, r.classify("upload input image", err)
	}

	seed := req.ResolveSeed()
	prefix := "seamless_loop_" + tag
	g := r.tmpl.Clone()
	if err := r.bindings.Apply(g, workflow.Params{
		ImageName:      uploaded,
		Prompt:         req.Prompt,
		Seed:           seed,
		FrameCount:     req.FrameCount,
		FPS:            req.FPS,
		FilenamePrefix: prefix,
	}); err != nil {
		return nil, &ValidationError{Field: "workflow", Reason: err.Error()}
	}

	prompt, err := r.client.QueuePrompt(ctx, g)
	if err != nil {
		return nil, r.classify("queue prompt", err)
	}

	job := &Job{
		ID:        jobID,
		PromptID:  prompt.ID,
		Seed:      seed,
		InputName: uploaded,
		Prefix:    prefix,
		CreatedAt: time.Now(),
		prompt:    prompt,
		state:     StateSubmitted,
		cancelCh:  make(chan struct{}),
	}
	r.log.Info("job submitted",
		"job_id", job.ID,
		"prompt_id", job.PromptID,
		"seed", seed,
		"frames", req.FrameCount,
		"fps", req.FPS)
	return job, nil
}

// Await blocks until the job reaches a terminal state or the timeout
// elapses. A non-positive timeout uses the runner's default. On timeout the
// job is marked timed_out locally and left alone on the server; nothing is
// retried or resubmitted.
func (r *Runner) Await(ctx context.Context, job *Job, timeout time.Duration) (*Result, error) {
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	defer r.client.Forget(job.PromptID)

	poll := time.NewTicker(r.poll)
	defer poll.Stop()

	var updates chan comfy.Update
	if job.prompt != nil {
		updates = job.prompt.Updates
	}

	outputs := make(map[string]comfy.NodeOutput)
	for {
		select {
		case <-ctx.Done():
			job.markTerminal(StateTimedOut)
			return nil, ctx.Err()

		case <-deadline.C:
			job.markTerminal(StateTimedOut)
			r.log.Warn("job timed out", "job_id", job.ID, "prompt_id", job.PromptID, "timeout", timeout)
			return nil, &TimeoutError{Timeout: timeout}

		case <-job.Canceled():
			job.markTerminal(StateFailed)
			r.log.Info("job canceled", "job_id", job.ID, "prompt_id", job.PromptID)
			return nil, &ServerError{Op: "execute workflow", Err: &comfy.RemoteError{Interrupted: true}}

		case u, ok := <-updates:
			if !ok {
				// feed gave up on this prompt; the poll underneath still
				// reaches a verdict
				updates = nil
				continue
			}
			switch u.Kind {
			case comfy.UpdateStarted, comfy.UpdateExecuting:
				job.markRunning()
			case comfy.UpdateProgress:
				if r.onProgress != nil {
					r.onProgress(job.ID, u.Value, u.Max)
				}
			case comfy.UpdateOutput:
				mergeOutputs(outputs, u.Node, u.Outputs)
			case comfy.UpdateCompleted:
				return r.finish(ctx, job, outputs)
			case comfy.UpdateFailed, comfy.UpdateInterrupted:
				job.markTerminal(StateFailed)
				r.log.Warn("job failed", "job_id", job.ID, "prompt_id", job.PromptID, "error", u.Err)
				return nil, &ServerError{Op: "execute workflow", Err: u.Err}
			}

		case <-poll.C:
			entry, err := r.client.History(ctx, job.PromptID)
			if err != nil {
				r.log.Debug("history poll failed", "job_id", job.ID, "error", err)
				continue
			}
			if entry == nil {
				continue
			}
			if entry.Failed() {
				job.markTerminal(StateFailed)
				remote := entry.ExecutionError()
				if remote == nil {
					remote = &comfy.RemoteError{Message: "execution failed"}
				}
				r.log.Warn("job failed", "job_id", job.ID, "prompt_id", job.PromptID, "error", remote)
				return nil, &ServerError{Op: "execute workflow", Err: remote}
			}
			for node, out := range entry.Outputs {
				outputs[node] = out
			}
			return r.finish(ctx, job, outputs)
		}
	}
}

func (r *Runner) finish(ctx context.Context, job *Job, outputs map[string]comfy.NodeOutput) (*Result, error) {
	if len(outputs) == 0 {
		// completion can race ahead of the output events; history holds
		// the full record
		if entry, err := r.client.History(ctx, job.PromptID); err == nil && entry != nil {
			outputs = entry.Outputs
		}
	}
	ref, ok := pickArtifact(outputs, r.bindings.Save)
	if !ok {
		job.markTerminal(StateFailed)
		return nil, &ServerError{Op: "collect outputs", Err: &comfy.RemoteError{Message: "no output file found in workflow results"}}
	}
	job.markTerminal(StateCompleted)
	elapsed := time.Since(job.CreatedAt)
	r.log.Info("job completed",
		"job_id", job.ID,
		"prompt_id", job.PromptID,
		"artifact", ref.String(),
		"elapsed", elapsed)
	return &Result{
		JobID:    job.ID,
		PromptID: job.PromptID,
		Seed:     job.Seed,
		Artifact: ref,
		Elapsed:  elapsed,
	}, nil
}

// Retrieve downloads the video a completed job produced.
func (r *Runner) Retrieve(ctx context.Context, res *Result) ([]byte, error) {
	data, err := r.client.View(ctx, res.Artifact)
	if err != nil {
		return nil, r.classify("fetch artifact", err)
	}
	return data, nil
}

// Cancel withdraws a job: a prompt still waiting in the server's queue is
// deleted, a running one is interrupted. The job's Await observes the
// cancellation and returns.
func (r *Runner) Cancel(ctx context.Context, job *Job) error {
	if job.State() == StateRunning {
		if err := r.client.Interrupt(ctx); err != nil {
			return r.classify("interrupt job", err)
		}
		job.markCanceled()
		return nil
	}
	if err := r.client.DeleteQueued(ctx, job.PromptID); err != nil {
		return r.classify("delete queued job", err)
	}
	job.markCanceled()
	return nil
}

// classify sorts a client error into the taxonomy: responses the server
// produced are ServerError, everything below that is ConnectionError.
func (r *Runner) classify(op string, err error) error {
	var apiErr *comfy.APIError
	var statusErr *comfy.StatusError
	if errors.As(err, &apiErr) || errors.As(err, &statusErr) {
		return &ServerError{Op: op, Err: err}
	}
	return &ConnectionError{Op: op, Err: err}
}

func mergeOutputs(into map[string]comfy.NodeOutput, node string, refs map[string][]comfy.ArtifactRef) {
	out := into[node]
	out.Gifs = append(out.Gifs, refs["gifs"]...)
	out.Images = append(out.Images, refs["images"]...)
	into[node] = out
}

// pickArtifact chooses the job's video from the collected outputs. Animated
// saves land under gifs and win over stills; the save node's own outputs
// win over any other node's.
func pickArtifact(outputs map[string]comfy.NodeOutput, saveNode string) (comfy.ArtifactRef, bool) {
	if out, ok := outputs[saveNode]; ok && len(out.Gifs) > 0 {
		return out.Gifs[0], true
	}
	nodes := make([]string, 0, len(outputs))
	for node := range outputs {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)
	for _, node := range nodes {
		if gifs := outputs[node].Gifs; len(gifs) > 0 {
			return gifs[0], true
		}
	}
	if out, ok := outputs[saveNode]; ok && len(out.Images) > 0 {
		return out.Images[0], true
	}
	for _, node := range nodes {
		if images := outputs[node].Images; len(images) > 0 {
			return images[0], true
		}
	}
	return comfy.ArtifactRef{}, false
}
