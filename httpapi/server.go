// Package httpapi exposes the job runner over the serverless intake
// contract: submit a job, poll its status, cancel it, fetch the result from
// the status payload. One worker goroutine feeds jobs to the inference
// server strictly one at a time; the HTTP layer only queues and reports.
package httpapi

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wanloop/wanloop/comfy"
	"github.com/wanloop/wanloop/runner"
)

// JobRunner is the slice of the runner the intake drives. Tests substitute
// a stub; production wires *runner.Runner.
type JobRunner interface {
	Submit(ctx context.Context, req runner.Request) (*runner.Job, error)
	Await(ctx context.Context, job *runner.Job, timeout time.Duration) (*runner.Result, error)
	Retrieve(ctx context.Context, res *runner.Result) ([]byte, error)
	Cancel(ctx context.Context, job *runner.Job) error
}

var _ JobRunner = (*runner.Runner)(nil)

// Options tunes a Server. The zero value is usable.
type Options struct {
	// Logger receives request and worker logs. Defaults to slog.Default.
	Logger *slog.Logger
	// Comfy, when set, enriches /health with the inference server's state.
	Comfy *comfy.Client
	// QueueCapacity bounds how many jobs may wait behind the running one.
	// Submissions beyond it are refused with 503. Defaults to 8.
	QueueCapacity int
	// DefaultTimeout bounds jobs that carry no timeout of their own.
	// Defaults to the runner's ten minutes.
	DefaultTimeout time.Duration
	// SyncGrace is how much longer than the job timeout a /runsync call
	// waits before giving up and reporting the job as still in flight.
	SyncGrace time.Duration
}

// Server queues jobs from HTTP and reports their progress. Results are held
// in memory only; callers that need them must collect them before the
// process exits.
type Server struct {
	runner         JobRunner
	comfy          *comfy.Client
	reg            *registry
	log            *slog.Logger
	defaultTimeout time.Duration
	syncGrace      time.Duration
}

// New returns a Server driving jobs through r. Call RecordProgress from the
// runner's progress hook to surface sampler progress in status payloads.
func New(r JobRunner, opts *Options) *Server {
	if opts == nil {
		opts = &Options{}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	capacity := opts.QueueCapacity
	if capacity <= 0 {
		capacity = 8
	}
	defaultTimeout := opts.DefaultTimeout
	if defaultTimeout <= 0 {
		defaultTimeout = runner.DefaultTimeout
	}
	syncGrace := opts.SyncGrace
	if syncGrace <= 0 {
		syncGrace = 30 * time.Second
	}
	return &Server{
		runner:         r,
		comfy:          opts.Comfy,
		reg:            newRegistry(capacity),
		log:            log,
		defaultTimeout: defaultTimeout,
		syncGrace:      syncGrace,
	}
}

// Handler returns the intake's routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Post("/run", s.handleRun)
	r.Post("/runsync", s.handleRunSync)
	r.Get("/status/{id}", s.handleStatus)
	r.Post("/cancel/{id}", s.handleCancel)
	return r
}

// RecordProgress is the runner progress hook; jobID is the runner's job ID.
func (s *Server) RecordProgress(jobID string, value, max int) {
	s.reg.recordProgress(jobID, value, max)
}

// RunWorker drains the queue until ctx is cancelled, one job at a time.
// The inference server holds one workflow's models in VRAM; feeding it a
// second concurrent job would thrash, not parallelize.
func (s *Server) RunWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-s.reg.queue:
			if !s.reg.shouldRun(j) {
				continue
			}
			s.process(ctx, j)
		}
	}
}

func (s *Server) process(ctx context.Context, j *trackedJob) {
	s.reg.markProcessing(j)
	log := s.log.With("job_id", j.ID)

	handle, err := s.runner.Submit(ctx, j.Request)
	if err != nil {
		log.Warn("submit failed", "error", err)
		s.reg.finishErr(j, StatusFailed, err.Error())
		return
	}
	s.reg.markStarted(j, handle)

	// a cancel that raced the submission window still has to reach the
	// server
	if s.reg.cancelRequested(j) {
		if err := s.runner.Cancel(ctx, handle); err != nil {
			log.Warn("cancel signal failed", "error", err)
		}
	}

	res, err := s.runner.Await(ctx, handle, j.Request.Timeout(s.defaultTimeout))
	if err != nil {
		var timeout *runner.TimeoutError
		switch {
		case errors.As(err, &timeout):
			s.reg.finishErr(j, StatusTimedOut, err.Error())
		case s.reg.cancelRequested(j):
			s.reg.finishErr(j, StatusCancelled, "")
		default:
			s.reg.finishErr(j, StatusFailed, err.Error())
		}
		return
	}

	video, err := s.runner.Retrieve(ctx, res)
	if err != nil {
		log.Warn("retrieve failed", "error", err)
		s.reg.finishErr(j, StatusFailed, err.Error())
		return
	}
	s.reg.finishOK(j, &Output{
		Video: base64.StdEncoding.EncodeToString(video),
		Seed:  res.Seed,
	})
}

type runRequest struct {
	Input runner.Request `json:"input"`
}

type runResponse struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
}

func (s *Server) accept(w http.ResponseWriter, r *http.Request) *trackedJob {
	var payload runRequest
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return nil
	}
	req := payload.Input.Normalized()
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil
	}
	j, err := s.reg.enqueue(req)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return nil
	}
	return j
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	j := s.accept(w, r)
	if j == nil {
		return
	}
	writeJSON(w, http.StatusAccepted, runResponse{ID: j.ID, Status: StatusInQueue})
}

func (s *Server) handleRunSync(w http.ResponseWriter, r *http.Request) {
	j := s.accept(w, r)
	if j == nil {
		return
	}
	wait := j.Request.Timeout(s.defaultTimeout) + s.syncGrace
	select {
	case <-j.done:
	case <-time.After(wait):
	case <-r.Context().Done():
		return
	}
	writeJSON(w, http.StatusOK, s.statusBody(j))
}

type statusResponse struct {
	ID          string     `json:"id"`
	Status      Status     `json:"status"`
	Output      *Output    `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	Progress    *Progress  `json:"progress,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	ExecutionMS int64      `json:"execution_ms,omitempty"`
}

func (s *Server) statusBody(j *trackedJob) statusResponse {
	snap := s.reg.snapshot(j)
	resp := statusResponse{
		ID:         snap.ID,
		Status:     snap.Status,
		Output:     snap.Output,
		Error:      snap.ErrMsg,
		Progress:   snap.Progress,
		CreatedAt:  snap.CreatedAt,
		StartedAt:  snap.StartedAt,
		FinishedAt: snap.FinishedAt,
	}
	if snap.StartedAt != nil && snap.FinishedAt != nil {
		resp.ExecutionMS = snap.FinishedAt.Sub(*snap.StartedAt).Milliseconds()
	}
	return resp
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	j := s.reg.get(chi.URLParam(r, "id"))
	if j == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, s.statusBody(j))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	j := s.reg.get(chi.URLParam(r, "id"))
	if j == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	handle, alreadyDone := s.reg.requestCancel(j)
	if !alreadyDone && handle != nil {
		if err := s.runner.Cancel(r.Context(), handle); err != nil {
			s.log.Warn("cancel signal failed", "job_id", j.ID, "error", err)
			writeError(w, http.StatusBadGateway, "cancel signal failed: "+err.Error())
			return
		}
	}
	snap := s.reg.snapshot(j)
	writeJSON(w, http.StatusOK, runResponse{ID: snap.ID, Status: snap.Status})
}

type healthResponse struct {
	Status string      `json:"status"`
	Queue  queueHealth `json:"queue"`
	Comfy  *comfyInfo  `json:"comfy,omitempty"`
}

type queueHealth struct {
	Pending  int `json:"pending"`
	Capacity int `json:"capacity"`
}

type comfyInfo struct {
	Reachable      bool   `json:"reachable"`
	Version        string `json:"version,omitempty"`
	Devices        int    `json:"devices,omitempty"`
	QueueRemaining int    `json:"queue_remaining"`
	FeedConnected  bool   `json:"feed_connected"`
	Error          string `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status: "ok",
		Queue:  queueHealth{Pending: s.reg.pending(), Capacity: s.reg.capacity},
	}
	code := http.StatusOK
	if s.comfy != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		stats, err := s.comfy.SystemStats(ctx)
		if err != nil {
			resp.Status = "degraded"
			resp.Comfy = &comfyInfo{Reachable: false, Error: err.Error()}
			code = http.StatusServiceUnavailable
		} else {
			resp.Comfy = &comfyInfo{
				Reachable:      true,
				Version:        stats.System.ComfyUIVersion,
				Devices:        len(stats.Devices),
				QueueRemaining: s.comfy.QueueRemaining(),
				FeedConnected:  s.comfy.FeedConnected(),
			}
		}
	}
	writeJSON(w, code, resp)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"elapsed", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
