package runner

import (
	"fmt"
	"time"
)

// ValidationError rejects a request before anything is sent to the
// inference server.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Reason)
}

// ConnectionError is a failure to reach the inference server at all: the
// request never produced an HTTP response.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("inference server unreachable (%s): %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ServerError is a failure the inference server itself reported, either by
// rejecting the prompt at submission or by failing during execution. The
// wrapped error preserves the server's reason; for execution failures it is
// a *comfy.RemoteError carrying the failing node and exception.
type ServerError struct {
	Op  string
	Err error
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("inference server (%s): %v", e.Op, e.Err)
}

func (e *ServerError) Unwrap() error { return e.Err }

// TimeoutError means the job did not reach a terminal state within the
// caller's deadline. The job may still be running on the server; nothing is
// resubmitted on its behalf.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("job not finished after %s; remote outcome unknown", e.Timeout)
}
