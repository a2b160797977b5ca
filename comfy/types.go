// Package comfy is a thin client for a locally running ComfyUI server. It
// covers the slice of the server's API a deployment shim needs: queueing
// API-format prompts, following execution over the WebSocket feed, reading
// back history, fetching rendered artifacts and uploading input images.
package comfy

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ArtifactRef locates one file the server produced or holds. The fields map
// directly onto the query parameters of the /view endpoint.
type ArtifactRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

func (r ArtifactRef) String() string {
	if r.Subfolder == "" {
		return r.Filename
	}
	return r.Subfolder + "/" + r.Filename
}

// Prompt is one accepted workflow execution. Updates carries the execution
// events routed from the WebSocket feed; it is closed after a terminal
// event. When the feed is not connected the channel stays silent and
// callers watch /history instead.
type Prompt struct {
	ID         string                     `json:"prompt_id"`
	Number     int                        `json:"number"`
	NodeErrors map[string]json.RawMessage `json:"node_errors"`
	Updates    chan Update                `json:"-"`
}

// Update kinds, in the order a successful execution emits them.
const (
	UpdateStarted     = "started"
	UpdateExecuting   = "executing"
	UpdateProgress    = "progress"
	UpdateOutput      = "output"
	UpdateCompleted   = "completed"
	UpdateInterrupted = "interrupted"
	UpdateFailed      = "failed"
)

// Update is one execution event for a prompt.
type Update struct {
	Kind    string
	Node    string
	Value   int
	Max     int
	Outputs map[string][]ArtifactRef
	Err     *RemoteError
}

// Terminal reports whether no further updates follow this one.
func (u Update) Terminal() bool {
	switch u.Kind {
	case UpdateCompleted, UpdateInterrupted, UpdateFailed:
		return true
	}
	return false
}

// RemoteError describes an execution failure reported by the server.
type RemoteError struct {
	NodeID        string
	NodeType      string
	ExceptionType string
	Message       string
	Traceback     []string
	Interrupted   bool
}

func (e *RemoteError) Error() string {
	switch {
	case e.Interrupted:
		return "execution interrupted by request"
	case e.NodeType != "":
		return fmt.Sprintf("%s (node %s): %s", e.NodeType, e.NodeID, e.Message)
	default:
		return e.Message
	}
}

// APIError is the error envelope ComfyUI returns when it rejects a prompt,
// for example when a bound value fails the node's input validation.
type APIError struct {
	Type       string                     `json:"type"`
	Message    string                     `json:"message"`
	Details    string                     `json:"details"`
	ExtraInfo  map[string]interface{}     `json:"extra_info"`
	NodeErrors map[string]json.RawMessage `json:"-"`
}

func (e *APIError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Details)
	}
	return e.Message
}

// StatusError is a non-2xx response that did not carry ComfyUI's error
// envelope.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: comfyui returned status %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: comfyui returned status %d: %s", e.Op, e.Code, e.Body)
}

// NodeOutput is the per-node slice of a history entry's outputs. Animated
// saves land under gifs, stills under images; other output kinds are not
// artifacts and are ignored.
type NodeOutput struct {
	Gifs   []ArtifactRef `json:"gifs"`
	Images []ArtifactRef `json:"images"`
}

// HistoryMessage is one entry of a history status message list. On the wire
// it is a two-element array of name and payload.
type HistoryMessage struct {
	Name string
	Data json.RawMessage
}

func (m *HistoryMessage) UnmarshalJSON(b []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(b, &tuple); err != nil {
		return err
	}
	if len(tuple) > 0 {
		if err := json.Unmarshal(tuple[0], &m.Name); err != nil {
			return err
		}
	}
	if len(tuple) > 1 {
		m.Data = tuple[1]
	}
	return nil
}

// HistoryStatus is the terminal status block of a history entry.
type HistoryStatus struct {
	StatusStr string           `json:"status_str"`
	Completed bool             `json:"completed"`
	Messages  []HistoryMessage `json:"messages"`
}

// HistoryEntry is the server's record of one executed prompt.
type HistoryEntry struct {
	Outputs map[string]NodeOutput `json:"outputs"`
	Status  HistoryStatus         `json:"status"`
}

// Failed reports whether the entry records a failed execution.
func (h *HistoryEntry) Failed() bool {
	return h.Status.StatusStr == "error"
}

// ExecutionError digs the execution_error payload out of the status
// messages of a failed entry. It returns nil when no such message exists.
func (h *HistoryEntry) ExecutionError() *RemoteError {
	for _, m := range h.Status.Messages {
		switch m.Name {
		case "execution_error":
			var data WSExecutionErrorData
			if err := json.Unmarshal(m.Data, &data); err != nil {
				continue
			}
			return &RemoteError{
				NodeID:        data.Node,
				NodeType:      data.NodeType,
				ExceptionType: data.ExceptionType,
				Message:       data.ExceptionMessage,
				Traceback:     data.Traceback,
			}
		case "execution_interrupted":
			return &RemoteError{Interrupted: true}
		}
	}
	return nil
}

// SystemStats is the server and device report from /system_stats. The shim
// uses it as a readiness and liveness probe.
type SystemStats struct {
	System struct {
		OS             string `json:"os"`
		ComfyUIVersion string `json:"comfyui_version"`
		PythonVersion  string `json:"python_version"`
		RAMTotal       int64  `json:"ram_total"`
		RAMFree        int64  `json:"ram_free"`
	} `json:"system"`
	Devices []DeviceStats `json:"devices"`
}

// DeviceStats describes one compute device of the server.
type DeviceStats struct {
	Name           string `json:"name"`
	Type           string `json:"type"`
	VRAMTotal      int64  `json:"vram_total"`
	VRAMFree       int64  `json:"vram_free"`
	TorchVRAMTotal int64  `json:"torch_vram_total"`
	TorchVRAMFree  int64  `json:"torch_vram_free"`
}

func excerpt(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
