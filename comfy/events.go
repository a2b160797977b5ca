package comfy

import (
	"encoding/json"
	"log/slog"
)

// WSMessage is one message from ComfyUI's /ws feed. Data holds a pointer to
// the message-specific payload type selected by Type, or nil for message
// types the shim does not track.
type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

func (m *WSMessage) UnmarshalJSON(b []byte) error {
	// unmarshal into an equivalent anonymous type to avoid infinite recursion
	var temp struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &temp); err != nil {
		return err
	}

	m.Type = temp.Type

	switch m.Type {
	case "status":
		m.Data = &WSStatusData{}
	case "execution_start":
		m.Data = &WSExecutionStartData{}
	case "execution_cached":
		m.Data = &WSExecutionCachedData{}
	case "executing":
		m.Data = &WSExecutingData{}
	case "progress":
		m.Data = &WSProgressData{}
	case "executed":
		m.Data = &WSExecutedData{}
	case "execution_success":
		m.Data = &WSExecutionSuccessData{}
	case "execution_interrupted":
		m.Data = &WSExecutionInterruptedData{}
	case "execution_error":
		m.Data = &WSExecutionErrorData{}
	default:
		// monitoring extensions (crystools and friends) chat on the same
		// socket; their messages carry nothing the shim tracks
		m.Data = nil
	}

	if m.Data != nil && len(temp.Data) > 0 {
		if err := json.Unmarshal(temp.Data, m.Data); err != nil {
			return err
		}
	}

	return nil
}

type WSStatusData struct {
	Status struct {
		ExecInfo struct {
			QueueRemaining int `json:"queue_remaining"`
		} `json:"exec_info"`
	} `json:"status"`
	SID string `json:"sid"`
}

/*
{"type": "status", "data": {"status": {"exec_info": {"queue_remaining": 1}}, "sid": "b3b55bfa4b0f4f6a8f9c2d6f0a6f71b2"}}
*/

type WSExecutionStartData struct {
	PromptID string `json:"prompt_id"`
}

/*
{"type": "execution_start", "data": {"prompt_id": "ed986d60-2a27-4d28-8871-2fdb36582902"}}
*/

type WSExecutionCachedData struct {
	Nodes    []interface{} `json:"nodes"`
	PromptID string        `json:"prompt_id"`
}

/*
{"type": "execution_cached", "data": {"nodes": ["37", "38", "39"], "prompt_id": "ed986d60-2a27-4d28-8871-2fdb36582902"}}
*/

// WSExecutingData announces the node the server is about to run. A nil Node
// means the prompt has finished executing.
type WSExecutingData struct {
	Node     *string `json:"node"`
	PromptID string  `json:"prompt_id"`
}

/*
{"type": "executing", "data": {"node": "3", "prompt_id": "ed986d60-2a27-4d28-8871-2fdb36582902"}}
{"type": "executing", "data": {"node": null, "prompt_id": "ed986d60-2a27-4d28-8871-2fdb36582902"}}
*/

type WSProgressData struct {
	Value    int     `json:"value"`
	Max      int     `json:"max"`
	PromptID string  `json:"prompt_id"`
	Node     *string `json:"node"`
}

/*
{"type": "progress", "data": {"value": 2, "max": 6, "prompt_id": "ed986d60-2a27-4d28-8871-2fdb36582902", "node": "3"}}
*/

// WSExecutedData carries the outputs a node produced. Output is keyed by the
// node's output name ("gifs" for animated WEBP saves, "images" for stills);
// keys whose entries are not artifact references are dropped.
type WSExecutedData struct {
	Node     string                   `json:"node"`
	Output   map[string][]ArtifactRef `json:"output"`
	PromptID string                   `json:"prompt_id"`
}

func (d *WSExecutedData) UnmarshalJSON(b []byte) error {
	var temp struct {
		Node      string                     `json:"node"`
		OutputRaw map[string]json.RawMessage `json:"output"`
		PromptID  string                     `json:"prompt_id"`
	}
	if err := json.Unmarshal(b, &temp); err != nil {
		return err
	}

	d.Node = temp.Node
	d.PromptID = temp.PromptID

	// some node packs emit text or tensors next to file outputs; only keys
	// that decode as artifact reference lists are kept
	d.Output = make(map[string][]ArtifactRef)
	for k, raw := range temp.OutputRaw {
		var refs []ArtifactRef
		if err := json.Unmarshal(raw, &refs); err != nil {
			slog.Debug("dropping non-artifact output", "key", k)
			continue
		}
		kept := refs[:0]
		for _, r := range refs {
			if r.Filename != "" {
				kept = append(kept, r)
			}
		}
		if len(kept) > 0 {
			d.Output[k] = kept
		}
	}

	return nil
}

/*
{"type": "executed", "data": {"node": "126", "output": {"gifs": [{"filename": "seamless_loop_a1b2c3d4_00001_.webp", "subfolder": "", "type": "output"}]}, "prompt_id": "ed986d60-2a27-4d28-8871-2fdb36582902"}}
*/

type WSExecutionSuccessData struct {
	PromptID string `json:"prompt_id"`
}

/*
{"type": "execution_success", "data": {"prompt_id": "ed986d60-2a27-4d28-8871-2fdb36582902", "timestamp": 1719447821000}}
*/

type WSExecutionInterruptedData struct {
	PromptID string   `json:"prompt_id"`
	Node     string   `json:"node_id"`
	NodeType string   `json:"node_type"`
	Executed []string `json:"executed"`
}

/*
{"type": "execution_interrupted", "data": {"prompt_id": "dc7093d7-980a-4fe6-bf0c-f6fef932c74b", "node_id": "3", "node_type": "KSampler", "executed": ["37", "38", "52", "102"]}}
*/

type WSExecutionErrorData struct {
	PromptID         string                 `json:"prompt_id"`
	Node             string                 `json:"node_id"`
	NodeType         string                 `json:"node_type"`
	Executed         []string               `json:"executed"`
	ExceptionMessage string                 `json:"exception_message"`
	ExceptionType    string                 `json:"exception_type"`
	Traceback        []string               `json:"traceback"`
	CurrentInputs    map[string]interface{} `json:"current_inputs"`
	CurrentOutputs   map[string]interface{} `json:"current_outputs"`
}

/*
{"type": "execution_error", "data": {"prompt_id": "dc7093d7-980a-4fe6-bf0c-f6fef932c74b", "node_id": "3", "node_type": "KSampler", "executed": [], "exception_message": "CUDA out of memory", "exception_type": "torch.cuda.OutOfMemoryError", "traceback": [], "current_inputs": {}, "current_outputs": {}}}
*/
