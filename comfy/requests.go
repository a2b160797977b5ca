package comfy

/*
The slice of ComfyUI's server routes the shim relies on:

	@routes.get("/ws")
	@routes.get("/view")
	@routes.get("/history/{prompt_id}")
	@routes.get("/system_stats")
	@routes.post("/prompt")
	@routes.post("/upload/image")
	@routes.post("/interrupt")
	@routes.post("/queue")
*/

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/wanloop/wanloop/workflow"
)

// QueuePrompt submits an API-format graph for execution. On acceptance the
// returned Prompt carries the server-assigned prompt ID and a live update
// channel; on rejection the error is an *APIError when the server explained
// itself.
func (c *Client) QueuePrompt(ctx context.Context, g *workflow.Graph) (*Prompt, error) {
	payload, err := json.Marshal(struct {
		Prompt   *workflow.Graph `json:"prompt"`
		ClientID string          `json:"client_id"`
	}{g, c.clientID})
	if err != nil {
		return nil, fmt.Errorf("encode prompt: %w", err)
	}

	// the registry lock is held across the POST so the feed cannot see
	// events for a prompt before it is registered
	c.mu.Lock()
	defer c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL("/prompt"), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("queue prompt: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, c.errorFrom("queue prompt", resp)
	}

	p := &Prompt{}
	if err := json.NewDecoder(resp.Body).Decode(p); err != nil {
		return nil, fmt.Errorf("decode prompt response: %w", err)
	}
	c.register(p)
	return p, nil
}

// History returns the server's record of a prompt, or nil when the server
// has none yet. A prompt appears in history only once it reaches a terminal
// state.
func (c *Client) History(ctx context.Context, promptID string) (*HistoryEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL("/history/"+url.PathEscape(promptID)), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, c.errorFrom("fetch history", resp)
	}
	var entries map[string]*HistoryEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return entries[promptID], nil
}

// View downloads one produced artifact.
func (c *Client) View(ctx context.Context, ref ArtifactRef) ([]byte, error) {
	q := url.Values{}
	q.Set("filename", ref.Filename)
	q.Set("subfolder", ref.Subfolder)
	q.Set("type", ref.Type)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL("/view")+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch artifact: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, c.errorFrom("fetch artifact", resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return data, nil
}

// SystemStats fetches the server's device report. It doubles as the
// readiness probe: a server that answers it can accept prompts.
func (c *Client) SystemStats(ctx context.Context) (*SystemStats, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL("/system_stats"), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch system stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, c.errorFrom("fetch system stats", resp)
	}
	var stats SystemStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("decode system stats: %w", err)
	}
	return &stats, nil
}

// Interrupt asks the server to abort the prompt it is currently executing.
func (c *Client) Interrupt(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL("/interrupt"), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("interrupt: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return c.errorFrom("interrupt", resp)
	}
	return nil
}

// DeleteQueued removes a prompt that is still waiting in the server's
// queue. It does not touch a prompt that has already started executing.
func (c *Client) DeleteQueued(ctx context.Context, promptID string) error {
	payload, err := json.Marshal(struct {
		Delete []string `json:"delete"`
	}{[]string{promptID}})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL("/queue"), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("delete queued prompt: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return c.errorFrom("delete queued prompt", resp)
	}
	return nil
}

func (c *Client) errorFrom(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	var envelope struct {
		Error      APIError                   `json:"error"`
		NodeErrors map[string]json.RawMessage `json:"node_errors"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr := envelope.Error
		apiErr.NodeErrors = envelope.NodeErrors
		return &apiErr
	}
	return &StatusError{Op: op, Code: resp.StatusCode, Body: excerpt(body)}
}
