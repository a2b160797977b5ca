package comfy

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/wanloop/wanloop/workflow"
)

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse server port: %v", err)
	}
	return New(u.Hostname(), port, &Options{
		HTTPClient: srv.Client(),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func testGraph(t *testing.T) *workflow.Graph {
	t.Helper()
	g, err := workflow.Parse([]byte(`{"3": {"class_type": "KSampler", "inputs": {"seed": 1}}}`))
	if err != nil {
		t.Fatalf("parse graph: %v", err)
	}
	return g
}

func TestQueuePrompt(t *testing.T) {
	var gotBody struct {
		Prompt   map[string]json.RawMessage `json:"prompt"`
		ClientID string                     `json:"client_id"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/prompt" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"prompt_id":   "ed986d60-2a27-4d28-8871-2fdb36582902",
			"number":      7,
			"node_errors": map[string]interface{}{},
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	p, err := c.QueuePrompt(t.Context(), testGraph(t))
	if err != nil {
		t.Fatalf("QueuePrompt failed: %v", err)
	}
	if p.ID != "ed986d60-2a27-4d28-8871-2fdb36582902" || p.Number != 7 {
		t.Fatalf("prompt = %+v", p)
	}
	if p.Updates == nil {
		t.Fatal("prompt has no update channel")
	}
	if gotBody.ClientID != c.ClientID() {
		t.Fatalf("client_id = %q, want %q", gotBody.ClientID, c.ClientID())
	}
	if _, ok := gotBody.Prompt["3"]; !ok {
		t.Fatalf("submitted graph lost node 3: %v", gotBody.Prompt)
	}
}

func TestQueuePromptRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{
			"error": {"type": "prompt_outputs_failed_validation", "message": "Prompt outputs failed validation", "details": "LoadImage 52: image not found"},
			"node_errors": {"52": {"errors": []}}
		}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.QueuePrompt(t.Context(), testGraph(t))
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.Type != "prompt_outputs_failed_validation" {
		t.Fatalf("type = %q", apiErr.Type)
	}
	if !strings.Contains(apiErr.Error(), "LoadImage 52") {
		t.Fatalf("error text = %q", apiErr.Error())
	}
	if _, ok := apiErr.NodeErrors["52"]; !ok {
		t.Fatalf("node errors lost: %v", apiErr.NodeErrors)
	}
}

func TestQueuePromptUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	c := newTestClient(t, srv)
	srv.Close()

	_, err := c.QueuePrompt(t.Context(), testGraph(t))
	if err == nil {
		t.Fatal("expected an error against a closed server")
	}
	var apiErr *APIError
	var statusErr *StatusError
	if errors.As(err, &apiErr) || errors.As(err, &statusErr) {
		t.Fatalf("transport failure misreported as a server response: %v", err)
	}
}

func TestHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/history/p1":
			io.WriteString(w, `{"p1": {
				"outputs": {"126": {"gifs": [{"filename": "seamless_loop_00001_.webp", "subfolder": "", "type": "output"}]}},
				"status": {"status_str": "success", "completed": true, "messages": []}
			}}`)
		case "/history/p2":
			io.WriteString(w, `{}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	entry, err := c.History(t.Context(), "p1")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if entry == nil || !entry.Status.Completed {
		t.Fatalf("entry = %+v", entry)
	}
	gifs := entry.Outputs["126"].Gifs
	if len(gifs) != 1 || gifs[0].Filename != "seamless_loop_00001_.webp" {
		t.Fatalf("gifs = %v", gifs)
	}

	entry, err = c.History(t.Context(), "p2")
	if err != nil {
		t.Fatalf("History failed for absent prompt: %v", err)
	}
	if entry != nil {
		t.Fatalf("expected nil entry for absent prompt, got %+v", entry)
	}
}

func TestView(t *testing.T) {
	payload := []byte("RIFF....WEBPVP8 ")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/view" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("filename") != "loop.webp" || q.Get("subfolder") != "" || q.Get("type") != "output" {
			t.Errorf("unexpected query %v", q)
		}
		w.Write(payload)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	data, err := c.View(t.Context(), ArtifactRef{Filename: "loop.webp", Type: "output"})
	if err != nil {
		t.Fatalf("View failed: %v", err)
	}
	if string(data) != string(payload) {
		t.Fatalf("payload mismatch: %q", data)
	}
}

func TestViewNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.View(t.Context(), ArtifactRef{Filename: "gone.webp", Type: "output"})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected *StatusError, got %v", err)
	}
	if statusErr.Code != http.StatusNotFound {
		t.Fatalf("code = %d", statusErr.Code)
	}
}

func TestSystemStats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/system_stats" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		io.WriteString(w, `{
			"system": {"os": "posix", "comfyui_version": "0.3.27", "python_version": "3.11.8", "ram_total": 67108864, "ram_free": 33554432},
			"devices": [{"name": "cuda:0 NVIDIA A40", "type": "cuda", "vram_total": 48305799168, "vram_free": 47000000000}]
		}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	stats, err := c.SystemStats(t.Context())
	if err != nil {
		t.Fatalf("SystemStats failed: %v", err)
	}
	if stats.System.ComfyUIVersion != "0.3.27" || len(stats.Devices) != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.Devices[0].Type != "cuda" {
		t.Fatalf("device = %+v", stats.Devices[0])
	}
}

func TestInterrupt(t *testing.T) {
	var called bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/interrupt" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		called = true
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	if err := c.Interrupt(t.Context()); err != nil {
		t.Fatalf("Interrupt failed: %v", err)
	}
	if !called {
		t.Fatal("interrupt never reached the server")
	}
}

func TestDeleteQueued(t *testing.T) {
	var got struct {
		Delete []string `json:"delete"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/queue" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	if err := c.DeleteQueued(t.Context(), "p1"); err != nil {
		t.Fatalf("DeleteQueued failed: %v", err)
	}
	if len(got.Delete) != 1 || got.Delete[0] != "p1" {
		t.Fatalf("delete body = %v", got.Delete)
	}
}

func TestUploadImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/upload/image" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if got := r.FormValue("overwrite"); got != "true" {
			t.Errorf("overwrite = %q", got)
		}
		if got := r.FormValue("type"); got != "input" {
			t.Errorf("type = %q", got)
		}
		file, header, err := r.FormFile("image")
		if err != nil {
			t.Errorf("form file: %v", err)
		} else {
			defer file.Close()
			if header.Filename != "input_a1b2c3d4.png" {
				t.Errorf("filename = %q", header.Filename)
			}
		}
		// the server may rename a colliding upload
		json.NewEncoder(w).Encode(map[string]string{
			"name": "input_a1b2c3d4 (1).png", "subfolder": "", "type": "input",
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	name, err := c.UploadImage(t.Context(), strings.NewReader("\x89PNG fake"), "input_a1b2c3d4.png", true, InputImageType, "")
	if err != nil {
		t.Fatalf("UploadImage failed: %v", err)
	}
	if name != "input_a1b2c3d4 (1).png" {
		t.Fatalf("name = %q", name)
	}
}
