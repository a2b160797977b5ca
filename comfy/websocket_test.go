package comfy

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// feedServer is a stub ComfyUI that accepts prompts and lets the test push
// arbitrary event feed messages.
type feedServer struct {
	srv      *httptest.Server
	conns    chan *websocket.Conn
	promptID string
}

func newFeedServer(t *testing.T, promptID string) *feedServer {
	t.Helper()
	fs := &feedServer{conns: make(chan *websocket.Conn, 1), promptID: promptID}
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("clientId") == "" {
			t.Error("feed subscription carried no clientId")
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		fs.conns <- conn
		// hold the read side open until the client hangs up
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	mux.HandleFunc("/prompt", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"prompt_id": fs.promptID, "number": 1})
	})
	fs.srv = httptest.NewServer(mux)
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *feedServer) send(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("send feed message: %v", err)
	}
}

func collectUpdates(t *testing.T, p *Prompt, want int) []Update {
	t.Helper()
	var updates []Update
	deadline := time.After(5 * time.Second)
	for len(updates) < want {
		select {
		case u, ok := <-p.Updates:
			if !ok {
				return updates
			}
			updates = append(updates, u)
		case <-deadline:
			t.Fatalf("timed out after %d updates: %v", len(updates), updates)
		}
	}
	return updates
}

func TestFeedRoutesExecutionUpdates(t *testing.T) {
	fs := newFeedServer(t, "p1")
	c := newTestClient(t, fs.srv)
	defer c.Close()

	if err := c.StartFeed(t.Context()); err != nil {
		t.Fatalf("StartFeed failed: %v", err)
	}
	if !c.FeedConnected() {
		t.Fatal("feed should be connected")
	}
	conn := <-fs.conns

	p, err := c.QueuePrompt(t.Context(), testGraph(t))
	if err != nil {
		t.Fatalf("QueuePrompt failed: %v", err)
	}

	fs.send(t, conn, `{"type": "execution_start", "data": {"prompt_id": "p1"}}`)
	fs.send(t, conn, `{"type": "executing", "data": {"node": "3", "prompt_id": "p1"}}`)
	fs.send(t, conn, `{"type": "progress", "data": {"value": 3, "max": 6, "prompt_id": "p1", "node": "3"}}`)
	fs.send(t, conn, `{"type": "executed", "data": {"node": "126", "output": {"gifs": [{"filename": "loop.webp", "subfolder": "", "type": "output"}]}, "prompt_id": "p1"}}`)
	fs.send(t, conn, `{"type": "executing", "data": {"node": null, "prompt_id": "p1"}}`)

	updates := collectUpdates(t, p, 5)
	kinds := make([]string, len(updates))
	for i, u := range updates {
		kinds[i] = u.Kind
	}
	want := []string{UpdateStarted, UpdateExecuting, UpdateProgress, UpdateOutput, UpdateCompleted}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("update kinds = %v, want %v", kinds, want)
		}
	}
	if updates[2].Value != 3 || updates[2].Max != 6 {
		t.Fatalf("progress update = %+v", updates[2])
	}
	if refs := updates[3].Outputs["gifs"]; len(refs) != 1 || refs[0].Filename != "loop.webp" {
		t.Fatalf("output update = %+v", updates[3])
	}

	// terminal update closes the channel
	select {
	case _, ok := <-p.Updates:
		if ok {
			t.Fatal("expected the update channel to be closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after terminal update")
	}
}

func TestFeedExecutionError(t *testing.T) {
	fs := newFeedServer(t, "p2")
	c := newTestClient(t, fs.srv)
	defer c.Close()

	if err := c.StartFeed(t.Context()); err != nil {
		t.Fatalf("StartFeed failed: %v", err)
	}
	conn := <-fs.conns

	p, err := c.QueuePrompt(t.Context(), testGraph(t))
	if err != nil {
		t.Fatalf("QueuePrompt failed: %v", err)
	}

	fs.send(t, conn, `{"type": "execution_start", "data": {"prompt_id": "p2"}}`)
	fs.send(t, conn, `{"type": "execution_error", "data": {"prompt_id": "p2", "node_id": "3", "node_type": "KSampler", "exception_message": "CUDA out of memory", "exception_type": "OOM"}}`)

	updates := collectUpdates(t, p, 2)
	last := updates[len(updates)-1]
	if last.Kind != UpdateFailed {
		t.Fatalf("last update = %+v", last)
	}
	if last.Err == nil || last.Err.Message != "CUDA out of memory" {
		t.Fatalf("remote error = %+v", last.Err)
	}
}

func TestFeedTracksQueueRemaining(t *testing.T) {
	fs := newFeedServer(t, "p3")
	c := newTestClient(t, fs.srv)
	defer c.Close()

	if err := c.StartFeed(t.Context()); err != nil {
		t.Fatalf("StartFeed failed: %v", err)
	}
	conn := <-fs.conns
	fs.send(t, conn, `{"type": "status", "data": {"status": {"exec_info": {"queue_remaining": 4}}}}`)

	deadline := time.Now().Add(5 * time.Second)
	for c.QueueRemaining() != 4 {
		if time.Now().After(deadline) {
			t.Fatalf("queue remaining = %d, want 4", c.QueueRemaining())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestForgetStopsDelivery(t *testing.T) {
	fs := newFeedServer(t, "p4")
	c := newTestClient(t, fs.srv)
	defer c.Close()

	if err := c.StartFeed(t.Context()); err != nil {
		t.Fatalf("StartFeed failed: %v", err)
	}
	conn := <-fs.conns

	p, err := c.QueuePrompt(t.Context(), testGraph(t))
	if err != nil {
		t.Fatalf("QueuePrompt failed: %v", err)
	}
	c.Forget(p.ID)
	if _, ok := <-p.Updates; ok {
		t.Fatal("expected a closed channel after Forget")
	}
	// a forgotten prompt's events are dropped without panicking
	fs.send(t, conn, `{"type": "execution_start", "data": {"prompt_id": "p4"}}`)
	time.Sleep(50 * time.Millisecond)
	c.Forget(p.ID)
}
