package comfy

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Options tunes a Client. The zero value is usable.
type Options struct {
	// HTTPClient overrides the transport used for REST calls. Tests point
	// this at httptest servers.
	HTTPClient *http.Client
	// Logger receives connection and routing noise. Defaults to
	// slog.Default.
	Logger *slog.Logger
	// UpdateBuffer is the per-prompt update channel depth. Non-terminal
	// updates are dropped rather than block the feed reader once a slow
	// consumer falls this far behind.
	UpdateBuffer int
}

// Client talks to one ComfyUI server. A Client carries a stable client ID;
// the server uses it to address execution events for the prompts this
// client queued.
type Client struct {
	base     string
	clientID string
	httpc    *http.Client
	log      *slog.Logger
	sock     *socket
	buffer   int

	mu      sync.Mutex
	pending map[string]*Prompt
	// prompt currently executing, used to route progress events from
	// servers that omit the prompt_id
	active string

	queueRemaining atomic.Int64
}

// New returns a client for the server at host:port.
func New(host string, port int, opts *Options) *Client {
	if opts == nil {
		opts = &Options{}
	}
	httpc := opts.HTTPClient
	if httpc == nil {
		httpc = &http.Client{}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	buffer := opts.UpdateBuffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Client{
		base:     net.JoinHostPort(host, strconv.Itoa(port)),
		clientID: uuid.NewString(),
		httpc:    httpc,
		log:      log,
		buffer:   buffer,
		pending:  make(map[string]*Prompt),
	}
}

// ClientID returns the ID sent with queued prompts and the WebSocket
// subscription.
func (c *Client) ClientID() string {
	return c.clientID
}

// Addr returns the host:port the client targets.
func (c *Client) Addr() string {
	return c.base
}

func (c *Client) apiURL(path string) string {
	return "http://" + c.base + path
}

// StartFeed subscribes to the server's WebSocket event feed. Without the
// feed the client still works; callers then watch /history for completion
// instead of receiving pushed updates.
func (c *Client) StartFeed(ctx context.Context) error {
	sock := newSocket("ws://"+c.base+"/ws?clientId="+c.clientID, c.log, c.route)
	if err := sock.start(ctx); err != nil {
		return err
	}
	c.sock = sock
	return nil
}

// FeedConnected reports whether the WebSocket feed is currently up.
func (c *Client) FeedConnected() bool {
	return c.sock != nil && c.sock.isConnected()
}

// QueueRemaining returns the server's queue depth as of the last status
// event.
func (c *Client) QueueRemaining() int {
	return int(c.queueRemaining.Load())
}

// Close tears down the WebSocket feed and releases every pending prompt
// channel.
func (c *Client) Close() {
	if c.sock != nil {
		c.sock.stop()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, p := range c.pending {
		delete(c.pending, id)
		close(p.Updates)
	}
}

// Forget stops update delivery for a prompt and closes its channel. Callers
// that give up on a prompt must call Forget so the feed does not hold its
// channel forever; forgetting an already finished prompt is a no-op.
func (c *Client) Forget(promptID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pending[promptID]; ok {
		delete(c.pending, promptID)
		close(p.Updates)
	}
}

// register is called with c.mu held; see QueuePrompt.
func (c *Client) register(p *Prompt) {
	p.Updates = make(chan Update, c.buffer)
	c.pending[p.ID] = p
}

func (c *Client) route(data []byte) {
	var msg WSMessage
	if err := msg.UnmarshalJSON(data); err != nil {
		c.log.Debug("unparseable feed message", "error", err)
		return
	}

	switch d := msg.Data.(type) {
	case *WSStatusData:
		c.queueRemaining.Store(int64(d.Status.ExecInfo.QueueRemaining))
	case *WSExecutionStartData:
		c.setActive(d.PromptID)
		c.push(d.PromptID, Update{Kind: UpdateStarted})
	case *WSExecutingData:
		if d.Node == nil {
			c.push(d.PromptID, Update{Kind: UpdateCompleted})
			return
		}
		c.push(d.PromptID, Update{Kind: UpdateExecuting, Node: *d.Node})
	case *WSProgressData:
		id := d.PromptID
		if id == "" {
			id = c.getActive()
		}
		u := Update{Kind: UpdateProgress, Value: d.Value, Max: d.Max}
		if d.Node != nil {
			u.Node = *d.Node
		}
		c.push(id, u)
	case *WSExecutedData:
		c.push(d.PromptID, Update{Kind: UpdateOutput, Node: d.Node, Outputs: d.Output})
	case *WSExecutionSuccessData:
		c.push(d.PromptID, Update{Kind: UpdateCompleted})
	case *WSExecutionInterruptedData:
		c.push(d.PromptID, Update{
			Kind: UpdateInterrupted,
			Err:  &RemoteError{Interrupted: true, NodeID: d.Node, NodeType: d.NodeType},
		})
	case *WSExecutionErrorData:
		c.push(d.PromptID, Update{
			Kind: UpdateFailed,
			Err: &RemoteError{
				NodeID:        d.Node,
				NodeType:      d.NodeType,
				ExceptionType: d.ExceptionType,
				Message:       d.ExceptionMessage,
				Traceback:     d.Traceback,
			},
		})
	}
}

func (c *Client) setActive(promptID string) {
	c.mu.Lock()
	c.active = promptID
	c.mu.Unlock()
}

func (c *Client) getActive() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// push delivers one update to a pending prompt. Terminal updates close the
// channel and drop the prompt from the registry, so a late duplicate
// terminal event from the server is discarded here. Non-terminal updates
// are dropped when the consumer is not keeping up.
func (c *Client) push(promptID string, u Update) {
	if promptID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[promptID]
	if !ok {
		return
	}
	select {
	case p.Updates <- u:
	default:
		c.log.Debug("dropping update for slow consumer", "prompt_id", promptID, "kind", u.Kind)
	}
	if u.Terminal() {
		delete(c.pending, promptID)
		close(p.Updates)
	}
}
