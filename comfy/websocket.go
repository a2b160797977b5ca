package comfy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// socket keeps one WebSocket subscription to the server's event feed alive.
// After the initial dial it reconnects on its own with exponential backoff;
// the shim may outlive many inference server restarts.
type socket struct {
	url       string
	log       *slog.Logger
	onMessage func([]byte)
	baseDelay time.Duration
	maxDelay  time.Duration

	mu        sync.Mutex
	conn      *websocket.Conn
	stopped   bool
	connected atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}
}

func newSocket(url string, log *slog.Logger, onMessage func([]byte)) *socket {
	return &socket{
		url:       url,
		log:       log,
		onMessage: onMessage,
		baseDelay: 1 * time.Second,
		maxDelay:  30 * time.Second,
	}
}

// start dials the feed and launches the read loop. The first dial is
// synchronous so the caller learns immediately whether the feed is
// reachable; ctx bounds only that first dial, the loop itself runs until
// stop is called.
func (s *socket) start(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}
	s.setConn(conn)

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx, conn)
	return nil
}

func (s *socket) run(ctx context.Context, conn *websocket.Conn) {
	defer close(s.done)
	for {
		s.readLoop(conn)
		s.connected.Store(false)
		if ctx.Err() != nil {
			return
		}

		delay := s.baseDelay
		for {
			s.log.Warn("event feed disconnected, reconnecting", "delay", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			next, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
			if err == nil {
				conn = next
				s.setConn(next)
				s.log.Info("event feed reconnected")
				break
			}
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("event feed dial failed", "error", err)
			delay *= 2
			if delay > s.maxDelay {
				delay = s.maxDelay
			}
		}
	}
}

func (s *socket) readLoop(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		// binary frames are latent previews, nothing the shim tracks
		if msgType != websocket.TextMessage {
			continue
		}
		if s.onMessage != nil {
			s.onMessage(data)
		}
	}
}

// setConn records the live connection. A connection arriving after stop is
// closed on the spot so the read loop cannot outlive the socket.
func (s *socket) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.mu.Unlock()
	s.connected.Store(true)
}

func (s *socket) isConnected() bool {
	return s.connected.Load()
}

// stop tears the subscription down and waits for the read loop to exit.
func (s *socket) stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	s.stopped = true
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	if s.done != nil {
		<-s.done
	}
}
