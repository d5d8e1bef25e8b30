package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Tyrowin/chatrelay/internal/logging"
	"github.com/Tyrowin/chatrelay/internal/metrics"
	"github.com/Tyrowin/chatrelay/internal/router"
	"go.uber.org/zap"
)

// ErrHubClosed is returned by Serve once Shutdown has begun.
var ErrHubClosed = errors.New("hub is shut down")

// Hub tracks every live connection, whatever its transport, and owns the
// goroutines that serve them.
type Hub struct {
	log     *zap.Logger
	cfg     Config
	router  *router.Router
	metrics *metrics.Metrics

	mu      sync.Mutex
	clients map[*Client]struct{}
	closed  bool
	wg      sync.WaitGroup
}

// NewHub creates a Hub that dispatches inbound lines to r.
func NewHub(log *zap.Logger, cfg Config, r *router.Router, m *metrics.Metrics) *Hub {
	return &Hub{
		log:     logging.OrNop(log),
		cfg:     cfg,
		router:  r,
		metrics: m,
		clients: make(map[*Client]struct{}),
	}
}

// Serve registers conn and starts its read and write pumps.
func (h *Hub) Serve(conn Conn) (*Client, error) {
	client := newClient(conn, h)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	h.clients[client] = struct{}{}
	count := len(h.clients)
	h.wg.Add(2)
	h.mu.Unlock()

	h.metrics.ConnectionOpened()
	client.log.Info("client connected", zap.Int("clients", count))

	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()
	return client, nil
}

// ClientCount returns the number of live connections.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()

	if ok {
		h.metrics.ConnectionClosed()
	}
}

func (h *Hub) snapshot() []*Client {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	return clients
}

// Shutdown stops accepting connections, closes every live one after its
// queued lines are flushed, and waits for their goroutines. Connections still
// open when timeout expires are closed forcibly and context.DeadlineExceeded
// is returned.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	clients := h.snapshot()
	h.log.Info("shutting down client connections", zap.Int("clients", len(clients)))
	for _, c := range clients {
		_ = c.Close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		for _, c := range h.snapshot() {
			c.closeConnection()
		}
		h.log.Warn("hub shutdown timed out, connections closed forcibly")
		return context.DeadlineExceeded
	}
}
