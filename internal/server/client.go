package server

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/Tyrowin/chatrelay/internal/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Client is one live connection. It owns a bounded outbound queue drained by
// writePump and a readPump that feeds inbound lines to the router.
type Client struct {
	id          string
	conn        Conn
	hub         *Hub
	log         *zap.Logger
	rateLimiter *rateLimiter

	mu       sync.Mutex // guards identity, closed and sends on send
	identity string
	closed   bool
	send     chan string

	teardownOnce sync.Once
}

func newClient(conn Conn, hub *Hub) *Client {
	id := uuid.NewString()
	return &Client{
		id:          id,
		conn:        conn,
		hub:         hub,
		log:         hub.log.With(zap.String("conn_id", id), zap.Stringer("remote_addr", conn.RemoteAddr())),
		rateLimiter: newRateLimiter(hub.cfg.RateLimit()),
		send:        make(chan string, hub.cfg.SendBuffer),
	}
}

// ID returns the connection's unique identifier.
func (c *Client) ID() string {
	return c.id
}

// Identity returns the bound username, or "" before identification.
func (c *Client) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Bind sets the identity once; later calls return false.
func (c *Client) Bind(identity string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity != "" {
		return false
	}
	c.identity = identity
	return true
}

// Send queues line for delivery without blocking. A client whose queue is
// full is considered stuck and is closed.
func (c *Client) Send(line string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- line:
		return true
	default:
		c.log.Warn("send buffer full, closing connection", zap.Int("capacity", cap(c.send)))
		c.hub.metrics.RelayDropped("buffer_full")
		c.closeSendLocked()
		return false
	}
}

// Close stops accepting lines. Lines already queued are flushed before the
// transport is closed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeSendLocked()
	return nil
}

func (c *Client) closeSendLocked() {
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// teardown releases the connection's state exactly once, however many paths
// reach it.
func (c *Client) teardown() {
	c.teardownOnce.Do(func() {
		c.hub.router.Disconnect(c)
		c.hub.remove(c)
		_ = c.Close()
		c.closeConnection()
		c.log.Info("connection closed", zap.String("identity", c.Identity()))
	})
}

func (c *Client) readPump() {
	defer c.teardown()

	for {
		line, err := c.conn.ReadLine()
		if err != nil {
			c.handleReadError(err)
			return
		}
		if line == "" {
			continue
		}
		if !c.checkRateLimit() {
			continue
		}
		c.hub.router.Dispatch(c, line)
	}
}

// handleReadError logs the reason the read side stopped.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, ErrLineTooLong):
		c.log.Warn("line exceeded maximum size", zap.Int("max_line_size", c.hub.cfg.MaxLineSize))
		c.hub.metrics.Rejected("line_too_long")
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		c.log.Debug("client disconnected", zap.Error(err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.Debug("connection closed by peer", zap.Error(err))
	default:
		c.log.Warn("read error", zap.Error(err))
	}
}

// checkRateLimit reports whether the next line may be processed.
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter.allow() {
		return true
	}
	c.hub.metrics.RateLimited()
	c.log.Debug("rate limit exceeded, discarding line",
		zap.Int("burst", c.hub.cfg.RateLimitBurst),
		zap.Duration("refill_interval", c.hub.cfg.RateLimitRefill))
	c.Send(protocol.System("Rate limit exceeded; line discarded"))
	return false
}

func (c *Client) writePump() {
	var ping <-chan time.Time
	p, canPing := c.conn.(pinger)
	if canPing {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		ping = ticker.C
	}
	defer c.closeConnection()

	for {
		select {
		case line, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.WriteLine(line); err != nil {
				if !isExpectedCloseError(err) {
					c.log.Warn("write failed", zap.Error(err))
				}
				_ = c.Close()
				return
			}
		case <-ping:
			if err := p.Ping(); err != nil {
				c.log.Debug("ping failed", zap.Error(err))
				_ = c.Close()
				return
			}
		}
	}
}

func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Debug("error closing connection", zap.Error(err))
	}
}
