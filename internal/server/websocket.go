package server

import (
	"errors"
	"net"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// wsConn carries the line protocol over WebSocket text frames. One inbound
// frame may hold several newline-separated lines; each outbound line is
// sent as its own frame.
type wsConn struct {
	conn         *websocket.Conn
	pending      []string
	writeTimeout time.Duration
}

func newWSConn(conn *websocket.Conn, maxLineSize int, writeTimeout time.Duration) *wsConn {
	conn.SetReadLimit(int64(maxLineSize))
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	return &wsConn{conn: conn, writeTimeout: writeTimeout}
}

func (c *wsConn) ReadLine() (string, error) {
	for len(c.pending) == 0 {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				return "", ErrLineTooLong
			}
			return "", err
		}
		if kind != websocket.TextMessage {
			continue
		}
		for _, line := range strings.Split(string(data), "\n") {
			c.pending = append(c.pending, strings.TrimSuffix(line, "\r"))
		}
	}

	line := c.pending[0]
	c.pending = c.pending[1:]
	return line, nil
}

func (c *wsConn) WriteLine(line string) error {
	if err := c.conn.SetWriteDeadline(c.deadline()); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, []byte(line))
}

func (c *wsConn) Ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, c.deadline())
}

// Close sends a normal close frame on a best-effort basis, then closes the
// underlying connection.
func (c *wsConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, c.deadline())
	return c.conn.Close()
}

func (c *wsConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *wsConn) deadline() time.Time {
	if c.writeTimeout <= 0 {
		return time.Now().Add(defaultWriteTimeout)
	}
	return time.Now().Add(c.writeTimeout)
}
