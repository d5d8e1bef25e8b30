package server

import (
	"errors"
	"net"
	"strings"
)

// ErrLineTooLong is returned by ReadLine when an inbound line exceeds the
// configured maximum size.
var ErrLineTooLong = errors.New("line exceeds maximum size")

// Conn is a line-oriented client transport. ReadLine is called from a single
// reader goroutine and WriteLine from a single writer goroutine; Close may be
// called from anywhere, more than once.
type Conn interface {
	// ReadLine returns the next inbound line without its terminator.
	ReadLine() (string, error)
	// WriteLine writes one outbound line and terminates it.
	WriteLine(line string) error
	Close() error
	RemoteAddr() net.Addr
}

// pinger is implemented by transports that need keepalive probes.
type pinger interface {
	Ping() error
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil || errors.Is(err, net.ErrClosed) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset by peer")
}
