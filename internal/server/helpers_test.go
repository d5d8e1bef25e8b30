package server

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/Tyrowin/chatrelay/internal/call"
	"github.com/Tyrowin/chatrelay/internal/group"
	"github.com/Tyrowin/chatrelay/internal/metrics"
	"github.com/Tyrowin/chatrelay/internal/registry"
	"github.com/Tyrowin/chatrelay/internal/router"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const ioTimeout = 2 * time.Second

type relay struct {
	hub      *Hub
	registry *registry.Registry
	calls    *call.Manager
	metrics  *metrics.Metrics
	gatherer *prometheus.Registry
	addr     string
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := NewConfig()
	cfg.AllowedOrigins = "http://allowed.test"
	cfg.SendBuffer = 64
	cfg.WriteTimeout = ioTimeout
	cfg.ShutdownTimeout = ioTimeout
	return cfg
}

// startRelay wires a full relay and serves TCP on a loopback port until the
// test ends.
func startRelay(t *testing.T, cfg Config) *relay {
	t.Helper()
	log := zaptest.NewLogger(t)
	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)
	sessions := registry.NewRegistry()
	calls := call.NewManager()
	r := router.New(log, sessions, group.NewDirectory(sessions), calls, m)
	hub := NewHub(log, cfg, r, m)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.ServeTCP(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
		_ = hub.Shutdown(ioTimeout)
	})

	return &relay{
		hub:      hub,
		registry: sessions,
		calls:    calls,
		metrics:  m,
		gatherer: promReg,
		addr:     ln.Addr().String(),
	}
}

type lineClient struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func dialTCP(t *testing.T, addr string) *lineClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, ioTimeout)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &lineClient{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func (c *lineClient) send(line string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetWriteDeadline(time.Now().Add(ioTimeout)))
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(c.t, err)
}

func (c *lineClient) next() string {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(ioTimeout)))
	line, err := c.reader.ReadString('\n')
	require.NoError(c.t, err)
	return strings.TrimSuffix(line, "\n")
}

func (c *lineClient) expect(want string) {
	c.t.Helper()
	require.Equal(c.t, want, c.next())
}

// expectClosed reads until the server closes the connection.
func (c *lineClient) expectClosed() {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(ioTimeout)))
	for {
		if _, err := c.reader.ReadString('\n'); err != nil {
			var ne net.Error
			require.False(c.t, errors.As(err, &ne) && ne.Timeout(), "connection was not closed")
			return
		}
	}
}

func (c *lineClient) login(name string) {
	c.t.Helper()
	c.send("USERNAME:" + name)
	c.expect("SYSTEM: Welcome, " + name)
}

// metricValue sums every series of the named metric family.
func metricValue(t *testing.T, r *relay, name string) float64 {
	t.Helper()
	families, err := r.gatherer.Gather()
	require.NoError(t, err)

	var total float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			total += m.GetCounter().GetValue() + m.GetGauge().GetValue()
		}
	}
	return total
}
