package proxy

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/itproxy/itproxy-srv/logger"
	"github.com/codefionn/itproxy/itproxy-srv/metrics"
)

var errEngineClosed = errors.New("proxy engine closed")

// connTracker keeps every open upstream connection so they can be closed
// together, including connections taken over by protocol upgrades.
type connTracker struct {
	metrics *metrics.Collector

	mu     sync.Mutex
	conns  map[*trackedConn]struct{}
	closed bool
}

func newConnTracker(m *metrics.Collector) *connTracker {
	return &connTracker{metrics: m, conns: make(map[*trackedConn]struct{})}
}

func (t *connTracker) track(conn net.Conn) (net.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		_ = conn.Close()
		return nil, newCodedError(ErrCodeConnectionClosed, errEngineClosed)
	}

	tc := &trackedConn{Conn: conn, tracker: t, startTime: time.Now()}
	t.conns[tc] = struct{}{}
	return tc, nil
}

func (t *connTracker) remove(tc *trackedConn) {
	t.mu.Lock()
	delete(t.conns, tc)
	t.mu.Unlock()
}

// Len returns the number of open upstream connections.
func (t *connTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

func (t *connTracker) closeAll() error {
	t.mu.Lock()
	t.closed = true
	conns := make([]*trackedConn, 0, len(t.conns))
	for tc := range t.conns {
		conns = append(conns, tc)
	}
	t.mu.Unlock()

	var errs []error
	for _, tc := range conns {
		if err := tc.Close(); err != nil && !isClosedConnError(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// trackedConn is an upstream connection that counts transferred bytes.
type trackedConn struct {
	net.Conn
	tracker       *connTracker
	bytesSent     atomic.Int64
	bytesReceived atomic.Int64
	startTime     time.Time
	closeOnce     sync.Once
}

func (c *trackedConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.bytesReceived.Add(int64(n))
		c.tracker.metrics.UpstreamBytesReceived(n)
	}
	return n, err
}

func (c *trackedConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 {
		c.bytesSent.Add(int64(n))
		c.tracker.metrics.UpstreamBytesSent(n)
	}
	return n, err
}

func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	c.closeOnce.Do(func() {
		c.tracker.remove(c)
		logger.Trace("Upstream connection to %s closed after %s (sent=%d received=%d)",
			c.RemoteAddr(), time.Since(c.startTime).Round(time.Millisecond),
			c.bytesSent.Load(), c.bytesReceived.Load())
	})
	return err
}

func isClosedConnError(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
