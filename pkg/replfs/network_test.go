package replfs

import (
	"net"
	"net/netip"
	"os"
	"sync"
	"testing"
	"time"
)

type testLogger struct {
	t *testing.T
}

func newTestLogger(t *testing.T) *testLogger {
	return &testLogger{t: t}
}

func (l *testLogger) Debug(level int, format string, args ...interface{}) {
	if level > 1 {
		return
	}

	l.t.Logf("debug: "+format, args...)
}

func (l *testLogger) Info(format string, args ...interface{}) {
	l.t.Logf("info: "+format, args...)
}

func (l *testLogger) Error(format string, args ...interface{}) {
	l.t.Logf("error: "+format, args...)
}

type testDatagram struct {
	from netip.AddrPort
	data []byte
}

// testDropFunc decides whether a datagram sent by from is lost before
// reaching to.
type testDropFunc func(from, to netip.AddrPort, msg Msg) bool

// testNetwork delivers every datagram sent by one of its connections to all
// the other connections.
type testNetwork struct {
	mu       sync.Mutex
	conns    []*testConn
	nextPort uint16
	drop     testDropFunc
}

func newTestNetwork() *testNetwork {
	return &testNetwork{nextPort: 50000}
}

func (n *testNetwork) SetDropFunc(fn testDropFunc) {
	n.mu.Lock()
	n.drop = fn
	n.mu.Unlock()
}

func (n *testNetwork) NewConn() *testConn {
	n.mu.Lock()
	addr := netip.AddrPortFrom(netip.MustParseAddr("10.0.0.1"), n.nextPort)
	n.nextPort++
	n.mu.Unlock()

	return n.NewConnAt(addr)
}

// NewConnAt creates a connection with a fixed address, replacing any
// previous connection using it.
func (n *testNetwork) NewConnAt(addr netip.AddrPort) *testConn {
	n.mu.Lock()
	defer n.mu.Unlock()

	conns := n.conns[:0]
	for _, c := range n.conns {
		if c.addr != addr {
			conns = append(conns, c)
		}
	}
	n.conns = conns

	c := testConn{
		network: n,
		addr:    addr,
		queue:   make(chan testDatagram, 4096),
		closed:  make(chan struct{}),
	}

	n.conns = append(n.conns, &c)

	return &c
}

func (n *testNetwork) deliver(from netip.AddrPort, data []byte) {
	n.mu.Lock()
	conns := append([]*testConn(nil), n.conns...)
	drop := n.drop
	n.mu.Unlock()

	var msg Msg
	if drop != nil {
		msg, _ = DecodeMsg(data)
	}

	for _, c := range conns {
		if c.addr == from {
			continue
		}

		if drop != nil && msg != nil && drop(from, c.addr, msg) {
			continue
		}

		dg := testDatagram{
			from: from,
			data: append([]byte(nil), data...),
		}

		select {
		case c.queue <- dg:
		default:
		}
	}
}

type testConn struct {
	network *testNetwork
	addr    netip.AddrPort
	queue   chan testDatagram

	mu       sync.Mutex
	deadline time.Time

	closed    chan struct{}
	closeOnce sync.Once
}

func (c *testConn) Send(data []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}

	c.network.deliver(c.addr, data)

	return nil
}

func (c *testConn) ReadFrom(buf []byte) (int, netip.AddrPort, error) {
	c.mu.Lock()
	deadline := c.deadline
	c.mu.Unlock()

	var timeout <-chan time.Time

	if !deadline.IsZero() {
		delay := time.Until(deadline)
		if delay <= 0 {
			return 0, netip.AddrPort{}, os.ErrDeadlineExceeded
		}

		timer := time.NewTimer(delay)
		defer timer.Stop()

		timeout = timer.C
	}

	select {
	case dg := <-c.queue:
		return copy(buf, dg.data), dg.from, nil

	case <-timeout:
		return 0, netip.AddrPort{}, os.ErrDeadlineExceeded

	case <-c.closed:
		return 0, netip.AddrPort{}, net.ErrClosed
	}
}

func (c *testConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()

	return nil
}

func (c *testConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})

	return nil
}

// inject queues a raw datagram as if it had been sent by from.
func (c *testConn) inject(from netip.AddrPort, data []byte) {
	c.queue <- testDatagram{from: from, data: data}
}
