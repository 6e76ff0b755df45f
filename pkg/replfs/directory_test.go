package replfs

import (
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"
)

// startTestResponder answers every Discover message with two DiscoverAck
// messages.
func startTestResponder(t *testing.T, network *testNetwork) *testConn {
	conn := network.NewConn()
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, DefaultBufferSize)

		for {
			n, _, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}

			msg, err := DecodeMsg(buf[:n])
			if err != nil {
				continue
			}

			if _, ok := msg.(*MsgDiscover); ok {
				conn.Send(EncodeMsg(&MsgDiscoverAck{}))
				conn.Send(EncodeMsg(&MsgDiscoverAck{}))
			}
		}
	}()

	return conn
}

func TestNewReplicaSet(t *testing.T) {
	a := netip.MustParseAddrPort("10.0.0.1:2000")
	b := netip.MustParseAddrPort("10.0.0.1:3000")
	c := netip.MustParseAddrPort("10.0.0.2:1000")

	set := NewReplicaSet([]netip.AddrPort{c, a, b, a})

	if len(set) != 3 || set[0] != a || set[1] != b || set[2] != c {
		t.Errorf("NewReplicaSet() = %v; want [%v %v %v]", set, a, b, c)
	}

	if !set.Contains(b) {
		t.Errorf("Contains(%v) = false", b)
	}

	if addr := netip.MustParseAddrPort("10.0.0.3:1000"); set.Contains(addr) {
		t.Errorf("Contains(%v) = true", addr)
	}
}

func TestDiscover(t *testing.T) {
	network := newTestNetwork()

	transport := newTestTransport(t, network.NewConn(), 0)

	responders := []*testConn{
		startTestResponder(t, network),
		startTestResponder(t, network),
		startTestResponder(t, network),
	}

	set, err := Discover(transport, DiscoveryCfg{
		Quorum:         3,
		AttemptTimeout: time.Second,
		MaxAttempts:    2,
	})
	if err != nil {
		t.Fatalf("cannot discover replicas: %v", err)
	}

	if len(set) != 3 {
		t.Fatalf("%d replicas found; want 3", len(set))
	}

	for _, responder := range responders {
		if !set.Contains(responder.addr) {
			t.Errorf("replica %v not found", responder.addr)
		}
	}

	for i := 1; i < len(set); i++ {
		if set[i-1].Compare(set[i]) >= 0 {
			t.Errorf("replica set %v is not sorted", set)
		}
	}
}

func TestDiscoverUnavailable(t *testing.T) {
	network := newTestNetwork()

	transport := newTestTransport(t, network.NewConn(), 0)

	startTestResponder(t, network)
	startTestResponder(t, network)

	_, err := Discover(transport, DiscoveryCfg{
		Quorum:         3,
		AttemptTimeout: 50 * time.Millisecond,
		MaxAttempts:    2,
	})
	if !errors.Is(err, ErrServersUnavailable) {
		t.Errorf("Discover() error = %v; want %v", err, ErrServersUnavailable)
	}
}

func TestDiscoverAccumulatesAcks(t *testing.T) {
	network := newTestNetwork()

	client := network.NewConn()
	transport := newTestTransport(t, client, 0)

	r1 := startTestResponder(t, network)
	r2 := startTestResponder(t, network)

	// Only the acks of r1 to the first probe and the acks of r2 to the second
	// probe reach the client.
	var mu sync.Mutex
	nbDiscover := 0

	network.SetDropFunc(func(from, to netip.AddrPort, msg Msg) bool {
		mu.Lock()
		defer mu.Unlock()

		switch msg.(type) {
		case *MsgDiscover:
			if to == r1.addr {
				nbDiscover++
			}
			return false

		case *MsgDiscoverAck:
			if to != client.addr {
				return true
			}

			switch from {
			case r1.addr:
				return nbDiscover != 1
			case r2.addr:
				return nbDiscover != 2
			}
		}

		return false
	})

	set, err := Discover(transport, DiscoveryCfg{
		Quorum:         2,
		AttemptTimeout: 200 * time.Millisecond,
		MaxAttempts:    2,
	})
	if err != nil {
		t.Fatalf("cannot discover replicas: %v", err)
	}

	if !set.Contains(r1.addr) || !set.Contains(r2.addr) {
		t.Errorf("replica set = %v; want %v and %v", set, r1.addr, r2.addr)
	}
}
