package replfs

import (
	"testing"
	"time"

	"github.com/phayes/freeport"
)

func TestMulticastConn(t *testing.T) {
	port, err := freeport.GetFreePort()
	if err != nil {
		t.Fatalf("cannot get free port: %v", err)
	}

	cfg := MulticastConnCfg{
		Port:     port,
		Loopback: true,
	}

	conn1, err := NewMulticastConn(cfg)
	if err != nil {
		t.Skipf("multicast unavailable: %v", err)
	}
	defer conn1.Close()

	conn2, err := NewMulticastConn(cfg)
	if err != nil {
		t.Fatalf("cannot create second connection on port %d: %v", port, err)
	}
	defer conn2.Close()

	if got := conn1.GroupAddress().Port(); got != uint16(port) {
		t.Errorf("group port = %d; want %d", got, port)
	}

	if err := conn1.Send(EncodeMsg(&MsgDiscover{})); err != nil {
		t.Skipf("cannot send to multicast group: %v", err)
	}

	conn2.SetReadDeadline(time.Now().Add(2 * time.Second))

	buf := make([]byte, DefaultBufferSize)

	n, sender, err := conn2.ReadFrom(buf)
	if err != nil {
		t.Skipf("no multicast loopback delivery: %v", err)
	}

	msg, err := DecodeMsg(buf[:n])
	if err != nil {
		t.Fatalf("cannot decode datagram from %v: %v", sender, err)
	}

	if _, ok := msg.(*MsgDiscover); !ok {
		t.Errorf("received %v; want a discover message", msg)
	}

	if sender.Port() == uint16(port) {
		t.Errorf("sender port = %d; want an ephemeral port", sender.Port())
	}
}

func TestNewMulticastConnInvalidGroup(t *testing.T) {
	for _, group := range []string{"10.0.0.1", "ff02::1", "foo"} {
		if _, err := NewMulticastConn(MulticastConnCfg{Group: group}); err == nil {
			t.Errorf("NewMulticastConn() with group %q succeeded", group)
		}
	}
}
