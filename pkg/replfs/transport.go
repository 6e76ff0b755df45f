package replfs

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/netip"
	"os"
	"sync/atomic"
	"time"
)

// PacketConn is an unreliable datagram channel shared by every member of the
// group: Send reaches all peers, ReadFrom returns the next datagram addressed
// to the group.
type PacketConn interface {
	Send([]byte) error
	ReadFrom([]byte) (int, netip.AddrPort, error)
	SetReadDeadline(time.Time) error
	Close() error
}

type TransportCfg struct {
	Conn        PacketConn
	Log         Logger
	LossPercent int
	BufferSize  int
	Rand        *rand.Rand
}

// Transport adds message framing and simulated packet loss on top of a
// PacketConn. It is not safe for concurrent use except for Stats.
type Transport struct {
	Cfg TransportCfg
	Log Logger

	conn PacketConn
	buf  []byte
	rand *rand.Rand

	nbReceived atomic.Int64
	nbDropped  atomic.Int64
	nbRejected atomic.Int64
	nbSent     atomic.Int64
}

func NewTransport(cfg TransportCfg) (*Transport, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("missing connection")
	}

	if cfg.Log == nil {
		return nil, fmt.Errorf("missing logger")
	}

	if cfg.LossPercent < 0 || cfg.LossPercent > 100 {
		return nil, fmt.Errorf("invalid loss percentage %d", cfg.LossPercent)
	}

	if cfg.BufferSize == 0 {
		cfg.BufferSize = DefaultBufferSize
	}

	if cfg.BufferSize < MaxMsgSize {
		return nil, fmt.Errorf("buffer size %d too small", cfg.BufferSize)
	}

	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	t := Transport{
		Cfg: cfg,
		Log: cfg.Log,

		conn: cfg.Conn,
		buf:  make([]byte, cfg.BufferSize),
		rand: cfg.Rand,
	}

	return &t, nil
}

func (t *Transport) Close() error {
	return t.conn.Close()
}

func (t *Transport) Send(msg Msg) error {
	t.Log.Debug(2, "sending %v", msg)

	if err := t.conn.Send(EncodeMsg(msg)); err != nil {
		return fmt.Errorf("cannot send %v: %w", msg.Type(), err)
	}

	t.nbSent.Add(1)

	return nil
}

// Receive returns the next valid message received before deadline. Datagrams
// lost to the simulated loss rate or failing verification are skipped without
// extending the deadline.
func (t *Transport) Receive(deadline time.Time) (Msg, netip.AddrPort, error) {
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return nil, netip.AddrPort{}, fmt.Errorf("cannot set read deadline: %w",
			err)
	}

	for {
		n, sender, err := t.conn.ReadFrom(t.buf)
		if err != nil {
			switch {
			case errors.Is(err, os.ErrDeadlineExceeded):
				return nil, netip.AddrPort{}, ErrTimeout
			case errors.Is(err, net.ErrClosed):
				return nil, netip.AddrPort{}, ErrTransportClosed
			}

			return nil, netip.AddrPort{}, fmt.Errorf("cannot read datagram: %w",
				err)
		}

		t.nbReceived.Add(1)

		if t.drop() {
			t.nbDropped.Add(1)
			continue
		}

		msg, err := DecodeMsg(t.buf[:n])
		if err != nil {
			t.nbRejected.Add(1)
			t.Log.Debug(1, "ignoring datagram from %v: %v", sender, err)
			continue
		}

		t.Log.Debug(2, "received %v from %v", msg, sender)

		return msg, sender, nil
	}
}

func (t *Transport) drop() bool {
	if t.Cfg.LossPercent == 0 {
		return false
	}

	return t.rand.Intn(100) < t.Cfg.LossPercent
}

func (t *Transport) Stats() TransportStats {
	return TransportStats{
		NbReceived: t.nbReceived.Load(),
		NbDropped:  t.nbDropped.Load(),
		NbRejected: t.nbRejected.Load(),
		NbSent:     t.nbSent.Load(),
	}
}
