package replfs

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

type MulticastConnCfg struct {
	Group     string
	Port      int
	Interface *net.Interface
	Loopback  bool
	TTL       int
}

// MulticastConn is a PacketConn over an IPv4 UDP multicast group. Every
// member binds the group port so that requests and replies reach all peers.
// Datagrams are sent from a second socket bound to an ephemeral port, which
// gives each member a distinct sender address even when several of them run
// on the same host.
type MulticastConn struct {
	Cfg MulticastConnCfg

	conn      *net.UDPConn
	pconn     *ipv4.PacketConn
	sendConn  *net.UDPConn
	sendPConn *ipv4.PacketConn
	group     net.IP
	groupAddr netip.AddrPort
}

func NewMulticastConn(cfg MulticastConnCfg) (*MulticastConn, error) {
	if cfg.Group == "" {
		cfg.Group = DefaultMulticastGroup
	}

	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}

	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", cfg.Port)
	}

	if cfg.TTL == 0 {
		cfg.TTL = 1
	}

	groupAddr, err := netip.ParseAddr(cfg.Group)
	if err != nil {
		return nil, fmt.Errorf("invalid multicast group %q: %w", cfg.Group, err)
	}

	if !groupAddr.Is4() || !groupAddr.IsMulticast() {
		return nil, fmt.Errorf("invalid multicast group %q: not an ipv4 "+
			"multicast address", cfg.Group)
	}

	lc := net.ListenConfig{Control: setReuseAddr}

	address := net.JoinHostPort("0.0.0.0", strconv.Itoa(cfg.Port))

	pc, err := lc.ListenPacket(context.Background(), "udp4", address)
	if err != nil {
		return nil, fmt.Errorf("cannot listen on %s: %w", address, err)
	}

	conn := pc.(*net.UDPConn)

	sendConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("cannot create sending socket: %w", err)
	}

	c := MulticastConn{
		Cfg: cfg,

		conn:      conn,
		pconn:     ipv4.NewPacketConn(conn),
		sendConn:  sendConn,
		sendPConn: ipv4.NewPacketConn(sendConn),
		group:     net.IP(groupAddr.AsSlice()),
		groupAddr: netip.AddrPortFrom(groupAddr, uint16(cfg.Port)),
	}

	if err := c.setup(); err != nil {
		conn.Close()
		sendConn.Close()
		return nil, err
	}

	return &c, nil
}

func setReuseAddr(network, address string, rc syscall.RawConn) error {
	var sockErr error

	err := rc.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET,
			unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}

	if sockErr != nil {
		return fmt.Errorf("cannot set SO_REUSEADDR: %w", sockErr)
	}

	return nil
}

func (c *MulticastConn) setup() error {
	group := net.UDPAddr{IP: c.group}

	if err := c.pconn.JoinGroup(c.Cfg.Interface, &group); err != nil {
		return fmt.Errorf("cannot join group %v: %w", c.group, err)
	}

	if c.Cfg.Interface != nil {
		if err := c.sendPConn.SetMulticastInterface(c.Cfg.Interface); err != nil {
			return fmt.Errorf("cannot set multicast interface: %w", err)
		}
	}

	if err := c.sendPConn.SetMulticastTTL(c.Cfg.TTL); err != nil {
		return fmt.Errorf("cannot set multicast ttl: %w", err)
	}

	if err := c.sendPConn.SetMulticastLoopback(c.Cfg.Loopback); err != nil {
		return fmt.Errorf("cannot set multicast loopback: %w", err)
	}

	return nil
}

func (c *MulticastConn) GroupAddress() netip.AddrPort {
	return c.groupAddr
}

func (c *MulticastConn) Send(data []byte) error {
	_, err := c.sendConn.WriteToUDPAddrPort(data, c.groupAddr)
	return err
}

func (c *MulticastConn) ReadFrom(buf []byte) (int, netip.AddrPort, error) {
	n, addr, err := c.conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}

	return n, netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port()), nil
}

func (c *MulticastConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *MulticastConn) Close() error {
	group := net.UDPAddr{IP: c.group}
	c.pconn.LeaveGroup(c.Cfg.Interface, &group)

	c.sendConn.Close()

	return c.conn.Close()
}
