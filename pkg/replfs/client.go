package replfs

import (
	"errors"
	"fmt"
	"math/rand"
	"net/netip"
	"os"
	"path/filepath"
	"time"
)

type ClientCfg struct {
	Port        int
	LossPercent int
	NumServers  int

	Logger Logger

	// If Conn is nil, the client joins the multicast group on Port.
	Conn              PacketConn
	MulticastGroup    string
	MulticastLoopback bool

	// If set, the client creates an empty placeholder for each open file in
	// this directory.
	LocalDirectory string

	BufferSize int
	Rand       *rand.Rand

	DiscoveryTimeout  time.Duration
	DiscoveryAttempts int

	RoundTimeout time.Duration
	MaxRounds    int
}

type clientSession struct {
	handle      FileHandle
	filename    string
	state       SessionState
	log         *WriteLog
	nextWriteId WriteId
	localFile   *os.File
}

// Client stages writes for a single open file and replicates them to every
// discovered replica. It is not safe for concurrent use.
type Client struct {
	Cfg ClientCfg
	Log Logger

	transport *Transport
	replicas  ReplicaSet

	nextHandle FileHandle
	session    *clientSession
}

// NewClient joins the group and discovers NumServers replicas. It fails with
// ErrServersUnavailable if not enough replicas answer.
func NewClient(cfg ClientCfg) (*Client, error) {
	if cfg.NumServers <= 0 {
		return nil, fmt.Errorf("invalid number of servers %d", cfg.NumServers)
	}

	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}

	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	if cfg.DiscoveryTimeout == 0 {
		cfg.DiscoveryTimeout = time.Second
	}

	if cfg.DiscoveryAttempts == 0 {
		cfg.DiscoveryAttempts = 5
	}

	if cfg.RoundTimeout == 0 {
		cfg.RoundTimeout = 500 * time.Millisecond
	}

	if cfg.MaxRounds == 0 {
		cfg.MaxRounds = 20
	}

	conn := cfg.Conn
	if conn == nil {
		mconn, err := NewMulticastConn(MulticastConnCfg{
			Group:    cfg.MulticastGroup,
			Port:     cfg.Port,
			Loopback: cfg.MulticastLoopback,
		})
		if err != nil {
			return nil, fmt.Errorf("cannot create multicast connection: %w", err)
		}

		conn = mconn
	}

	transport, err := NewTransport(TransportCfg{
		Conn:        conn,
		Log:         cfg.Logger,
		LossPercent: cfg.LossPercent,
		BufferSize:  cfg.BufferSize,
		Rand:        cfg.Rand,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("cannot create transport: %w", err)
	}

	c := Client{
		Cfg: cfg,
		Log: cfg.Logger,

		transport: transport,

		nextHandle: FileHandle(cfg.Rand.Int31n(1<<30) + 1),
	}

	replicas, err := Discover(transport, DiscoveryCfg{
		Quorum:         cfg.NumServers,
		AttemptTimeout: cfg.DiscoveryTimeout,
		MaxAttempts:    cfg.DiscoveryAttempts,
	})
	if err != nil {
		transport.Close()
		return nil, err
	}

	c.replicas = replicas

	c.Log.Info("discovered %d replicas: %v", len(replicas), replicas)

	return &c, nil
}

func (c *Client) Replicas() ReplicaSet {
	return c.replicas
}

// State returns the phase of the open session, or SessionStateClosed if no
// file is open.
func (c *Client) State() SessionState {
	if c.session == nil {
		return SessionStateClosed
	}

	return c.session.state
}

func (c *Client) Stats() TransportStats {
	return c.transport.Stats()
}

// Shutdown releases the open file, if any, and leaves the group. Uncommitted
// writes are discarded.
func (c *Client) Shutdown() error {
	if c.transport == nil {
		return ErrNotInitialized
	}

	if c.session != nil {
		c.Log.Info("discarding session for %q", c.session.filename)
		c.releaseSession()
	}

	err := c.transport.Close()
	c.transport = nil

	return err
}

func (c *Client) checkSession(handle FileHandle) (*clientSession, error) {
	if c.transport == nil {
		return nil, ErrNotInitialized
	}

	if c.session == nil || c.session.handle != handle {
		return nil, fmt.Errorf("%w %d", ErrInvalidHandle, handle)
	}

	return c.session, nil
}

func (c *Client) Open(filename string) (FileHandle, error) {
	if c.transport == nil {
		return 0, ErrNotInitialized
	}

	if err := ValidateFilename(filename); err != nil {
		return 0, err
	}

	if c.session != nil {
		return 0, fmt.Errorf("%w: %q", ErrFileAlreadyOpen, c.session.filename)
	}

	var localFile *os.File

	if c.Cfg.LocalDirectory != "" {
		path := filepath.Join(c.Cfg.LocalDirectory, filename)

		file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return 0, fmt.Errorf("cannot open %q: %w", path, err)
		}

		localFile = file
	}

	handle := c.nextHandle
	c.nextHandle++

	if err := c.openRemote(filename, handle); err != nil {
		if localFile != nil {
			localFile.Close()
		}

		return 0, err
	}

	c.session = &clientSession{
		handle:      handle,
		filename:    filename,
		state:       SessionStateOpen,
		log:         NewWriteLog(),
		nextWriteId: 1,
		localFile:   localFile,
	}

	c.Log.Debug(1, "opened %q with handle %d", filename, handle)

	return handle, nil
}

func (c *Client) openRemote(filename string, handle FileHandle) error {
	successes := make(map[netip.AddrPort]bool)
	failed := false

	onReply := func(sender netip.AddrPort, msg Msg) {
		switch m := msg.(type) {
		case *MsgOpenSuccess:
			if m.Handle == handle {
				successes[sender] = true
			}

		case *MsgOpenFail:
			if m.Handle == handle {
				c.Log.Error("replica %v cannot open %q", sender, filename)
				failed = true
			}
		}
	}

	complete := func() bool {
		return failed || len(successes) == len(c.replicas)
	}

	req := MsgOpen{Filename: filename, Handle: handle}

	for round := 1; round <= c.Cfg.MaxRounds; round++ {
		if err := c.round(&req, onReply, complete); err != nil {
			return err
		}

		if failed {
			c.abandonOpen(handle)
			return fmt.Errorf("%w %q", ErrOpenFailed, filename)
		}

		if len(successes) == len(c.replicas) {
			return nil
		}
	}

	c.abandonOpen(handle)

	return fmt.Errorf("%w %q: %d/%d replicas answered", ErrOpenFailed,
		filename, len(successes), len(c.replicas))
}

// abandonOpen releases the session on replicas which may have accepted an
// open which failed elsewhere.
func (c *Client) abandonOpen(handle FileHandle) {
	if err := c.transport.Send(&MsgClose{Handle: handle}); err != nil {
		c.Log.Error("%v", err)
	}
}

// WriteBlock stages a write of data at offset and sends it to the replicas
// immediately. It returns the number of bytes staged.
func (c *Client) WriteBlock(handle FileHandle, data []byte, offset int64) (int, error) {
	s, err := c.checkSession(handle)
	if err != nil {
		return 0, err
	}

	if offset < 0 {
		return 0, fmt.Errorf("%w %d", ErrInvalidOffset, offset)
	}

	if len(data) >= MaxBlockLength {
		return 0, fmt.Errorf("%w: %d bytes", ErrBlockTooLarge, len(data))
	}

	record := WriteRecord{
		Handle:  handle,
		WriteId: s.nextWriteId,
		Offset:  offset,
		Data:    data,
	}

	s.log.Insert(record)
	s.nextWriteId++

	c.sendWrite(&record)

	return len(data), nil
}

func (c *Client) sendWrite(record *WriteRecord) {
	msg := MsgWrite{
		Handle:  record.Handle,
		WriteId: record.WriteId,
		Offset:  record.Offset,
		Data:    record.Data,
	}

	if err := c.transport.Send(&msg); err != nil {
		c.Log.Error("%v", err)
	}
}

// Abort discards every staged write of the session. Replicas are told to
// drop them; the message is not acknowledged.
func (c *Client) Abort(handle FileHandle) error {
	s, err := c.checkSession(handle)
	if err != nil {
		return err
	}

	msg := MsgAbort{
		CommitRange: CommitRange{
			Handle: handle,
			From:   s.log.FirstWriteId(),
			To:     s.nextWriteId,
		},
	}

	if err := c.transport.Send(&msg); err != nil {
		c.Log.Error("%v", err)
	}

	c.Log.Debug(1, "aborted %d writes", s.log.Len())

	s.log.Clear()

	return nil
}

// Close commits outstanding writes and closes the file on every replica. If
// the commit fails, the session stays open. Otherwise the session is released
// even if some replicas did not acknowledge the close.
func (c *Client) Close(handle FileHandle) error {
	s, err := c.checkSession(handle)
	if err != nil {
		return err
	}

	if !s.log.IsEmpty() {
		if err := c.Commit(handle); err != nil {
			return err
		}
	}

	successes := make(map[netip.AddrPort]bool)
	failed := false

	onReply := func(sender netip.AddrPort, msg Msg) {
		switch m := msg.(type) {
		case *MsgCloseSuccess:
			if m.Handle == handle {
				successes[sender] = true
			}

		case *MsgCloseFail:
			if m.Handle == handle {
				c.Log.Error("replica %v cannot close handle %d", sender, handle)
				failed = true
			}
		}
	}

	complete := func() bool {
		return failed || len(successes) == len(c.replicas)
	}

	var roundErr error

	for round := 1; round <= c.Cfg.MaxRounds && !complete(); round++ {
		if roundErr = c.round(&MsgClose{Handle: handle}, onReply,
			complete); roundErr != nil {
			break
		}
	}

	c.releaseSession()

	if roundErr != nil {
		return roundErr
	}

	if failed || len(successes) < len(c.replicas) {
		return fmt.Errorf("%w: %d/%d replicas answered", ErrCloseFailed,
			len(successes), len(c.replicas))
	}

	c.Log.Debug(1, "closed handle %d", handle)

	return nil
}

func (c *Client) releaseSession() {
	if c.session.localFile != nil {
		c.session.localFile.Close()
	}

	c.session = nil
}

// round broadcasts req once then passes every reply from a known replica to
// onReply until complete returns true or the round times out.
func (c *Client) round(req Msg, onReply func(netip.AddrPort, Msg), complete func() bool) error {
	if err := c.transport.Send(req); err != nil {
		c.Log.Error("%v", err)
	}

	deadline := time.Now().Add(c.Cfg.RoundTimeout)

	for !complete() {
		msg, sender, err := c.transport.Receive(deadline)
		if errors.Is(err, ErrTimeout) {
			return nil
		} else if err != nil {
			return fmt.Errorf("cannot receive message: %w", err)
		}

		if !c.replicas.Contains(sender) {
			continue
		}

		onReply(sender, msg)
	}

	return nil
}
