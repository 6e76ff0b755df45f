package replfs

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/netip"
	"os"
	"sync"
	"time"
)

type ServerCfg struct {
	MountDirectory string

	Logger Logger

	// If Conn is nil, the server joins the multicast group on Port.
	Conn              PacketConn
	Port              int
	MulticastGroup    string
	MulticastLoopback bool

	LossPercent int
	BufferSize  int
	Rand        *rand.Rand

	IdleTimeout time.Duration
}

// Server is a replica. A single goroutine receives messages and handles
// them one at a time.
type Server struct {
	Cfg ServerCfg
	Log Logger

	mount           *Mount
	persistentStore *PersistentStore
	persistentState PersistentState

	transport *Transport

	file     *os.File
	writeLog *WriteLog

	nbCommits       int64
	lastMessageTime time.Time

	status      ReplicaStatus
	statusMutex sync.Mutex

	errorChan chan<- error
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

func NewServer(cfg ServerCfg) (*Server, error) {
	if cfg.MountDirectory == "" {
		return nil, fmt.Errorf("missing or empty mount directory")
	}

	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	if cfg.LossPercent < 0 || cfg.LossPercent > 100 {
		return nil, fmt.Errorf("invalid loss percentage %d", cfg.LossPercent)
	}

	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}

	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 24 * time.Minute
	}

	mount := NewMount(cfg.MountDirectory)

	s := &Server{
		Cfg: cfg,
		Log: cfg.Logger,

		mount:           mount,
		persistentStore: NewPersistentStore(mount.StateFilePath()),

		stopChan: make(chan struct{}),
	}

	return s, nil
}

func (s *Server) Start(errorChan chan<- error) error {
	s.Log.Debug(1, "starting")

	s.errorChan = errorChan

	// Mount directory
	if err := s.mount.Create(); err != nil {
		return err
	}

	// Persistent store
	s.Log.Debug(1, "loading persistent store from %q",
		s.persistentStore.filePath)

	if err := s.persistentStore.Open(); err != nil {
		return fmt.Errorf("cannot open persistent store: %w", err)
	}

	if err := s.persistentStore.Read(&s.persistentState); err != nil {
		s.persistentStore.Close()
		return fmt.Errorf("cannot read persistent state: %w", err)
	}

	if err := s.resumeSession(); err != nil {
		s.persistentStore.Close()
		return err
	}

	// Transport
	conn := s.Cfg.Conn
	if conn == nil {
		mconn, err := NewMulticastConn(MulticastConnCfg{
			Group:    s.Cfg.MulticastGroup,
			Port:     s.Cfg.Port,
			Loopback: s.Cfg.MulticastLoopback,
		})
		if err != nil {
			s.closeSession()
			s.persistentStore.Close()
			return fmt.Errorf("cannot create multicast connection: %w", err)
		}

		s.Log.Info("listening on %v", mconn.GroupAddress())

		conn = mconn
	}

	transport, err := NewTransport(TransportCfg{
		Conn:        conn,
		Log:         s.Log,
		LossPercent: s.Cfg.LossPercent,
		BufferSize:  s.Cfg.BufferSize,
		Rand:        s.Cfg.Rand,
	})
	if err != nil {
		conn.Close()
		s.closeSession()
		s.persistentStore.Close()
		return fmt.Errorf("cannot create transport: %w", err)
	}

	s.transport = transport

	s.updateStatus()

	// Main
	s.wg.Add(1)
	go s.main()

	s.Log.Debug(1, "started")

	return nil
}

func (s *Server) Stop() {
	s.Log.Debug(1, "stopping")

	close(s.stopChan)

	if s.transport != nil {
		s.transport.Close()
	}

	s.wg.Wait()

	s.Log.Debug(1, "stopped")
}

func (s *Server) main() {
	defer s.wg.Done()

	defer func() {
		if value := recover(); value != nil {
			msg := RecoverValueString(value)
			trace := StackTrace(10)
			s.Log.Error("panic: %s\n%s", msg, trace)

			s.errorChan <- fmt.Errorf("panic: %s", msg)
			s.shutdown()
		}
	}()

	for {
		deadline := time.Now().Add(s.Cfg.IdleTimeout)

		msg, sender, err := s.transport.Receive(deadline)
		if err != nil {
			select {
			case <-s.stopChan:
				s.shutdown()
				return
			default:
			}

			if errors.Is(err, ErrTimeout) {
				s.handle(s.onIdleTimeout)
				continue
			}

			s.Log.Error("%v", err)
			s.errorChan <- err
			s.shutdown()
			return
		}

		s.handle(func() {
			s.lastMessageTime = time.Now()
			s.onMsg(sender, msg)
		})
	}
}

// handle runs fn then updates the status. Status readers wait for fn to
// return, so that the status they see is consistent with any reply already
// sent.
func (s *Server) handle(fn func()) {
	s.statusMutex.Lock()
	defer s.statusMutex.Unlock()

	fn()

	s.updateStatus()
}

func (s *Server) shutdown() {
	s.Log.Debug(1, "shutting down")

	s.transport.Close()

	s.closeSession()
	s.persistentStore.Close()
}

func (s *Server) Status() ReplicaStatus {
	s.statusMutex.Lock()
	status := s.status
	s.statusMutex.Unlock()

	if s.transport != nil {
		status.TransportStats = s.transport.Stats()
	}

	return status
}

func (s *Server) updateStatus() {
	status := ReplicaStatus{
		State:           SessionStateClosed,
		CommitWatermark: s.persistentState.CommitWatermark,
		LastMessageTime: s.lastMessageTime,
		NbCommits:       s.nbCommits,
	}

	if s.file != nil {
		status.State = SessionStateOpen
		status.Filename = s.persistentState.Filename
		status.Handle = s.persistentState.Handle
		status.PendingWrites = s.writeLog.Len()
	}

	s.status = status
}

func (s *Server) reply(msg Msg) {
	if err := s.transport.Send(msg); err != nil {
		s.Log.Error("%v", err)
	}
}

func (s *Server) onMsg(sender netip.AddrPort, msg Msg) {
	switch msgv := msg.(type) {
	case *MsgDiscover:
		s.reply(&MsgDiscoverAck{})
	case *MsgOpen:
		s.onOpen(msgv)
	case *MsgClose:
		s.onClose(msgv)
	case *MsgWrite:
		s.onWrite(msgv)
	case *MsgTryCommit:
		s.onTryCommit(msgv)
	case *MsgCommit:
		s.onCommit(msgv)
	case *MsgAbort:
		s.onAbort(msgv)
	default:
		// Replies sent by other replicas
	}
}

func (s *Server) isSessionHandle(handle FileHandle) bool {
	return s.file != nil && s.persistentState.Handle == handle
}

func (s *Server) onOpen(msg *MsgOpen) {
	pstate := s.persistentState

	if s.file != nil {
		if pstate.Handle == msg.Handle && pstate.Filename == msg.Filename {
			s.reply(&MsgOpenSuccess{Handle: msg.Handle})
			return
		}

		s.Log.Error("cannot open %q with handle %d: %q already open with "+
			"handle %d", msg.Filename, msg.Handle, pstate.Filename, pstate.Handle)
		s.reply(&MsgOpenFail{Handle: msg.Handle})
		return
	}

	file, err := s.mount.OpenFile(msg.Filename)
	if err != nil {
		s.Log.Error("%v", err)
		s.reply(&MsgOpenFail{Handle: msg.Handle})
		return
	}

	pstate = PersistentState{
		Filename:         msg.Filename,
		Handle:           msg.Handle,
		LastClosedHandle: s.persistentState.LastClosedHandle,
	}

	if err := s.updatePersistentState(pstate); err != nil {
		file.Close()
		s.reply(&MsgOpenFail{Handle: msg.Handle})
		return
	}

	s.file = file
	s.writeLog = NewWriteLog()

	s.Log.Info("opened %q with handle %d", msg.Filename, msg.Handle)

	s.reply(&MsgOpenSuccess{Handle: msg.Handle})
}

func (s *Server) onClose(msg *MsgClose) {
	if !s.isSessionHandle(msg.Handle) {
		if s.file == nil && msg.Handle != 0 &&
			msg.Handle == s.persistentState.LastClosedHandle {
			s.reply(&MsgCloseSuccess{Handle: msg.Handle})
			return
		}

		s.Log.Debug(1, "cannot close unknown handle %d", msg.Handle)
		s.reply(&MsgCloseFail{Handle: msg.Handle})
		return
	}

	filename := s.persistentState.Filename

	pstate := PersistentState{LastClosedHandle: msg.Handle}
	if err := s.updatePersistentState(pstate); err != nil {
		s.reply(&MsgCloseFail{Handle: msg.Handle})
		return
	}

	s.closeSession()

	s.Log.Info("closed %q", filename)

	s.reply(&MsgCloseSuccess{Handle: msg.Handle})
}

func (s *Server) onWrite(msg *MsgWrite) {
	if !s.isSessionHandle(msg.Handle) {
		s.Log.Debug(2, "ignoring write for unknown handle %d", msg.Handle)
		return
	}

	if msg.WriteId <= s.persistentState.CommitWatermark {
		return
	}

	s.writeLog.Insert(WriteRecord{
		Handle:  msg.Handle,
		WriteId: msg.WriteId,
		Offset:  msg.Offset,
		Data:    msg.Data,
	})
}

// missingWrites prunes the writes preceding the range then returns the ids
// of the range which are neither committed nor logged.
func (s *Server) missingWrites(r CommitRange) []WriteId {
	s.writeLog.Prune(r.From)

	from := max(r.From, s.persistentState.CommitWatermark+1)

	return s.writeLog.Missing(from, r.To)
}

func (s *Server) onTryCommit(msg *MsgTryCommit) {
	r := msg.CommitRange

	if !s.isSessionHandle(r.Handle) || r.From > r.To {
		s.Log.Debug(1, "ignoring try-commit %v", r)
		return
	}

	if r.To <= s.persistentState.CommitWatermark {
		s.reply(&MsgTryCommitSuccess{CommitRange: r})
		return
	}

	if missing := s.missingWrites(r); len(missing) > 0 {
		s.Log.Debug(1, "%d writes missing for %v", len(missing), r)
		s.reply(&MsgTryCommitFail{CommitRange: r, Missing: missing})
		return
	}

	s.reply(&MsgTryCommitSuccess{CommitRange: r})
}

func (s *Server) onCommit(msg *MsgCommit) {
	r := msg.CommitRange

	if !s.isSessionHandle(r.Handle) || r.From > r.To {
		s.Log.Error("cannot commit %v: invalid handle or range", r)
		s.reply(&MsgCommitFail{CommitRange: r})
		return
	}

	if r.To <= s.persistentState.CommitWatermark {
		s.reply(&MsgCommitSuccess{CommitRange: r})
		return
	}

	if missing := s.missingWrites(r); len(missing) > 0 {
		s.Log.Error("cannot commit %v: %d writes missing", r, len(missing))
		s.reply(&MsgCommitFail{CommitRange: r})
		return
	}

	from := max(r.From, s.persistentState.CommitWatermark+1)
	records := s.writeLog.Range(from, r.To)

	if err := ApplyWrites(s.file, records); err != nil {
		s.Log.Error("cannot commit %v: %v", r, err)
		s.reply(&MsgCommitFail{CommitRange: r})
		return
	}

	pstate := s.persistentState
	pstate.CommitWatermark = r.To

	if err := s.updatePersistentState(pstate); err != nil {
		s.reply(&MsgCommitFail{CommitRange: r})
		return
	}

	if r.To == math.MaxUint32 {
		s.writeLog.Clear()
	} else {
		s.writeLog.Prune(r.To + 1)
	}

	s.nbCommits++

	s.Log.Debug(1, "committed %v (%d writes)", r, len(records))

	s.reply(&MsgCommitSuccess{CommitRange: r})
}

func (s *Server) onAbort(msg *MsgAbort) {
	if !s.isSessionHandle(msg.Handle) {
		return
	}

	s.Log.Debug(1, "aborting writes below %d", msg.To)

	s.writeLog.Prune(msg.To)
}

func (s *Server) onIdleTimeout() {
	if s.file == nil {
		return
	}

	s.Log.Info("dropping idle session for %q (handle %d)",
		s.persistentState.Filename, s.persistentState.Handle)

	pstate := PersistentState{
		LastClosedHandle: s.persistentState.LastClosedHandle,
	}

	if err := s.updatePersistentState(pstate); err != nil {
		return
	}

	s.closeSession()
}

// resumeSession reopens the file of a session interrupted by a restart. Its
// write log is lost; clients retransmit the writes reported missing.
func (s *Server) resumeSession() error {
	pstate := s.persistentState

	if pstate.Filename == "" {
		return nil
	}

	file, err := s.mount.OpenFile(pstate.Filename)
	if err != nil {
		return fmt.Errorf("cannot resume session: %w", err)
	}

	s.file = file
	s.writeLog = NewWriteLog()

	s.Log.Info("resuming session for %q (handle %d, watermark %d)",
		pstate.Filename, pstate.Handle, pstate.CommitWatermark)

	return nil
}

func (s *Server) closeSession() {
	if s.file == nil {
		return
	}

	if err := s.file.Close(); err != nil {
		s.Log.Error("cannot close %q: %v", s.file.Name(), err)
	}

	s.file = nil
	s.writeLog = nil
}

func (s *Server) updatePersistentState(state PersistentState) error {
	if err := s.persistentStore.Write(state); err != nil {
		s.Log.Error("cannot write persistent state: %v", err)
		return err
	}

	s.persistentState = state
	return nil
}
