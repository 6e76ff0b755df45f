package replfs

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
)

func writeBlock(t *testing.T, client *Client, handle FileHandle, data string, offset int64) {
	t.Helper()

	n, err := client.WriteBlock(handle, []byte(data), offset)
	if err != nil {
		t.Fatalf("cannot write %q at offset %d: %v", data, offset, err)
	}

	if n != len(data) {
		t.Errorf("WriteBlock() = %d; want %d", n, len(data))
	}
}

func openFile(t *testing.T, client *Client, name string) FileHandle {
	t.Helper()

	handle, err := client.Open(name)
	if err != nil {
		t.Fatalf("cannot open %q: %v", name, err)
	}

	return handle
}

func TestClientCommit(t *testing.T) {
	cluster := newTestCluster(t, 3)
	cluster.Start()

	client := cluster.NewClient(0)

	if got := len(client.Replicas()); got != 3 {
		t.Fatalf("%d replicas discovered; want 3", got)
	}

	handle := openFile(t, client, "file")

	writeBlock(t, client, handle, "ab", 0)
	writeBlock(t, client, handle, "cd", 2)

	if err := client.Commit(handle); err != nil {
		t.Fatalf("cannot commit: %v", err)
	}

	cluster.CheckFile("file", "abcd")

	// A second commit without new writes changes nothing.
	if err := client.Commit(handle); err != nil {
		t.Fatalf("cannot commit again: %v", err)
	}

	cluster.CheckFile("file", "abcd")

	if err := client.Close(handle); err != nil {
		t.Fatalf("cannot close: %v", err)
	}

	for i, server := range cluster.servers {
		status := server.Status()

		if status.State != SessionStateClosed {
			t.Errorf("replica %d: state = %v; want %v",
				i, status.State, SessionStateClosed)
		}
	}
}

func TestClientCommitOverlappingWrites(t *testing.T) {
	cluster := newTestCluster(t, 2)
	cluster.Start()

	// The first transmission of write 1 is lost, so that replicas receive
	// it after writes 2 and 3.
	var mu sync.Mutex
	dropped := make(map[netip.AddrPort]bool)

	cluster.network.SetDropFunc(func(from, to netip.AddrPort, msg Msg) bool {
		mu.Lock()
		defer mu.Unlock()

		if write, ok := msg.(*MsgWrite); ok && write.WriteId == 1 {
			if !dropped[to] {
				dropped[to] = true
				return true
			}
		}

		return false
	})

	client := cluster.NewClient(0)

	handle := openFile(t, client, "file")

	writeBlock(t, client, handle, "aaaa", 0)
	writeBlock(t, client, handle, "bb", 1)
	writeBlock(t, client, handle, "c", 3)

	if err := client.Commit(handle); err != nil {
		t.Fatalf("cannot commit: %v", err)
	}

	cluster.CheckFile("file", "abbc")
}

func TestClientCommitRetransmission(t *testing.T) {
	cluster := newTestCluster(t, 3)
	cluster.Start()

	var mu sync.Mutex
	var writeDropped bool
	var missing [][]WriteId

	cluster.network.SetDropFunc(func(from, to netip.AddrPort, msg Msg) bool {
		mu.Lock()
		defer mu.Unlock()

		switch m := msg.(type) {
		case *MsgWrite:
			// Drop the first transmission of write 2 for every replica.
			if m.WriteId == 2 && !writeDropped {
				return true
			}

		case *MsgTryCommit:
			writeDropped = true

		case *MsgTryCommitFail:
			missing = append(missing, m.Missing)
		}

		return false
	})

	client := cluster.NewClient(0)

	handle := openFile(t, client, "file")

	writeBlock(t, client, handle, "ab", 0)
	writeBlock(t, client, handle, "cd", 2)

	if err := client.Commit(handle); err != nil {
		t.Fatalf("cannot commit: %v", err)
	}

	cluster.CheckFile("file", "abcd")

	mu.Lock()
	defer mu.Unlock()

	if len(missing) == 0 {
		t.Fatalf("no try-commit failure observed")
	}

	for _, wids := range missing {
		if want := []WriteId{2}; !reflect.DeepEqual(wids, want) {
			t.Errorf("missing write ids = %v; want %v", wids, want)
		}
	}
}

func TestClientAbort(t *testing.T) {
	cluster := newTestCluster(t, 2)
	cluster.Start()

	// Abort messages are lost: replicas must still never apply aborted
	// writes.
	cluster.network.SetDropFunc(func(from, to netip.AddrPort, msg Msg) bool {
		_, ok := msg.(*MsgAbort)
		return ok
	})

	client := cluster.NewClient(0)

	handle := openFile(t, client, "file")

	writeBlock(t, client, handle, "ab", 0)
	writeBlock(t, client, handle, "cd", 2)

	if err := client.Commit(handle); err != nil {
		t.Fatalf("cannot commit: %v", err)
	}

	writeBlock(t, client, handle, "XX", 0)
	writeBlock(t, client, handle, "YY", 2)

	if err := client.Abort(handle); err != nil {
		t.Fatalf("cannot abort: %v", err)
	}

	if err := client.Commit(handle); err != nil {
		t.Fatalf("cannot commit after abort: %v", err)
	}

	cluster.CheckFile("file", "abcd")

	writeBlock(t, client, handle, "e", 4)

	if err := client.Close(handle); err != nil {
		t.Fatalf("cannot close: %v", err)
	}

	cluster.CheckFile("file", "abcde")
}

func TestClientCommitWithLoss(t *testing.T) {
	cluster := newTestCluster(t, 3)
	cluster.lossPercent = 20
	cluster.Start()

	client := cluster.NewClient(20)

	handle := openFile(t, client, "file")

	var want strings.Builder

	for i := 0; i < 10; i++ {
		block := fmt.Sprintf("block-%02d;", i)
		writeBlock(t, client, handle, block, int64(want.Len()))
		want.WriteString(block)
	}

	if err := client.Commit(handle); err != nil {
		t.Fatalf("cannot commit: %v", err)
	}

	cluster.CheckFile("file", want.String())

	if err := client.Close(handle); err != nil {
		t.Fatalf("cannot close: %v", err)
	}

	if client.Stats().NbDropped == 0 {
		t.Errorf("no datagram dropped by the client transport")
	}
}

func TestClientServerRestart(t *testing.T) {
	cluster := newTestCluster(t, 2)
	cluster.Start()

	client := cluster.NewClient(0)

	handle := openFile(t, client, "file")

	writeBlock(t, client, handle, "ab", 0)

	if err := client.Commit(handle); err != nil {
		t.Fatalf("cannot commit: %v", err)
	}

	writeBlock(t, client, handle, "cd", 2)

	// The restarted replica resumes the session but has lost write 2.
	cluster.StopServer(0)
	cluster.StartServer(0)

	status := cluster.servers[0].Status()
	if status.Handle != handle || status.CommitWatermark != 1 {
		t.Errorf("status after restart = %+v; want handle %d and watermark 1",
			status, handle)
	}

	if err := client.Close(handle); err != nil {
		t.Fatalf("cannot close: %v", err)
	}

	cluster.CheckFile("file", "abcd")
}

func TestClientValidation(t *testing.T) {
	cluster := newTestCluster(t, 1)
	cluster.Start()

	client := cluster.NewClient(0)

	for _, name := range []string{"", "a/b", "..", ".replfs-state.json",
		strings.Repeat("a", MaxFilenameLength)} {
		if _, err := client.Open(name); !errors.Is(err, ErrInvalidFilename) {
			t.Errorf("Open(%q) error = %v; want %v", name, err,
				ErrInvalidFilename)
		}
	}

	if _, err := client.WriteBlock(1, []byte("a"), 0); !errors.Is(err, ErrInvalidHandle) {
		t.Errorf("WriteBlock() without open file: error = %v; want %v",
			err, ErrInvalidHandle)
	}

	handle := openFile(t, client, "file")

	if _, err := client.Open("other"); !errors.Is(err, ErrFileAlreadyOpen) {
		t.Errorf("second Open() error = %v; want %v", err, ErrFileAlreadyOpen)
	}

	badHandle := handle + 1

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"commit", client.Commit(badHandle), ErrInvalidHandle},
		{"abort", client.Abort(badHandle), ErrInvalidHandle},
		{"close", client.Close(badHandle), ErrInvalidHandle},
	}

	for _, test := range tests {
		if !errors.Is(test.err, test.want) {
			t.Errorf("%s: error = %v; want %v", test.name, test.err, test.want)
		}
	}

	if _, err := client.WriteBlock(handle, make([]byte, MaxBlockLength), 0); !errors.Is(err, ErrBlockTooLarge) {
		t.Errorf("WriteBlock() error = %v; want %v", err, ErrBlockTooLarge)
	}

	if _, err := client.WriteBlock(handle, []byte("a"), -1); !errors.Is(err, ErrInvalidOffset) {
		t.Errorf("WriteBlock() error = %v; want %v", err, ErrInvalidOffset)
	}

	writeBlock(t, client, handle, string(make([]byte, MaxBlockLength-1)), 0)
	writeBlock(t, client, handle, "", 10)

	if err := client.Shutdown(); err != nil {
		t.Fatalf("cannot shut down: %v", err)
	}

	if _, err := client.Open("file"); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Open() after Shutdown() error = %v; want %v",
			err, ErrNotInitialized)
	}
}

func TestClientOpenFailure(t *testing.T) {
	cluster := newTestCluster(t, 2)
	cluster.Start()

	probe := cluster.Probe()

	// Only the first replica receives this open.
	cluster.network.SetDropFunc(func(from, to netip.AddrPort, msg Msg) bool {
		open, ok := msg.(*MsgOpen)
		return ok && open.Filename == "other" &&
			to == cluster.serverConns[1].addr
	})

	probe.Send(&MsgOpen{Filename: "other", Handle: 9999})

	cluster.network.SetDropFunc(nil)

	client := cluster.NewClient(0)

	if _, err := client.Open("file"); !errors.Is(err, ErrOpenFailed) {
		t.Fatalf("Open() error = %v; want %v", err, ErrOpenFailed)
	}

	// The client releases the session it opened on the second replica.
	deadline := time.Now().Add(2 * time.Second)

	for cluster.servers[1].Status().State != SessionStateClosed {
		if time.Now().After(deadline) {
			t.Fatalf("second replica still has an open session")
		}

		time.Sleep(10 * time.Millisecond)
	}
}

func TestClientLocalPlaceholder(t *testing.T) {
	cluster := newTestCluster(t, 1)
	cluster.Start()

	localDir := t.TempDir()

	client, err := NewClient(ClientCfg{
		NumServers:     1,
		Logger:         newTestLogger(t),
		Conn:           cluster.network.NewConn(),
		LocalDirectory: localDir,
	})
	if err != nil {
		t.Fatalf("cannot create client: %v", err)
	}

	defer client.Shutdown()

	handle := openFile(t, client, "file")

	if _, err := os.Stat(filepath.Join(localDir, "file")); err != nil {
		t.Errorf("local placeholder not created: %v", err)
	}

	if err := client.Close(handle); err != nil {
		t.Fatalf("cannot close: %v", err)
	}
}

func TestNewClientServersUnavailable(t *testing.T) {
	cluster := newTestCluster(t, 1)
	cluster.Start()

	_, err := NewClient(ClientCfg{
		NumServers:        2,
		Logger:            newTestLogger(t),
		Conn:              cluster.network.NewConn(),
		DiscoveryTimeout:  50 * time.Millisecond,
		DiscoveryAttempts: 2,
	})
	if !errors.Is(err, ErrServersUnavailable) {
		t.Errorf("NewClient() error = %v; want %v", err, ErrServersUnavailable)
	}
}

func TestClientCommitFailure(t *testing.T) {
	cluster := newTestCluster(t, 2)
	cluster.Start()

	// Commit confirmations of the second replica are lost until unblocked.
	var mu sync.Mutex
	blocked := true

	cluster.network.SetDropFunc(func(from, to netip.AddrPort, msg Msg) bool {
		mu.Lock()
		defer mu.Unlock()

		_, ok := msg.(*MsgCommitSuccess)
		return ok && blocked && from == cluster.serverConns[1].addr
	})

	client := cluster.NewClient(0)
	client.Cfg.MaxRounds = 3

	handle := openFile(t, client, "file")

	writeBlock(t, client, handle, "ab", 0)

	if err := client.Commit(handle); !errors.Is(err, ErrCommitFailed) {
		t.Fatalf("Commit() error = %v; want %v", err, ErrCommitFailed)
	}

	if state := client.State(); state != SessionStateOpen {
		t.Errorf("state = %v; want %v", state, SessionStateOpen)
	}

	mu.Lock()
	blocked = false
	mu.Unlock()

	writeBlock(t, client, handle, "cd", 2)

	if err := client.Commit(handle); err != nil {
		t.Fatalf("cannot commit after failure: %v", err)
	}

	cluster.CheckFile("file", "abcd")
}

func TestClientCloseCommitFailure(t *testing.T) {
	cluster := newTestCluster(t, 2)
	cluster.Start()

	var mu sync.Mutex
	blocked := true

	cluster.network.SetDropFunc(func(from, to netip.AddrPort, msg Msg) bool {
		mu.Lock()
		defer mu.Unlock()

		_, ok := msg.(*MsgCommitSuccess)
		return ok && blocked && from == cluster.serverConns[1].addr
	})

	client := cluster.NewClient(0)
	client.Cfg.MaxRounds = 3

	handle := openFile(t, client, "file")

	writeBlock(t, client, handle, "ab", 0)

	if err := client.Close(handle); !errors.Is(err, ErrCommitFailed) {
		t.Fatalf("Close() error = %v; want %v", err, ErrCommitFailed)
	}

	// The session survives so that the caller can retry.
	if state := client.State(); state != SessionStateOpen {
		t.Errorf("state = %v; want %v", state, SessionStateOpen)
	}

	for i, server := range cluster.servers {
		if state := server.Status().State; state != SessionStateOpen {
			t.Errorf("replica %d: state = %v; want %v",
				i, state, SessionStateOpen)
		}
	}

	mu.Lock()
	blocked = false
	mu.Unlock()

	if err := client.Close(handle); err != nil {
		t.Fatalf("cannot close after failure: %v", err)
	}

	if state := client.State(); state != SessionStateClosed {
		t.Errorf("state = %v; want %v", state, SessionStateClosed)
	}

	cluster.CheckFile("file", "ab")
}

func TestClientSessionState(t *testing.T) {
	cluster := newTestCluster(t, 1)
	cluster.Start()

	client := cluster.NewClient(0)

	if state := client.State(); state != SessionStateClosed {
		t.Errorf("state before open = %v; want %v", state, SessionStateClosed)
	}

	// Commit requests are sent from the client goroutine, which can
	// therefore read the state of the session.
	var mu sync.Mutex
	states := make(map[MsgType]SessionState)

	cluster.network.SetDropFunc(func(from, to netip.AddrPort, msg Msg) bool {
		switch msg.(type) {
		case *MsgTryCommit, *MsgCommit:
			mu.Lock()
			states[msg.Type()] = client.State()
			mu.Unlock()
		}

		return false
	})

	handle := openFile(t, client, "file")

	if state := client.State(); state != SessionStateOpen {
		t.Errorf("state after open = %v; want %v", state, SessionStateOpen)
	}

	writeBlock(t, client, handle, "ab", 0)

	if err := client.Commit(handle); err != nil {
		t.Fatalf("cannot commit: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()

	want := map[MsgType]SessionState{
		MsgTypeTryCommit: SessionStateTryCommit,
		MsgTypeCommit:    SessionStateCommit,
	}

	if !reflect.DeepEqual(states, want) {
		t.Errorf("states during commit = %v; want %v", states, want)
	}

	if state := client.State(); state != SessionStateOpen {
		t.Errorf("state after commit = %v; want %v", state, SessionStateOpen)
	}
}
