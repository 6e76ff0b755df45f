package replfs

import (
	"fmt"
	"time"
)

const (
	DefaultPort           = 41056
	DefaultMulticastGroup = "224.1.1.1"

	// MaxBlockLength is an exclusive upper bound on the size of a single
	// staged write.
	MaxBlockLength = 512

	// MaxFilenameLength is the size of the filename field of Open messages,
	// including the terminating NUL byte.
	MaxFilenameLength = 128

	// MaxMissingWriteIds bounds the number of write ids reported in a
	// single TryCommitFail message.
	MaxMissingWriteIds = 1024

	DefaultBufferSize = 8 * 1024
)

type FileHandle uint32

type WriteId uint32

type WriteRecord struct {
	Handle  FileHandle
	WriteId WriteId
	Offset  int64
	Data    []byte
}

func (r *WriteRecord) String() string {
	return fmt.Sprintf("WriteRecord{handle: %d, wid: %d, offset: %d, "+
		"length: %d}", r.Handle, r.WriteId, r.Offset, len(r.Data))
}

// CommitRange identifies the inclusive range of write ids reconciled by a
// commit.
type CommitRange struct {
	Handle FileHandle
	From   WriteId
	To     WriteId
}

func (r CommitRange) String() string {
	return fmt.Sprintf("{handle: %d, from: %d, to: %d}", r.Handle, r.From, r.To)
}

type SessionState string

const (
	SessionStateClosed    SessionState = "closed"
	SessionStateOpen      SessionState = "open"
	SessionStateTryCommit SessionState = "tryCommit"
	SessionStateCommit    SessionState = "commit"
)

// ReplicaStatus is a point-in-time view of a replica, published by the
// server receive loop.
type ReplicaStatus struct {
	State           SessionState   `json:"state"`
	Filename        string         `json:"filename,omitempty"`
	Handle          FileHandle     `json:"handle,omitempty"`
	CommitWatermark WriteId        `json:"commitWatermark"`
	PendingWrites   int            `json:"pendingWrites"`
	LastMessageTime time.Time      `json:"lastMessageTime"`
	NbCommits       int64          `json:"nbCommits"`
	TransportStats  TransportStats `json:"transport"`
}

type TransportStats struct {
	NbReceived int64 `json:"nbReceived"`
	NbDropped  int64 `json:"nbDropped"`
	NbRejected int64 `json:"nbRejected"`
	NbSent     int64 `json:"nbSent"`
}
