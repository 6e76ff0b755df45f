package replfs

import "errors"

// Local validation errors; they are returned before any network exchange.
var (
	ErrNotInitialized  = errors.New("client not initialized")
	ErrInvalidHandle   = errors.New("invalid file handle")
	ErrInvalidFilename = errors.New("invalid filename")
	ErrInvalidOffset   = errors.New("invalid offset")
	ErrBlockTooLarge   = errors.New("block too large")
	ErrFileAlreadyOpen = errors.New("a file is already open")
)

// Replica unavailability errors; they are only returned once a network
// operation has exhausted its attempts.
var (
	ErrServersUnavailable = errors.New("servers unavailable")
	ErrOpenFailed         = errors.New("cannot open file on all replicas")
	ErrCommitFailed       = errors.New("cannot commit outstanding changes")
	ErrCloseFailed        = errors.New("cannot close file on all replicas")
)

var (
	ErrInvalidMsg      = errors.New("invalid message")
	ErrTimeout         = errors.New("timeout")
	ErrTransportClosed = errors.New("transport closed")
	ErrMountInUse      = errors.New("mount directory already in use")
)
