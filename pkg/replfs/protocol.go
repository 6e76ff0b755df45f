package replfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Every message starts with a fixed header:
//
//	type     uint16
//	length   uint32  size of the whole message, header included
//	checksum uint32  sum of all bytes, the checksum field counting as zero
//
// All integers are big-endian.
const (
	HeaderSize = 10

	// MaxMsgSize is the size of the largest message, a TryCommitFail
	// message listing MaxMissingWriteIds write ids.
	MaxMsgSize = HeaderSize + 16 + 4*MaxMissingWriteIds

	checksumOffset = 6
)

type MsgType uint16

const (
	MsgTypeDiscover MsgType = iota + 1
	MsgTypeDiscoverAck
	MsgTypeOpen
	MsgTypeOpenSuccess
	MsgTypeOpenFail
	MsgTypeClose
	MsgTypeCloseSuccess
	MsgTypeCloseFail
	MsgTypeWrite
	MsgTypeTryCommit
	MsgTypeTryCommitFail
	MsgTypeTryCommitSuccess
	MsgTypeCommit
	MsgTypeCommitSuccess
	MsgTypeCommitFail
	MsgTypeAbort
)

var msgTypeNames = map[MsgType]string{
	MsgTypeDiscover:         "discover",
	MsgTypeDiscoverAck:      "discoverAck",
	MsgTypeOpen:             "open",
	MsgTypeOpenSuccess:      "openSuccess",
	MsgTypeOpenFail:         "openFail",
	MsgTypeClose:            "close",
	MsgTypeCloseSuccess:     "closeSuccess",
	MsgTypeCloseFail:        "closeFail",
	MsgTypeWrite:            "write",
	MsgTypeTryCommit:        "tryCommit",
	MsgTypeTryCommitFail:    "tryCommitFail",
	MsgTypeTryCommitSuccess: "tryCommitSuccess",
	MsgTypeCommit:           "commit",
	MsgTypeCommitSuccess:    "commitSuccess",
	MsgTypeCommitFail:       "commitFail",
	MsgTypeAbort:            "abort",
}

func (t MsgType) String() string {
	if name, found := msgTypeNames[t]; found {
		return name
	}

	return fmt.Sprintf("unknown(%d)", uint16(t))
}

type Msg interface {
	Type() MsgType
	Encode(*bytes.Buffer)
	Decode([]byte) error

	fmt.Stringer
}

func EncodeMsg(msg Msg) []byte {
	var buf bytes.Buffer

	buf.Write(make([]byte, HeaderSize))
	msg.Encode(&buf)

	data := buf.Bytes()

	binary.BigEndian.PutUint16(data[0:2], uint16(msg.Type()))
	binary.BigEndian.PutUint32(data[2:6], uint32(len(data)))
	binary.BigEndian.PutUint32(data[checksumOffset:], Checksum(data))

	return data
}

// Checksum returns the additive byte sum of an encoded message, ignoring the
// content of the checksum field.
func Checksum(data []byte) uint32 {
	var sum uint32

	for i, b := range data {
		if i >= checksumOffset && i < checksumOffset+4 {
			continue
		}

		sum += uint32(b)
	}

	return sum
}

// VerifyMsg checks the length and checksum fields of an encoded message.
func VerifyMsg(data []byte) bool {
	if len(data) < HeaderSize {
		return false
	}

	if binary.BigEndian.Uint32(data[2:6]) != uint32(len(data)) {
		return false
	}

	return binary.BigEndian.Uint32(data[checksumOffset:]) == Checksum(data)
}

func DecodeMsg(data []byte) (Msg, error) {
	if !VerifyMsg(data) {
		return nil, fmt.Errorf("%w: bad length or checksum", ErrInvalidMsg)
	}

	var msg Msg

	msgType := MsgType(binary.BigEndian.Uint16(data[0:2]))

	switch msgType {
	case MsgTypeDiscover:
		msg = &MsgDiscover{}
	case MsgTypeDiscoverAck:
		msg = &MsgDiscoverAck{}
	case MsgTypeOpen:
		msg = &MsgOpen{}
	case MsgTypeOpenSuccess:
		msg = &MsgOpenSuccess{}
	case MsgTypeOpenFail:
		msg = &MsgOpenFail{}
	case MsgTypeClose:
		msg = &MsgClose{}
	case MsgTypeCloseSuccess:
		msg = &MsgCloseSuccess{}
	case MsgTypeCloseFail:
		msg = &MsgCloseFail{}
	case MsgTypeWrite:
		msg = &MsgWrite{}
	case MsgTypeTryCommit:
		msg = &MsgTryCommit{}
	case MsgTypeTryCommitFail:
		msg = &MsgTryCommitFail{}
	case MsgTypeTryCommitSuccess:
		msg = &MsgTryCommitSuccess{}
	case MsgTypeCommit:
		msg = &MsgCommit{}
	case MsgTypeCommitSuccess:
		msg = &MsgCommitSuccess{}
	case MsgTypeCommitFail:
		msg = &MsgCommitFail{}
	case MsgTypeAbort:
		msg = &MsgAbort{}

	default:
		return nil, fmt.Errorf("%w: unknown message type %d",
			ErrInvalidMsg, uint16(msgType))
	}

	if err := msg.Decode(data[HeaderSize:]); err != nil {
		return nil, fmt.Errorf("%w: cannot decode %v payload: %v",
			ErrInvalidMsg, msgType, err)
	}

	return msg, nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

// payloadReader consumes a payload front to back; the first error sticks.
type payloadReader struct {
	data []byte
	err  error
}

func (r *payloadReader) next(n int) []byte {
	if r.err != nil {
		return nil
	}

	if len(r.data) < n {
		r.err = fmt.Errorf("truncated payload")
		return nil
	}

	b := r.data[:n]
	r.data = r.data[n:]

	return b
}

func (r *payloadReader) uint32() uint32 {
	b := r.next(4)
	if b == nil {
		return 0
	}

	return binary.BigEndian.Uint32(b)
}

func (r *payloadReader) uint64() uint64 {
	b := r.next(8)
	if b == nil {
		return 0
	}

	return binary.BigEndian.Uint64(b)
}

func (r *payloadReader) finish() error {
	if r.err != nil {
		return r.err
	}

	if len(r.data) > 0 {
		return fmt.Errorf("%d trailing bytes", len(r.data))
	}

	return nil
}

func decodeEmpty(data []byte) error {
	if len(data) > 0 {
		return fmt.Errorf("unexpected %d bytes payload", len(data))
	}

	return nil
}

func decodeHandle(data []byte) (FileHandle, error) {
	r := payloadReader{data: data}
	handle := FileHandle(r.uint32())

	return handle, r.finish()
}

type MsgDiscover struct {
}

func (msg *MsgDiscover) Type() MsgType {
	return MsgTypeDiscover
}

func (msg *MsgDiscover) Encode(buf *bytes.Buffer) {
}

func (msg *MsgDiscover) Decode(data []byte) error {
	return decodeEmpty(data)
}

func (msg *MsgDiscover) String() string {
	return "Discover{}"
}

type MsgDiscoverAck struct {
}

func (msg *MsgDiscoverAck) Type() MsgType {
	return MsgTypeDiscoverAck
}

func (msg *MsgDiscoverAck) Encode(buf *bytes.Buffer) {
}

func (msg *MsgDiscoverAck) Decode(data []byte) error {
	return decodeEmpty(data)
}

func (msg *MsgDiscoverAck) String() string {
	return "DiscoverAck{}"
}

type MsgOpen struct {
	Filename string
	Handle   FileHandle
}

func (msg *MsgOpen) Type() MsgType {
	return MsgTypeOpen
}

// Encode writes the filename in a fixed-size NUL-terminated field; callers
// are expected to have validated its length.
func (msg *MsgOpen) Encode(buf *bytes.Buffer) {
	var field [MaxFilenameLength]byte
	copy(field[:MaxFilenameLength-1], msg.Filename)

	buf.Write(field[:])
	writeUint32(buf, uint32(msg.Handle))
}

func (msg *MsgOpen) Decode(data []byte) error {
	r := payloadReader{data: data}

	field := r.next(MaxFilenameLength)
	msg.Handle = FileHandle(r.uint32())

	if err := r.finish(); err != nil {
		return err
	}

	end := bytes.IndexByte(field, 0)
	if end == -1 {
		return fmt.Errorf("unterminated filename")
	}

	msg.Filename = string(field[:end])

	return nil
}

func (msg *MsgOpen) String() string {
	return fmt.Sprintf("Open{filename: %q, handle: %d}",
		msg.Filename, msg.Handle)
}

type MsgOpenSuccess struct {
	Handle FileHandle
}

func (msg *MsgOpenSuccess) Type() MsgType {
	return MsgTypeOpenSuccess
}

func (msg *MsgOpenSuccess) Encode(buf *bytes.Buffer) {
	writeUint32(buf, uint32(msg.Handle))
}

func (msg *MsgOpenSuccess) Decode(data []byte) (err error) {
	msg.Handle, err = decodeHandle(data)
	return
}

func (msg *MsgOpenSuccess) String() string {
	return fmt.Sprintf("OpenSuccess{handle: %d}", msg.Handle)
}

type MsgOpenFail struct {
	Handle FileHandle
}

func (msg *MsgOpenFail) Type() MsgType {
	return MsgTypeOpenFail
}

func (msg *MsgOpenFail) Encode(buf *bytes.Buffer) {
	writeUint32(buf, uint32(msg.Handle))
}

func (msg *MsgOpenFail) Decode(data []byte) (err error) {
	msg.Handle, err = decodeHandle(data)
	return
}

func (msg *MsgOpenFail) String() string {
	return fmt.Sprintf("OpenFail{handle: %d}", msg.Handle)
}

type MsgClose struct {
	Handle FileHandle
}

func (msg *MsgClose) Type() MsgType {
	return MsgTypeClose
}

func (msg *MsgClose) Encode(buf *bytes.Buffer) {
	writeUint32(buf, uint32(msg.Handle))
}

func (msg *MsgClose) Decode(data []byte) (err error) {
	msg.Handle, err = decodeHandle(data)
	return
}

func (msg *MsgClose) String() string {
	return fmt.Sprintf("Close{handle: %d}", msg.Handle)
}

type MsgCloseSuccess struct {
	Handle FileHandle
}

func (msg *MsgCloseSuccess) Type() MsgType {
	return MsgTypeCloseSuccess
}

func (msg *MsgCloseSuccess) Encode(buf *bytes.Buffer) {
	writeUint32(buf, uint32(msg.Handle))
}

func (msg *MsgCloseSuccess) Decode(data []byte) (err error) {
	msg.Handle, err = decodeHandle(data)
	return
}

func (msg *MsgCloseSuccess) String() string {
	return fmt.Sprintf("CloseSuccess{handle: %d}", msg.Handle)
}

type MsgCloseFail struct {
	Handle FileHandle
}

func (msg *MsgCloseFail) Type() MsgType {
	return MsgTypeCloseFail
}

func (msg *MsgCloseFail) Encode(buf *bytes.Buffer) {
	writeUint32(buf, uint32(msg.Handle))
}

func (msg *MsgCloseFail) Decode(data []byte) (err error) {
	msg.Handle, err = decodeHandle(data)
	return
}

func (msg *MsgCloseFail) String() string {
	return fmt.Sprintf("CloseFail{handle: %d}", msg.Handle)
}

type MsgWrite struct {
	Handle  FileHandle
	WriteId WriteId
	Offset  int64
	Data    []byte
}

func (msg *MsgWrite) Type() MsgType {
	return MsgTypeWrite
}

func (msg *MsgWrite) Encode(buf *bytes.Buffer) {
	writeUint32(buf, uint32(msg.Handle))
	writeUint32(buf, uint32(msg.WriteId))
	writeUint64(buf, uint64(msg.Offset))
	writeUint32(buf, uint32(len(msg.Data)))
	buf.Write(msg.Data)
}

func (msg *MsgWrite) Decode(data []byte) error {
	r := payloadReader{data: data}

	msg.Handle = FileHandle(r.uint32())
	msg.WriteId = WriteId(r.uint32())
	offset := r.uint64()
	length := r.uint32()

	if r.err == nil && length >= MaxBlockLength {
		return fmt.Errorf("block length %d too large", length)
	}

	// The block is copied: the datagram buffer belongs to the transport.
	block := r.next(int(length))

	if err := r.finish(); err != nil {
		return err
	}

	if offset > math.MaxInt64 {
		return fmt.Errorf("invalid offset %d", offset)
	}

	msg.Offset = int64(offset)
	msg.Data = append([]byte(nil), block...)

	return nil
}

func (msg *MsgWrite) String() string {
	return fmt.Sprintf("Write{handle: %d, wid: %d, offset: %d, length: %d}",
		msg.Handle, msg.WriteId, msg.Offset, len(msg.Data))
}

// Commit-family messages embed a CommitRange which provides their payload
// encoding.

func (r CommitRange) Encode(buf *bytes.Buffer) {
	writeUint32(buf, uint32(r.Handle))
	writeUint32(buf, uint32(r.From))
	writeUint32(buf, uint32(r.To))
}

func (r *CommitRange) Decode(data []byte) error {
	pr := payloadReader{data: data}
	r.decode(&pr)

	return pr.finish()
}

func (r *CommitRange) decode(pr *payloadReader) {
	r.Handle = FileHandle(pr.uint32())
	r.From = WriteId(pr.uint32())
	r.To = WriteId(pr.uint32())
}

type MsgTryCommit struct {
	CommitRange
}

func (msg *MsgTryCommit) Type() MsgType {
	return MsgTypeTryCommit
}

func (msg *MsgTryCommit) String() string {
	return "TryCommit" + msg.CommitRange.String()
}

type MsgTryCommitSuccess struct {
	CommitRange
}

func (msg *MsgTryCommitSuccess) Type() MsgType {
	return MsgTypeTryCommitSuccess
}

func (msg *MsgTryCommitSuccess) String() string {
	return "TryCommitSuccess" + msg.CommitRange.String()
}

// MsgTryCommitFail carries the missing write ids as a count followed by the
// ids themselves.
type MsgTryCommitFail struct {
	CommitRange
	Missing []WriteId
}

func (msg *MsgTryCommitFail) Type() MsgType {
	return MsgTypeTryCommitFail
}

func (msg *MsgTryCommitFail) Encode(buf *bytes.Buffer) {
	msg.CommitRange.Encode(buf)

	writeUint32(buf, uint32(len(msg.Missing)))
	for _, wid := range msg.Missing {
		writeUint32(buf, uint32(wid))
	}
}

func (msg *MsgTryCommitFail) Decode(data []byte) error {
	r := payloadReader{data: data}

	msg.CommitRange.decode(&r)

	count := r.uint32()
	if r.err == nil && count > MaxMissingWriteIds {
		return fmt.Errorf("too many missing write ids (%d)", count)
	}

	msg.Missing = make([]WriteId, 0, count)
	for i := uint32(0); i < count; i++ {
		msg.Missing = append(msg.Missing, WriteId(r.uint32()))
	}

	return r.finish()
}

func (msg *MsgTryCommitFail) String() string {
	return fmt.Sprintf("TryCommitFail{handle: %d, from: %d, to: %d, "+
		"%d missing}", msg.Handle, msg.From, msg.To, len(msg.Missing))
}

type MsgCommit struct {
	CommitRange
}

func (msg *MsgCommit) Type() MsgType {
	return MsgTypeCommit
}

func (msg *MsgCommit) String() string {
	return "Commit" + msg.CommitRange.String()
}

type MsgCommitSuccess struct {
	CommitRange
}

func (msg *MsgCommitSuccess) Type() MsgType {
	return MsgTypeCommitSuccess
}

func (msg *MsgCommitSuccess) String() string {
	return "CommitSuccess" + msg.CommitRange.String()
}

type MsgCommitFail struct {
	CommitRange
}

func (msg *MsgCommitFail) Type() MsgType {
	return MsgTypeCommitFail
}

func (msg *MsgCommitFail) String() string {
	return "CommitFail" + msg.CommitRange.String()
}

// MsgAbort asks replicas to discard every write whose id is strictly lower
// than To.
type MsgAbort struct {
	CommitRange
}

func (msg *MsgAbort) Type() MsgType {
	return MsgTypeAbort
}

func (msg *MsgAbort) String() string {
	return "Abort" + msg.CommitRange.String()
}
