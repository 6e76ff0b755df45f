package replfs

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// PersistentState is the part of the replica state which survives restarts.
// An empty filename means that no session is open.
type PersistentState struct {
	Filename         string     `json:"filename,omitempty"`
	Handle           FileHandle `json:"handle,omitempty"`
	CommitWatermark  WriteId    `json:"commitWatermark"`
	LastClosedHandle FileHandle `json:"lastClosedHandle,omitempty"`
}

// PersistentStore keeps the persistent state in a JSON file. The file is
// locked for the lifetime of the store so that two replicas cannot share a
// mount directory.
type PersistentStore struct {
	filePath string
	file     *os.File
}

func NewPersistentStore(filePath string) *PersistentStore {
	return &PersistentStore{
		filePath: filePath,
	}
}

func (s *PersistentStore) Open() error {
	flags := os.O_RDWR | os.O_CREATE
	file, err := os.OpenFile(s.filePath, flags, 0600)
	if err != nil {
		return fmt.Errorf("cannot open %q: %w", s.filePath, err)
	}

	err = unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		file.Close()

		if errors.Is(err, unix.EWOULDBLOCK) {
			return fmt.Errorf("%w: %q is locked", ErrMountInUse, s.filePath)
		}

		return fmt.Errorf("cannot lock %q: %w", s.filePath, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()

		return fmt.Errorf("cannot stat %q: %w", s.filePath, err)
	}

	s.file = file

	if info.Size() == 0 {
		if err := s.Write(PersistentState{}); err != nil {
			file.Close()

			return fmt.Errorf("cannot write default state to %q: %w",
				s.filePath, err)
		}
	}

	return nil
}

func (s *PersistentStore) Close() {
	s.file.Close()
}

func (s *PersistentStore) Read(state *PersistentState) error {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("cannot seek %q: %w", s.filePath, err)
	}

	d := json.NewDecoder(s.file)
	if err := d.Decode(state); err != nil {
		return fmt.Errorf("cannot read json data from %q: %w",
			s.filePath, err)
	}

	return nil
}

func (s *PersistentStore) Write(state PersistentState) error {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("cannot seek %q: %w", s.filePath, err)
	}

	if err := s.file.Truncate(0); err != nil {
		return fmt.Errorf("cannot truncate %q: %w", s.filePath, err)
	}

	e := json.NewEncoder(s.file)
	if err := e.Encode(&state); err != nil {
		return fmt.Errorf("cannot write json data to %q: %w", s.filePath, err)
	}

	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("cannot sync %q: %w", s.filePath, err)
	}

	return nil
}
