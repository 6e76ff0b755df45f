package replfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	StateFileName = ".replfs-state.json"

	reservedFilenamePrefix = ".replfs"
)

// ValidateFilename checks that a name can be used both in an Open message and
// as a file in a mount directory.
func ValidateFilename(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty name", ErrInvalidFilename)

	case len(name) >= MaxFilenameLength:
		return fmt.Errorf("%w: name longer than %d bytes", ErrInvalidFilename,
			MaxFilenameLength-1)

	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("%w %q: invalid character", ErrInvalidFilename, name)

	case name == "." || name == "..":
		return fmt.Errorf("%w %q", ErrInvalidFilename, name)

	case strings.HasPrefix(name, reservedFilenamePrefix):
		return fmt.Errorf("%w %q: reserved name", ErrInvalidFilename, name)
	}

	return nil
}

// Mount is the directory in which a replica stores the committed copy of
// the files it serves.
type Mount struct {
	Directory string
}

func NewMount(directory string) *Mount {
	return &Mount{
		Directory: directory,
	}
}

func (m *Mount) Create() error {
	if err := os.MkdirAll(m.Directory, 0700); err != nil {
		return fmt.Errorf("cannot create directory %q: %w", m.Directory, err)
	}

	return nil
}

func (m *Mount) StateFilePath() string {
	return filepath.Join(m.Directory, StateFileName)
}

func (m *Mount) FilePath(name string) string {
	return filepath.Join(m.Directory, name)
}

// OpenFile opens a file for writing, creating it if necessary. Existing
// content is preserved.
func (m *Mount) OpenFile(name string) (*os.File, error) {
	if err := ValidateFilename(name); err != nil {
		return nil, err
	}

	path := m.FilePath(name)

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("cannot open %q: %w", path, err)
	}

	return file, nil
}

// ApplyWrites replays records in order then syncs the file.
func ApplyWrites(file *os.File, records []WriteRecord) error {
	for _, record := range records {
		if _, err := file.WriteAt(record.Data, record.Offset); err != nil {
			return fmt.Errorf("cannot write %d bytes at offset %d in %q: %w",
				len(record.Data), record.Offset, file.Name(), err)
		}
	}

	if err := file.Sync(); err != nil {
		return fmt.Errorf("cannot sync %q: %w", file.Name(), err)
	}

	return nil
}
