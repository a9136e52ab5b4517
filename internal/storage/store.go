// Package storage persists frames to the output directory.
package storage

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/cjeanneret/multicap/internal/logic/capture"
)

// ErrInsufficientSpace is returned by EnsureFreeSpace.
var ErrInsufficientSpace = errors.New("insufficient disk space")

// FileStore writes one file per frame into a directory.
// Existing files are never overwritten: a name collision is a write failure.
type FileStore struct {
	dir string
	enc Encoder
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string, enc Encoder) (*FileStore, error) {
	if enc == nil {
		enc = RawEncoder{}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	return &FileStore{dir: dir, enc: enc}, nil
}

// Dir returns the output directory.
func (s *FileStore) Dir() string { return s.dir }

// Extension returns the encoder's file extension.
func (s *FileStore) Extension() string { return s.enc.Extension() }

// Path returns the full path of name.
func (s *FileStore) Path(name string) string { return filepath.Join(s.dir, name) }

// Persist implements capture.Store.
func (s *FileStore) Persist(name string, f *capture.Frame) error {
	path := s.Path(name)
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}

	bw := bufio.NewWriterSize(file, 256<<10)
	err = s.enc.Encode(bw, f)
	if err == nil {
		err = bw.Flush()
	}
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return err
	}
	return nil
}

// EnsureFreeSpace fails when the filesystem holding dir has less than
// minBytes available.
func EnsureFreeSpace(dir string, minBytes uint64) error {
	if minBytes == 0 {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	usage, err := disk.Usage(dir)
	if err != nil {
		return fmt.Errorf("check disk space of %s: %w", dir, err)
	}
	if usage.Free < minBytes {
		return fmt.Errorf("%w in %s: need %d MiB, have %d MiB",
			ErrInsufficientSpace, dir, minBytes>>20, usage.Free>>20)
	}
	return nil
}
