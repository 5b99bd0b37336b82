// Package datastore keeps replica data files in a flat directory named by
// replica id.
package datastore

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dCache/dcache-sub081/internal/pool/replica"
)

// File is an open data file.
type File interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
	Stat() (os.FileInfo, error)
	Sync() error
}

// Store holds replica data files.
type Store interface {
	List() ([]replica.ID, error)
	// Get opens the existing data file of id for reading and writing.
	Get(id replica.ID) (File, error)
	// Create creates an empty data file for id. It fails with
	// replica.ErrAlreadyExists if the file exists.
	Create(id replica.ID) (File, error)
	Stat(id replica.ID) (os.FileInfo, error)
	// Touch sets the modification time of the data file, which recovery
	// uses as the replica's last access time.
	Touch(id replica.ID, t time.Time) error
	Remove(id replica.ID) error
	IsOK() bool
}

// FileStore is a Store over a local directory.
type FileStore struct {
	dir    string
	logger zerolog.Logger
}

var _ Store = (*FileStore)(nil)

// NewFileStore returns a FileStore over dir, which must exist.
func NewFileStore(dir string, logger zerolog.Logger) (*FileStore, error) {
	fi, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("data directory: %w", err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("data directory %s is not a directory", dir)
	}
	return &FileStore{
		dir:    dir,
		logger: logger.With().Str("component", "datastore").Logger(),
	}, nil
}

// Dir returns the directory holding the data files.
func (s *FileStore) Dir() string {
	return s.dir
}

// Path returns the data file path of id.
func (s *FileStore) Path(id replica.ID) string {
	return filepath.Join(s.dir, id.String())
}

// List returns the ids of all data files, sorted. Temporary files left by
// interrupted writes and other stray names are logged and skipped.
func (s *FileStore) List() ([]replica.ID, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", s.dir, err)
	}
	ids := make([]replica.ID, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		id, err := replica.ParseID(name)
		if err != nil || id.String() != name {
			s.logger.Warn().Str("file", name).Msg("ignoring file that is not a replica")
			continue
		}
		ids = append(ids, id)
	}
	replica.SortIDs(ids)
	return ids, nil
}

func (s *FileStore) Get(id replica.ID) (File, error) {
	f, err := os.OpenFile(s.Path(id), os.O_RDWR, 0)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", replica.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *FileStore) Create(id replica.ID) (File, error) {
	f, err := os.OpenFile(s.Path(id), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return nil, fmt.Errorf("%w: data file %s", replica.ErrAlreadyExists, id)
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *FileStore) Stat(id replica.ID) (os.FileInfo, error) {
	return os.Stat(s.Path(id))
}

func (s *FileStore) Touch(id replica.ID, t time.Time) error {
	return os.Chtimes(s.Path(id), t, t)
}

// Remove deletes the data file of id. A missing file is not an error.
func (s *FileStore) Remove(id replica.ID) error {
	if err := os.Remove(s.Path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *FileStore) IsOK() bool {
	fi, err := os.Stat(s.dir)
	if err != nil || !fi.IsDir() {
		s.logger.Warn().Err(err).Str("dir", s.dir).Msg("data directory unavailable")
		return false
	}
	return true
}
