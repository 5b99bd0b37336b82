// Package file stores each replica's metadata as a JSON document in its
// own file. Files are replaced atomically on every update.
package file

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/renameio"
	"github.com/rs/zerolog"

	"github.com/dCache/dcache-sub081/internal/pool/metastore"
	"github.com/dCache/dcache-sub081/internal/pool/replica"
)

const (
	subdir = "meta"
	suffix = ".json"
)

// Store is a metastore.Store backed by one JSON file per replica.
type Store struct {
	dir    string
	logger zerolog.Logger

	mu sync.Mutex
}

var _ metastore.Store = (*Store)(nil)

// Open returns a Store keeping its files in <opts.Dir>/meta.
func Open(opts metastore.Options) (*Store, error) {
	dir := filepath.Join(opts.Dir, subdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create metadata directory: %w", err)
	}
	return &Store{
		dir:    dir,
		logger: opts.Logger.With().Str("component", "metastore-file").Logger(),
	}, nil
}

func (s *Store) path(id replica.ID) string {
	return filepath.Join(s.dir, id.String()+suffix)
}

func (s *Store) Create(id replica.ID) (metastore.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.path(id)); err == nil {
		return metastore.Record{}, metastore.ErrDuplicate
	} else if !errors.Is(err, fs.ErrNotExist) {
		return metastore.Record{}, err
	}
	rec := metastore.NewRecord(id)
	if err := s.write(rec); err != nil {
		return metastore.Record{}, err
	}
	return rec, nil
}

func (s *Store) Get(id replica.ID) (metastore.Record, error) {
	data, err := os.ReadFile(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return metastore.Record{}, replica.ErrNotFound
	}
	if err != nil {
		return metastore.Record{}, err
	}
	var rec metastore.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return metastore.Record{}, fmt.Errorf("%w: %s: %v", metastore.ErrCorrupt, id, err)
	}
	if rec.ID != id {
		return metastore.Record{}, fmt.Errorf("%w: %s holds record for %s", metastore.ErrCorrupt, id, rec.ID)
	}
	return rec, nil
}

func (s *Store) Put(rec metastore.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.path(rec.ID)); errors.Is(err, fs.ErrNotExist) {
		return replica.ErrNotFound
	}
	return s.write(rec)
}

func (s *Store) write(rec metastore.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode metadata %s: %w", rec.ID, err)
	}
	if err := renameio.WriteFile(s.path(rec.ID), data, 0o644); err != nil {
		return fmt.Errorf("write metadata %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) Remove(id replica.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *Store) List() ([]replica.ID, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	ids := make([]replica.ID, 0, len(entries))
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), suffix)
		if !ok || e.IsDir() {
			continue
		}
		id, err := replica.ParseID(name)
		if err != nil || id.String() != name {
			s.logger.Debug().Str("file", e.Name()).Msg("ignoring unexpected file in metadata directory")
			continue
		}
		ids = append(ids, id)
	}
	replica.SortIDs(ids)
	return ids, nil
}

func (s *Store) IsOK() bool {
	fi, err := os.Stat(s.dir)
	if err != nil || !fi.IsDir() {
		s.logger.Warn().Err(err).Str("dir", s.dir).Msg("metadata directory unavailable")
		return false
	}
	return true
}

func (s *Store) Close() error {
	return nil
}
