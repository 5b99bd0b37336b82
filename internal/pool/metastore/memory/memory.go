// Package memory provides a metadata store that keeps records in memory.
// It is used by tests and by dry runs of the recovery procedure.
package memory

import (
	"sync"

	"github.com/dCache/dcache-sub081/internal/pool/metastore"
	"github.com/dCache/dcache-sub081/internal/pool/replica"
)

// Store is an in-memory metastore.Store.
type Store struct {
	mu      sync.RWMutex
	records map[replica.ID]metastore.Record
	closed  bool
}

var _ metastore.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{records: make(map[replica.ID]metastore.Record)}
}

func (s *Store) Create(id replica.ID) (metastore.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return metastore.Record{}, metastore.ErrClosed
	}
	if _, ok := s.records[id]; ok {
		return metastore.Record{}, metastore.ErrDuplicate
	}
	rec := metastore.NewRecord(id)
	s.records[id] = rec
	return rec, nil
}

func (s *Store) Get(id replica.ID) (metastore.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return metastore.Record{}, replica.ErrNotFound
	}
	return rec, nil
}

func (s *Store) Put(rec metastore.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return metastore.ErrClosed
	}
	if _, ok := s.records[rec.ID]; !ok {
		return replica.ErrNotFound
	}
	s.records[rec.ID] = rec
	return nil
}

func (s *Store) Remove(id replica.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *Store) List() ([]replica.ID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]replica.ID, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	replica.SortIDs(ids)
	return ids, nil
}

func (s *Store) IsOK() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.closed
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
