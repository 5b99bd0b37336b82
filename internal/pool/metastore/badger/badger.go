// Package badger keeps replica metadata in a Badger key-value store.
package badger

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/dgraph-io/badger/v2"
	"github.com/rs/zerolog"

	"github.com/dCache/dcache-sub081/internal/pool/metastore"
	"github.com/dCache/dcache-sub081/internal/pool/replica"
)

// DirName is the Badger directory inside the control directory.
const DirName = "badger"

var keyPrefix = []byte("r/")

// Store is a metastore.Store backed by Badger.
type Store struct {
	db     *badger.DB
	logger zerolog.Logger
}

var _ metastore.Store = (*Store)(nil)

// Open opens or creates the database in <opts.Dir>/badger.
func Open(opts metastore.Options) (*Store, error) {
	dir := filepath.Join(opts.Dir, DirName)
	bopts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dir, err)
	}
	return &Store{
		db:     db,
		logger: opts.Logger.With().Str("component", "metastore-badger").Logger(),
	}, nil
}

func key(id replica.ID) []byte {
	return append(append([]byte{}, keyPrefix...), id...)
}

func (s *Store) Create(id replica.ID) (metastore.Record, error) {
	rec := metastore.NewRecord(id)
	value, err := metastore.EncodeRecord(rec)
	if err != nil {
		return metastore.Record{}, err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key(id))
		if err == nil {
			return metastore.ErrDuplicate
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key(id), value)
	})
	if err != nil {
		return metastore.Record{}, err
	}
	return rec, nil
}

func (s *Store) Get(id replica.ID) (metastore.Record, error) {
	var rec metastore.Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return replica.ErrNotFound
		}
		if err != nil {
			return err
		}
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		rec, err = metastore.DecodeRecord(id, v)
		return err
	})
	return rec, err
}

func (s *Store) Put(rec metastore.Record) error {
	value, err := metastore.EncodeRecord(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key(rec.ID)); errors.Is(err, badger.ErrKeyNotFound) {
			return replica.ErrNotFound
		} else if err != nil {
			return err
		}
		return txn.Set(key(rec.ID), value)
	})
}

func (s *Store) Remove(id replica.ID) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(id))
	})
}

func (s *Store) List() ([]replica.ID, error) {
	var ids []replica.ID
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = keyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			k := it.Item().Key()
			id, err := replica.ParseID(string(k[len(keyPrefix):]))
			if err != nil {
				s.logger.Warn().Str("key", string(k)).Msg("skipping malformed key")
				continue
			}
			ids = append(ids, id)
		}
		return nil
	})
	return ids, err
}

func (s *Store) IsOK() bool {
	if s.db.IsClosed() {
		s.logger.Warn().Msg("metadata database is closed")
		return false
	}
	return true
}

func (s *Store) Close() error {
	return s.db.Close()
}
