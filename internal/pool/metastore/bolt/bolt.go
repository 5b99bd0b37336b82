// Package bolt keeps replica metadata in a single bbolt database file.
package bolt

import (
	"fmt"
	"path/filepath"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/rs/zerolog"

	"github.com/dCache/dcache-sub081/internal/pool/metastore"
	"github.com/dCache/dcache-sub081/internal/pool/replica"
)

// FileName is the database file inside the control directory.
const FileName = "meta.db"

var bucketName = []byte("replicas")

// Store is a metastore.Store backed by bbolt.
type Store struct {
	db     *bbolt.DB
	logger zerolog.Logger
}

var _ metastore.Store = (*Store)(nil)

// Open opens or creates <opts.Dir>/meta.db.
func Open(opts metastore.Options) (*Store, error) {
	path := filepath.Join(opts.Dir, FileName)
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &Store{
		db:     db,
		logger: opts.Logger.With().Str("component", "metastore-bolt").Logger(),
	}, nil
}

func (s *Store) Create(id replica.ID) (metastore.Record, error) {
	rec := metastore.NewRecord(id)
	value, err := metastore.EncodeRecord(rec)
	if err != nil {
		return metastore.Record{}, err
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b.Get([]byte(id)) != nil {
			return metastore.ErrDuplicate
		}
		return b.Put([]byte(id), value)
	})
	if err != nil {
		return metastore.Record{}, err
	}
	return rec, nil
}

func (s *Store) Get(id replica.ID) (metastore.Record, error) {
	var rec metastore.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketName).Get([]byte(id))
		if v == nil {
			return replica.ErrNotFound
		}
		var err error
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
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b.Get([]byte(rec.ID)) == nil {
			return replica.ErrNotFound
		}
		return b.Put([]byte(rec.ID), value)
	})
}

func (s *Store) Remove(id replica.ID) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(id))
	})
}

func (s *Store) List() ([]replica.ID, error) {
	var ids []replica.ID
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(k, _ []byte) error {
			id, err := replica.ParseID(string(k))
			if err != nil {
				s.logger.Warn().Str("key", string(k)).Msg("skipping malformed key")
				return nil
			}
			ids = append(ids, id)
			return nil
		})
	})
	return ids, err
}

func (s *Store) IsOK() bool {
	err := s.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketName) == nil {
			return fmt.Errorf("bucket %s missing", bucketName)
		}
		return nil
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("metadata database unhealthy")
		return false
	}
	return true
}

func (s *Store) Close() error {
	return s.db.Close()
}
