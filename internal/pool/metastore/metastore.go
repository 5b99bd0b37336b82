// Package metastore defines the persistent metadata record of a replica and
// the interface the pool's metadata backends implement.
package metastore

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/dCache/dcache-sub081/internal/pool/checksum"
	"github.com/dCache/dcache-sub081/internal/pool/replica"
)

var (
	// ErrDuplicate is returned by Create when a record already exists.
	ErrDuplicate = errors.New("metadata record already exists")

	// ErrCorrupt is returned by Get when a stored record cannot be decoded.
	ErrCorrupt = errors.New("metadata record is corrupt")

	// ErrUnknownProvider is returned when no backend is registered under
	// the configured name.
	ErrUnknownProvider = errors.New("unknown metadata store provider")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("metadata store is closed")
)

// Record is the persistent metadata of one replica.
type Record struct {
	ID         replica.ID             `json:"id"`
	Size       int64                  `json:"size"`
	State      replica.State          `json:"state"`
	Sticky     []replica.StickyRecord `json:"sticky,omitempty"`
	LastAccess time.Time              `json:"last_access"`
	Checksums  []checksum.Checksum    `json:"checksums,omitempty"`
}

// Store is a replica metadata backend.
//
// Get and Put return replica.ErrNotFound for unknown ids. Remove of an
// unknown id is not an error.
type Store interface {
	// Create stores an empty record for id in the Creating state. It
	// returns ErrDuplicate if a record already exists.
	Create(id replica.ID) (Record, error)
	Get(id replica.ID) (Record, error)
	Put(rec Record) error
	Remove(id replica.ID) error
	List() ([]replica.ID, error)
	IsOK() bool
	Close() error
}

// Options configures a backend.
type Options struct {
	// Dir is the pool's control directory. Each backend keeps its files
	// under it with names of its own.
	Dir    string
	Logger zerolog.Logger
}

// NewRecord returns the record Create stores for id.
func NewRecord(id replica.ID) Record {
	return Record{ID: id, State: replica.Creating, LastAccess: time.Now()}
}
