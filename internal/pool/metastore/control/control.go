// Package control reads and writes the classic pool control directory:
// one small text file per replica holding its state, and an SI- file with
// its attributes.
//
//	control/<id>     state line, optionally followed by "sticky"
//	control/SI-<id>  key=value lines: size, atime, checksum
//
// The format can only express the permanent pin held by StickyOwner; other
// sticky records are dropped on write.
package control

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio"
	"github.com/rs/zerolog"

	"github.com/dCache/dcache-sub081/internal/pool/checksum"
	"github.com/dCache/dcache-sub081/internal/pool/metastore"
	"github.com/dCache/dcache-sub081/internal/pool/replica"
)

// StickyOwner owns the permanent pin expressed by the "sticky" line.
const StickyOwner = "system"

const (
	infoPrefix = "SI-"

	stateFromClient = "receiving.client"
	stateFromStore  = "receiving.store"
	statePrecious   = "precious"
	stateCached     = "cached"
	stateRemoved    = "removed"
)

// Store is a metastore.Store over the classic control directory.
type Store struct {
	dir    string
	logger zerolog.Logger

	mu sync.Mutex
}

var _ metastore.Store = (*Store)(nil)

// Open returns a Store over opts.Dir.
func Open(opts metastore.Options) (*Store, error) {
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create control directory: %w", err)
	}
	return &Store{
		dir:    opts.Dir,
		logger: opts.Logger.With().Str("component", "metastore-control").Logger(),
	}, nil
}

func (s *Store) Create(id replica.ID) (metastore.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.statePath(id)); err == nil {
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
	data, err := os.ReadFile(s.statePath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return metastore.Record{}, replica.ErrNotFound
	}
	if err != nil {
		return metastore.Record{}, err
	}

	rec := metastore.Record{ID: id}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	rec.State, err = parseState(strings.TrimSpace(lines[0]))
	if err != nil {
		return metastore.Record{}, fmt.Errorf("%w: %s: %v", metastore.ErrCorrupt, id, err)
	}
	if len(lines) > 1 && strings.TrimSpace(lines[1]) == "sticky" {
		rec.Sticky = []replica.StickyRecord{{Owner: StickyOwner}}
	}

	info, err := os.ReadFile(s.infoPath(id))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return metastore.Record{}, err
	}
	if err := parseInfo(info, &rec); err != nil {
		return metastore.Record{}, fmt.Errorf("%w: %s: %v", metastore.ErrCorrupt, id, err)
	}
	return rec, nil
}

func (s *Store) Put(rec metastore.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.statePath(rec.ID)); errors.Is(err, fs.ErrNotExist) {
		return replica.ErrNotFound
	}
	return s.write(rec)
}

func (s *Store) write(rec metastore.Record) error {
	var state bytes.Buffer
	state.WriteString(formatState(rec.State))
	state.WriteByte('\n')
	if _, ok := (replica.Entry{Sticky: rec.Sticky}).StickyOf(StickyOwner); ok {
		state.WriteString("sticky\n")
	}

	var info bytes.Buffer
	fmt.Fprintf(&info, "size=%d\n", rec.Size)
	if !rec.LastAccess.IsZero() {
		fmt.Fprintf(&info, "atime=%d\n", rec.LastAccess.UnixMilli())
	}
	for _, c := range rec.Checksums {
		fmt.Fprintf(&info, "checksum=%s\n", c)
	}

	if err := renameio.WriteFile(s.infoPath(rec.ID), info.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write %s%s: %w", infoPrefix, rec.ID, err)
	}
	if err := renameio.WriteFile(s.statePath(rec.ID), state.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) Remove(id replica.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range []string{s.statePath(id), s.infoPath(id)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// List returns the ids that have a state file. Files that are not replica
// ids, such as SPACE_RESERVATION or SI- files, are skipped.
func (s *Store) List() ([]replica.ID, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var ids []replica.ID
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), infoPrefix) {
			continue
		}
		id, err := replica.ParseID(e.Name())
		if err != nil || id.String() != e.Name() {
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
		s.logger.Warn().Err(err).Str("dir", s.dir).Msg("control directory unavailable")
		return false
	}
	return true
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) statePath(id replica.ID) string {
	return filepath.Join(s.dir, id.String())
}

func (s *Store) infoPath(id replica.ID) string {
	return filepath.Join(s.dir, infoPrefix+id.String())
}

func parseState(line string) (replica.State, error) {
	switch line {
	case statePrecious:
		return replica.Precious, nil
	case stateCached:
		return replica.Cached, nil
	case stateFromClient, "receiving.cient", stateFromStore:
		return replica.Creating, nil
	case stateRemoved:
		return replica.Removed, nil
	default:
		return 0, fmt.Errorf("unknown state line %q", line)
	}
}

func formatState(s replica.State) string {
	switch s {
	case replica.Precious:
		return statePrecious
	case replica.Cached:
		return stateCached
	case replica.Removed:
		return stateRemoved
	default:
		return stateFromClient
	}
}

func parseInfo(data []byte, rec *metastore.Record) error {
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			return fmt.Errorf("malformed line %q", line)
		}
		switch k {
		case "size":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n < 0 {
				return fmt.Errorf("bad size %q", v)
			}
			rec.Size = n
		case "atime":
			ms, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("bad atime %q", v)
			}
			rec.LastAccess = time.UnixMilli(ms)
		case "checksum":
			c, err := checksum.Parse(v)
			if err != nil {
				return err
			}
			rec.Checksums = append(rec.Checksums, c)
		}
	}
	return sc.Err()
}
