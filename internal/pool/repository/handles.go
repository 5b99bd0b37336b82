package repository

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dCache/dcache-sub081/internal/pool/checksum"
	"github.com/dCache/dcache-sub081/internal/pool/datastore"
	"github.com/dCache/dcache-sub081/internal/pool/replica"
)

// WriteHandle writes the data of a replica in the Creating state. The
// replica stays locked until the handle is committed or cancelled.
type WriteHandle struct {
	d    *Directory
	id   replica.ID
	file datastore.File
	acc  *checksum.Accumulator

	mu        sync.Mutex
	allocated int64
	expected  []checksum.Checksum
	done      bool
}

// OpenWrite creates the data file of a replica returned by CreateEntry.
// Checksums of the given types are computed while writing; without types
// the configured defaults are used.
func (d *Directory) OpenWrite(id replica.ID, types ...checksum.Type) (*WriteHandle, error) {
	if len(types) == 0 {
		types = d.opts.ChecksumTypes
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.readyLocked(); err != nil {
		return nil, err
	}
	e, ok := d.entries[id]
	if !ok || e.State == replica.Removed {
		return nil, fmt.Errorf("%w: %s", replica.ErrNotFound, id)
	}
	if e.State != replica.Creating {
		return nil, fmt.Errorf("%w: %s is %s", ErrIllegalTransition, id, e.State)
	}
	if e.IsLocked() {
		return nil, fmt.Errorf("%w: %s is already being written", ErrLocked, id)
	}

	f, err := d.data.Create(id)
	if err != nil {
		if errors.Is(err, replica.ErrAlreadyExists) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: create data file %s: %w", ErrIO, id, err)
	}
	acc, err := checksum.NewAccumulator(f, types...)
	if err != nil {
		_ = f.Close()
		_ = d.data.Remove(id)
		return nil, err
	}

	d.entries[id] = e.WithLockDelta(1)
	return &WriteHandle{d: d, id: id, file: f, acc: acc}, nil
}

// ID returns the replica being written.
func (h *WriteHandle) ID() replica.ID {
	return h.id
}

// WriteAt writes p at off. Writes may arrive in any order and from
// several goroutines.
func (h *WriteHandle) WriteAt(p []byte, off int64) (int, error) {
	return h.acc.WriteAt(p, off)
}

// ReadAt reads back data already written.
func (h *WriteHandle) ReadAt(p []byte, off int64) (int, error) {
	return h.acc.ReadAt(p, off)
}

// Expect registers checksums the written data must match. Commit fails
// with ErrChecksumMismatch when any of them differs.
func (h *WriteHandle) Expect(sums ...checksum.Checksum) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.expected = append(h.expected, sums...)
}

// Allocate claims n more bytes of pool space for this replica.
func (h *WriteHandle) Allocate(n int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return ErrHandleClosed
	}
	if n <= 0 {
		return nil
	}
	if !h.d.space.Allocate(n) {
		return fmt.Errorf("%w: %d bytes for %s", ErrNoSpace, n, h.id)
	}
	h.allocated += n
	h.d.reportSpace()
	return nil
}

// UseReservation moves n reserved bytes to this replica.
func (h *WriteHandle) UseReservation(n int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return ErrHandleClosed
	}
	h.d.mu.Lock()
	defer h.d.mu.Unlock()
	if err := h.d.takeReservedLocked(n); err != nil {
		return err
	}
	h.allocated += n
	h.d.reportSpaceLocked()
	return nil
}

// Commit finishes the replica in state target, which must be Cached or
// Precious, attaching the given sticky records. The replica's size is
// the size of its data file; space beyond what was allocated is claimed,
// unused allocation is returned. Checksums whose computation was
// invalidated are omitted. If the data does not match a checksum given to
// Expect the replica stays in Creating and the handle stays open, so the
// caller can still Cancel it.
func (h *WriteHandle) Commit(target replica.State, sticky ...replica.StickyRecord) (replica.Entry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return replica.Entry{}, ErrHandleClosed
	}
	if !target.IsValid() {
		return replica.Entry{}, fmt.Errorf("%w: cannot commit %s as %s", ErrIllegalTransition, h.id, target)
	}

	sums, err := h.acc.Checksums()
	if err != nil {
		return replica.Entry{}, fmt.Errorf("%w: checksum %s: %w", ErrIO, h.id, err)
	}
	if len(sums) < len(h.acc.Types()) {
		h.d.metrics.IncChecksumInvalidated()
		h.d.logger.Warn().Str("id", h.id.String()).Msg("Checksum invalidated by overlapping writes")
	}
	if err := h.file.Sync(); err != nil {
		return replica.Entry{}, fmt.Errorf("%w: sync %s: %w", ErrIO, h.id, err)
	}
	fi, err := h.file.Stat()
	if err != nil {
		return replica.Entry{}, fmt.Errorf("%w: stat %s: %w", ErrIO, h.id, err)
	}
	if sums, err = h.checkExpected(sums, fi.Size()); err != nil {
		return replica.Entry{}, err
	}

	e, err := h.d.commit(h.id, target, fi.Size(), h.allocated, sums, sticky)
	if err != nil {
		return replica.Entry{}, err
	}
	h.done = true
	if err := h.file.Close(); err != nil {
		h.d.logger.Warn().Err(err).Str("id", h.id.String()).Msg("Failed to close data file")
	}
	return e, nil
}

// Cancel abandons the replica. Its data file and metadata are deleted.
func (h *WriteHandle) Cancel() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return nil
	}
	h.done = true
	if err := h.file.Close(); err != nil {
		h.d.logger.Warn().Err(err).Str("id", h.id.String()).Msg("Failed to close data file")
	}
	h.d.space.Release(h.allocated)
	h.d.release(h.id)
	removed, err := h.d.RemoveEntry(h.id)
	if err == nil && !removed {
		err = fmt.Errorf("%w: %s", ErrLocked, h.id)
	}
	return err
}

// checkExpected compares the expected checksums against sums, reading the
// data file for types that were not computed while writing. It returns
// sums extended by those types.
func (h *WriteHandle) checkExpected(sums []checksum.Checksum, size int64) ([]checksum.Checksum, error) {
	if len(h.expected) == 0 {
		return sums, nil
	}
	var missing []checksum.Type
	for _, want := range h.expected {
		if _, ok := checksum.Find(sums, want.Type); !ok {
			missing = append(missing, want.Type)
		}
	}
	if len(missing) > 0 {
		extra, err := checksum.Compute(h.file, size, missing...)
		if err != nil {
			return nil, fmt.Errorf("%w: checksum %s: %w", ErrIO, h.id, err)
		}
		sums = append(sums, extra...)
	}
	for _, want := range h.expected {
		got, _ := checksum.Find(sums, want.Type)
		if !got.Equal(want) {
			h.d.logger.Warn().Str("id", h.id.String()).Str("expected", want.String()).Str("actual", got.String()).
				Msg("Checksum mismatch on commit")
			return nil, fmt.Errorf("%w: %s: expected %s, got %s", ErrChecksumMismatch, h.id, want, got)
		}
	}
	return sums, nil
}

func (d *Directory) commit(id replica.ID, target replica.State, size, allocated int64, sums []checksum.Checksum, sticky []replica.StickyRecord) (replica.Entry, error) {
	d.mu.Lock()
	if err := d.readyLocked(); err != nil {
		d.mu.Unlock()
		return replica.Entry{}, err
	}
	e, ok := d.entries[id]
	if !ok || e.State != replica.Creating {
		d.mu.Unlock()
		return replica.Entry{}, fmt.Errorf("%w: %s is no longer being created", ErrIllegalTransition, id)
	}

	delta := size - allocated
	if delta > 0 && !d.space.Allocate(delta) {
		d.mu.Unlock()
		return replica.Entry{}, fmt.Errorf("%w: %d more bytes for %s", ErrNoSpace, delta, id)
	} else if delta < 0 {
		d.space.Release(-delta)
	}

	now := d.now()
	next := e.WithSize(size).WithState(target).WithChecksums(sums).WithLockDelta(-1).Touch(now)
	for _, r := range sticky {
		if !r.IsExpiredAt(now) {
			next = next.WithSticky(r)
		}
	}
	if err := d.meta.Put(recordOf(next)); err != nil {
		if delta > 0 {
			d.space.Release(delta)
		} else if delta < 0 {
			d.space.ForceAllocate(-delta)
		}
		d.mu.Unlock()
		return replica.Entry{}, fmt.Errorf("%w: commit %s: %w", ErrIO, id, err)
	}

	d.entries[id] = next
	if target == replica.Precious {
		d.precious += size
	}
	for _, r := range next.Sticky {
		d.sticky.Register(id, r)
	}
	d.reportSpaceLocked()
	d.mu.Unlock()

	d.dispatch(Event{Kind: EventUpdate, Entry: next.Clone(), OldState: replica.Creating})
	return next.Clone(), nil
}

// ReadHandle gives read access to a committed replica. The replica cannot
// be removed while the handle is open.
type ReadHandle struct {
	d     *Directory
	entry replica.Entry
	file  datastore.File
	once  sync.Once
}

// OpenRead opens a Cached or Precious replica and records the access.
func (d *Directory) OpenRead(id replica.ID) (*ReadHandle, error) {
	return d.openRead(id, true)
}

func (d *Directory) openRead(id replica.ID, touch bool) (*ReadHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.readyLocked(); err != nil {
		return nil, err
	}
	e, ok := d.entries[id]
	if !ok || e.State == replica.Removed {
		return nil, fmt.Errorf("%w: %s", replica.ErrNotFound, id)
	}
	if e.State == replica.Creating {
		return nil, fmt.Errorf("%w: %s", ErrIncomplete, id)
	}

	f, err := d.data.Get(id)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrIO, id, err)
	}
	next := e.WithLockDelta(1)
	if touch {
		now := d.now()
		if err := d.data.Touch(id, now); err != nil {
			d.logger.Debug().Err(err).Str("id", id.String()).Msg("Failed to record access time")
		}
		next = next.Touch(now)
	}
	d.entries[id] = next
	return &ReadHandle{d: d, entry: next.Clone(), file: f}, nil
}

// Entry returns the replica as it was when the handle was opened.
func (h *ReadHandle) Entry() replica.Entry {
	return h.entry.Clone()
}

func (h *ReadHandle) ReadAt(p []byte, off int64) (int, error) {
	return h.file.ReadAt(p, off)
}

// Close releases the replica.
func (h *ReadHandle) Close() error {
	err := ErrHandleClosed
	h.once.Do(func() {
		err = h.file.Close()
		h.d.release(h.entry.ID)
	})
	return err
}

// Verify re-reads a committed replica and compares it with its recorded
// checksums. A replica without checksums gets the configured types
// computed and recorded. The access time is left unchanged.
func (d *Directory) Verify(id replica.ID) ([]checksum.Checksum, error) {
	h, err := d.openRead(id, false)
	if err != nil {
		return nil, err
	}
	defer func() { _ = h.Close() }()

	e := h.entry
	types := make([]checksum.Type, 0, len(e.Checksums))
	for _, c := range e.Checksums {
		types = append(types, c.Type)
	}
	if len(types) == 0 {
		types = d.opts.ChecksumTypes
	}
	sums, err := checksum.Compute(h, e.Size, types...)
	if err != nil {
		return nil, fmt.Errorf("%w: verify %s: %w", ErrIO, id, err)
	}

	if len(e.Checksums) == 0 {
		if len(sums) > 0 {
			err = d.updateEntry(id, func(cur replica.Entry) replica.Entry {
				if len(cur.Checksums) > 0 {
					return cur
				}
				return cur.WithChecksums(sums)
			}, func() {})
			if err != nil {
				return nil, err
			}
			d.logger.Info().Str("id", id.String()).Msg("Recorded checksums of replica")
		}
		return sums, nil
	}

	for _, want := range e.Checksums {
		got, _ := checksum.Find(sums, want.Type)
		if !got.Equal(want) {
			d.logger.Error().Str("id", id.String()).Str("expected", want.String()).Str("actual", got.String()).
				Msg("Replica does not match its checksum")
			return sums, fmt.Errorf("%w: %s: expected %s, got %s", ErrChecksumMismatch, id, want, got)
		}
	}
	return sums, nil
}

// release drops one lock on id.
func (d *Directory) release(id replica.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.entries[id]; ok {
		d.entries[id] = e.WithLockDelta(-1)
	}
}

func (d *Directory) reportSpace() {
	d.mu.RLock()
	defer d.mu.RUnlock()
	d.reportSpaceLocked()
}
