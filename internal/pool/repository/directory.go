// Package repository tracks the replicas stored on a pool: their state,
// their space usage and their lifecycle from creation to physical
// deletion.
package repository

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dCache/dcache-sub081/internal/pool/checksum"
	"github.com/dCache/dcache-sub081/internal/pool/datastore"
	"github.com/dCache/dcache-sub081/internal/pool/metastore"
	"github.com/dCache/dcache-sub081/internal/pool/replica"
)

// DefaultStickyInterval is how often expired sticky records are swept.
const DefaultStickyInterval = time.Minute

type phase int

const (
	phaseNew phase = iota
	phaseReady
	phaseFailed
	phaseClosed
)

// Options configures a Directory.
type Options struct {
	// BaseDir holds the setup file, the reservation file and the
	// writability probe.
	BaseDir    string
	TotalSpace int64

	// AllowSpaceRecovery lets recovery evict cached replicas when the
	// data on disk exceeds TotalSpace by less than 10%.
	AllowSpaceRecovery bool

	StickyInterval time.Duration
	ChecksumTypes  []checksum.Type

	// Healer reconciles metadata during recovery. Defaults to a MetaHealer
	// without a legacy store.
	Healer  Healer
	Metrics Metrics
	Now     func() time.Time

	// Lock is the caller's claim on BaseDir, taken over by the Directory
	// and released by Close. When nil, New claims BaseDir itself.
	Lock *PoolLock
}

// Directory is the in-memory table of replicas on a pool.
//
// All structural changes take the write lock; lookups take the read
// lock. Entries are immutable snapshots replaced on every change, so a
// returned Entry never changes under the caller.
type Directory struct {
	opts    Options
	lock    *PoolLock
	meta    metastore.Store
	data    datastore.Store
	healer  Healer
	metrics Metrics
	logger  zerolog.Logger
	now     func() time.Time

	mu       sync.RWMutex
	phase    phase
	entries  map[replica.ID]replica.Entry
	precious int64
	reserved int64

	space  *SpaceMonitor
	sticky *StickyInspector

	recovering atomic.Bool

	listenersMu sync.RWMutex
	listeners   []Listener

	destroyMu    sync.Mutex
	destroyQueue []replica.ID
	destroyWake  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Directory over meta and data. The directory accepts no
// client operations until RunRecovery has succeeded.
func New(opts Options, meta metastore.Store, data datastore.Store, logger zerolog.Logger) (*Directory, error) {
	if opts.TotalSpace < 0 {
		return nil, fmt.Errorf("negative total space %d", opts.TotalSpace)
	}
	if opts.StickyInterval <= 0 {
		opts.StickyInterval = DefaultStickyInterval
	}
	if len(opts.ChecksumTypes) == 0 {
		opts.ChecksumTypes = []checksum.Type{checksum.ADLER32}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	logger = logger.With().Str("component", "repository").Logger()
	if opts.Healer == nil {
		opts.Healer = NewHealer(meta, nil, data, HealerOptions{}, logger)
	}

	lock := opts.Lock
	if lock == nil {
		var err error
		if lock, err = LockPool(opts.BaseDir); err != nil {
			return nil, err
		}
	}

	reserved, err := readReservation(reservationPath(opts.BaseDir), logger)
	if err != nil {
		_ = lock.Release()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Directory{
		opts:        opts,
		lock:        lock,
		meta:        meta,
		data:        data,
		healer:      opts.Healer,
		metrics:     opts.Metrics,
		logger:      logger,
		now:         opts.Now,
		entries:     make(map[replica.ID]replica.Entry),
		reserved:    reserved,
		space:       NewSpaceMonitor(opts.TotalSpace),
		destroyWake: make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
	}
	d.sticky = NewStickyInspector(opts.StickyInterval, opts.Now, d.expireSticky, logger)
	return d, nil
}

// readyLocked must be called with d.mu held.
func (d *Directory) readyLocked() error {
	switch d.phase {
	case phaseReady:
		return nil
	case phaseClosed:
		return ErrClosed
	default:
		return ErrNotInitialized
	}
}

// CreateEntry adds a replica in the Creating state.
func (d *Directory) CreateEntry(id replica.ID) (replica.Entry, error) {
	d.mu.Lock()
	if err := d.readyLocked(); err != nil {
		d.mu.Unlock()
		return replica.Entry{}, err
	}
	if _, ok := d.entries[id]; ok {
		d.mu.Unlock()
		return replica.Entry{}, fmt.Errorf("%w: %s", replica.ErrAlreadyExists, id)
	}
	if _, err := d.data.Stat(id); err == nil {
		d.mu.Unlock()
		return replica.Entry{}, fmt.Errorf("%w: data file for %s exists", replica.ErrAlreadyExists, id)
	} else if !errors.Is(err, fs.ErrNotExist) {
		d.mu.Unlock()
		return replica.Entry{}, fmt.Errorf("%w: stat data file %s: %w", ErrIO, id, err)
	}

	_, err := d.meta.Create(id)
	if errors.Is(err, metastore.ErrDuplicate) {
		d.logger.Warn().Str("id", id.String()).Msg("Removing dangling metadata record")
		if err = d.meta.Remove(id); err == nil {
			_, err = d.meta.Create(id)
		}
	}
	if err != nil {
		d.mu.Unlock()
		return replica.Entry{}, fmt.Errorf("%w: create metadata for %s: %w", ErrIO, id, err)
	}

	e := replica.Entry{ID: id, State: replica.Creating, LastAccess: d.now()}
	d.entries[id] = e
	d.mu.Unlock()

	d.dispatch(Event{Kind: EventCreate, Entry: e.Clone(), OldState: replica.Creating})
	return e.Clone(), nil
}

// GetEntry returns the replica unless it is unknown or Removed.
func (d *Directory) GetEntry(id replica.ID) (replica.Entry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if err := d.readyLocked(); err != nil {
		return replica.Entry{}, err
	}
	e, ok := d.entries[id]
	if !ok || e.State == replica.Removed {
		return replica.Entry{}, fmt.Errorf("%w: %s", replica.ErrNotFound, id)
	}
	return e.Clone(), nil
}

// GetGenericEntry is like GetEntry but also returns Removed replicas that
// are waiting to be destroyed.
func (d *Directory) GetGenericEntry(id replica.ID) (replica.Entry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if err := d.readyLocked(); err != nil {
		return replica.Entry{}, err
	}
	e, ok := d.entries[id]
	if !ok {
		return replica.Entry{}, fmt.Errorf("%w: %s", replica.ErrNotFound, id)
	}
	return e.Clone(), nil
}

// Contains reports whether id is a live replica.
func (d *Directory) Contains(id replica.ID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[id]
	return ok && e.State != replica.Removed
}

// ListIDs returns the ids of all tracked replicas, including removed ones
// not yet destroyed.
func (d *Directory) ListIDs() []replica.ID {
	d.mu.RLock()
	ids := make([]replica.ID, 0, len(d.entries))
	for id := range d.entries {
		ids = append(ids, id)
	}
	d.mu.RUnlock()
	replica.SortIDs(ids)
	return ids
}

// ListValidIDs returns the ids of Cached and Precious replicas.
func (d *Directory) ListValidIDs() []replica.ID {
	d.mu.RLock()
	ids := make([]replica.ID, 0, len(d.entries))
	for id, e := range d.entries {
		if e.State.IsValid() {
			ids = append(ids, id)
		}
	}
	d.mu.RUnlock()
	replica.SortIDs(ids)
	return ids
}

// Snapshot returns copies of all tracked entries ordered by id.
func (d *Directory) Snapshot() []replica.Entry {
	d.mu.RLock()
	out := make([]replica.Entry, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, e.Clone())
	}
	d.mu.RUnlock()
	slices.SortFunc(out, func(a, b replica.Entry) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// RemoveEntry marks the replica Removed and schedules its physical
// deletion. It returns false without changing anything if the replica is
// locked.
func (d *Directory) RemoveEntry(id replica.ID) (bool, error) {
	d.mu.Lock()
	if err := d.readyLocked(); err != nil {
		d.mu.Unlock()
		return false, err
	}
	e, ok := d.entries[id]
	if !ok || e.State == replica.Removed {
		d.mu.Unlock()
		return false, fmt.Errorf("%w: %s", replica.ErrNotFound, id)
	}
	if e.IsLocked() {
		d.mu.Unlock()
		return false, nil
	}

	next := e.WithState(replica.Removed)
	if err := d.meta.Put(recordOf(next)); err != nil {
		d.mu.Unlock()
		return false, fmt.Errorf("%w: mark %s removed: %w", ErrIO, id, err)
	}
	d.markRemovedLocked(e, next)
	d.reportSpaceLocked()
	d.mu.Unlock()

	d.dispatch(Event{Kind: EventRemove, Entry: next.Clone(), OldState: e.State})
	d.scheduleDestroy(id)
	return true, nil
}

// markRemovedLocked replaces e by its removed version next and returns its
// space.
func (d *Directory) markRemovedLocked(e, next replica.Entry) {
	d.entries[e.ID] = next
	d.space.Release(e.Size)
	if e.State == replica.Precious {
		d.precious -= e.Size
	}
	for _, r := range e.Sticky {
		d.sticky.Unregister(e.ID, r.Owner)
	}
}

// SetState moves a committed replica between Cached and Precious, or
// removes it. A locked replica cannot be removed and yields ErrLocked.
func (d *Directory) SetState(id replica.ID, to replica.State) error {
	if to == replica.Removed {
		removed, err := d.RemoveEntry(id)
		if err != nil {
			return err
		}
		if !removed {
			return fmt.Errorf("%w: %s", ErrLocked, id)
		}
		return nil
	}

	d.mu.Lock()
	if err := d.readyLocked(); err != nil {
		d.mu.Unlock()
		return err
	}
	e, ok := d.entries[id]
	if !ok || e.State == replica.Removed {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", replica.ErrNotFound, id)
	}
	if e.State == to {
		d.mu.Unlock()
		return nil
	}
	if e.State == replica.Creating || !e.State.CanTransition(to) {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s from %s to %s", ErrIllegalTransition, id, e.State, to)
	}

	next := e.WithState(to)
	if err := d.meta.Put(recordOf(next)); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("%w: update %s: %w", ErrIO, id, err)
	}
	d.entries[id] = next
	if to == replica.Precious {
		d.precious += e.Size
	} else if e.State == replica.Precious {
		d.precious -= e.Size
	}
	d.reportSpaceLocked()
	d.mu.Unlock()

	d.dispatch(Event{Kind: EventUpdate, Entry: next.Clone(), OldState: e.State})
	return nil
}

// SetSticky attaches r to the replica, replacing the record of the same
// owner. A record that has already expired removes the owner's pin.
func (d *Directory) SetSticky(id replica.ID, r replica.StickyRecord) error {
	if r.IsExpiredAt(d.now()) {
		return d.ClearSticky(id, r.Owner)
	}
	return d.updateEntry(id, func(e replica.Entry) replica.Entry {
		return e.WithSticky(r)
	}, func() {
		d.sticky.Register(id, r)
	})
}

// ClearSticky removes owner's pin from the replica.
func (d *Directory) ClearSticky(id replica.ID, owner string) error {
	return d.updateEntry(id, func(e replica.Entry) replica.Entry {
		return e.WithoutSticky(owner)
	}, func() {
		d.sticky.Unregister(id, owner)
	})
}

func (d *Directory) updateEntry(id replica.ID, change func(replica.Entry) replica.Entry, after func()) error {
	d.mu.Lock()
	if err := d.readyLocked(); err != nil {
		d.mu.Unlock()
		return err
	}
	e, ok := d.entries[id]
	if !ok || e.State == replica.Removed {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", replica.ErrNotFound, id)
	}
	next := change(e)
	if e.State != replica.Creating {
		if err := d.meta.Put(recordOf(next)); err != nil {
			d.mu.Unlock()
			return fmt.Errorf("%w: update %s: %w", ErrIO, id, err)
		}
	}
	d.entries[id] = next
	after()
	d.mu.Unlock()

	d.dispatch(Event{Kind: EventUpdate, Entry: next.Clone(), OldState: e.State})
	return nil
}

// expireSticky drops owner's record from the replica if it is still
// expired. Missing or removed replicas are skipped.
func (d *Directory) expireSticky(id replica.ID, owner string) {
	d.mu.Lock()
	e, ok := d.entries[id]
	if !ok || e.State == replica.Removed {
		d.mu.Unlock()
		return
	}
	r, ok := e.StickyOf(owner)
	if !ok || !r.IsExpiredAt(d.now()) {
		d.mu.Unlock()
		return
	}
	next := e.WithoutSticky(owner)
	if e.State != replica.Creating {
		if err := d.meta.Put(recordOf(next)); err != nil {
			d.mu.Unlock()
			d.logger.Error().Err(err).Str("id", id.String()).Str("owner", owner).
				Msg("Failed to persist expired sticky record")
			d.sticky.Register(id, r)
			return
		}
	}
	d.entries[id] = next
	d.mu.Unlock()

	d.logger.Debug().Str("id", id.String()).Str("owner", owner).Msg("Sticky record expired")
	d.dispatch(Event{Kind: EventUpdate, Entry: next.Clone(), OldState: e.State})
}

// SpaceRecord returns the current space usage.
func (d *Directory) SpaceRecord() SpaceRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var removable int64
	for _, e := range d.entries {
		if e.IsEvictable() {
			removable += e.Size
		}
	}
	return SpaceRecord{
		Total:     d.space.Total(),
		Used:      d.space.Used(),
		Free:      d.space.Free(),
		Precious:  d.precious,
		Reserved:  d.reserved,
		Removable: removable,
	}
}

// CollectMetrics publishes entry counts and space usage.
func (d *Directory) CollectMetrics() {
	d.mu.RLock()
	defer d.mu.RUnlock()
	counts := map[replica.State]int{}
	for _, e := range d.entries {
		counts[e.State]++
	}
	for _, s := range []replica.State{replica.Creating, replica.Cached, replica.Precious, replica.Removed} {
		d.metrics.SetEntries(s.String(), counts[s])
	}
	d.reportSpaceLocked()
}

// reportSpaceLocked must be called with d.mu held.
func (d *Directory) reportSpaceLocked() {
	d.metrics.SetSpace(d.space.Total(), d.space.Used(), d.space.Free(), d.precious, d.reserved)
}

// Close stops the background workers. Pending physical deletions are
// completed by the next recovery.
func (d *Directory) Close() error {
	d.mu.Lock()
	if d.phase == phaseClosed {
		d.mu.Unlock()
		return nil
	}
	d.phase = phaseClosed
	d.mu.Unlock()

	d.sticky.Stop()
	d.cancel()
	d.wg.Wait()
	defer func() {
		if err := d.lock.Release(); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to release pool lock")
		}
	}()

	d.destroyMu.Lock()
	pending := len(d.destroyQueue)
	d.destroyMu.Unlock()
	if pending > 0 {
		d.logger.Info().Int("pending", pending).Msg("Replicas left for removal at next startup")
	}
	return nil
}
