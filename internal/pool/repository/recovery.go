package repository

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	"github.com/dCache/dcache-sub081/internal/pool/replica"
)

// RunRecovery rebuilds the entry table from the data files on disk. It
// must run once before the directory serves clients; calls made while it
// runs wait for it to finish. I/O failures abort recovery and leave the
// directory unusable.
//
// When the replicas found need more than the configured total space,
// recovery fails with ErrOverbookedFatal unless space recovery is allowed,
// and with ErrOverbookedUnrecoverable if the excess is 10% of the total
// or more. Otherwise cached replicas without sticky records are evicted,
// least recently used first, until the data fits.
func (d *Directory) RunRecovery() error {
	d.mu.Lock()
	if d.phase != phaseNew {
		d.mu.Unlock()
		return ErrAlreadyInitialized
	}

	d.recovering.Store(true)
	err := d.recoverLocked()
	d.recovering.Store(false)
	if err != nil {
		d.phase = phaseFailed
		d.mu.Unlock()
		return err
	}
	d.phase = phaseReady
	d.reportSpaceLocked()
	d.mu.Unlock()

	d.sticky.Start()
	d.wg.Add(1)
	go d.runDestroyer()
	return nil
}

func (d *Directory) recoverLocked() error {
	ids, err := d.data.List()
	if err != nil {
		return fmt.Errorf("%w: list data files: %w", ErrIO, err)
	}
	slices.Sort(ids)

	if err := d.crosscheckLocked(ids); err != nil {
		return err
	}

	d.space.ForceAllocate(d.reserved)
	used := d.reserved
	healed := make([]replica.Entry, 0, len(ids))
	skipped := 0
	for _, id := range ids {
		e, err := d.healer.Heal(id)
		if errors.Is(err, ErrIO) {
			return err
		}
		if err != nil {
			d.logger.Warn().Err(err).Str("id", id.String()).Msg("Skipping replica")
			skipped++
			continue
		}
		e.LockCount = 0
		d.entries[id] = e
		d.space.ForceAllocate(e.Size)
		if e.State == replica.Precious {
			d.precious += e.Size
		}
		for _, r := range e.Sticky {
			d.sticky.Register(id, r)
		}
		used += e.Size
		healed = append(healed, e)
	}

	total := d.space.Total()
	if used > total {
		excess := used - total
		if !d.opts.AllowSpaceRecovery {
			return fmt.Errorf("%w: %d bytes used of %d", ErrOverbookedFatal, used, total)
		}
		if overbookedBeyondLimit(excess, total) {
			return fmt.Errorf("%w: %d bytes used of %d", ErrOverbookedUnrecoverable, used, total)
		}
		d.logger.Warn().Int64("used", used).Int64("total", total).Msg("Pool overbooked, evicting cached replicas")
	}

	slices.SortFunc(healed, func(a, b replica.Entry) int {
		return cmp.Or(a.LastAccess.Compare(b.LastAccess), cmp.Compare(a.ID, b.ID))
	})

	evicted := 0
	for _, e := range healed {
		d.dispatch(Event{Kind: EventScan, Entry: e.Clone(), OldState: e.State})
		if used <= total || e.State == replica.Precious || e.IsSticky() {
			continue
		}
		next := e.WithState(replica.Removed)
		if err := d.meta.Put(recordOf(next)); err != nil {
			return fmt.Errorf("%w: evict %s: %w", ErrIO, e.ID, err)
		}
		d.markRemovedLocked(e, next)
		used -= e.Size
		evicted++
		d.metrics.AddEvicted(e.Size)
		d.dispatch(Event{Kind: EventRemove, Entry: next.Clone(), OldState: e.State})
		d.scheduleDestroy(e.ID)
	}

	if used > total {
		return fmt.Errorf("%w: %d bytes of precious or sticky replicas exceed %d", ErrOverbookedFatal, used, total)
	}
	if free := d.space.Free(); used != total-free {
		panic(fmt.Errorf("%w: recovered %d bytes but space monitor reports %d used",
			ErrInvariantViolation, used, total-free))
	}

	d.logger.Info().
		Int("replicas", len(healed)-evicted).
		Int("skipped", skipped).
		Int("evicted", evicted).
		Int64("used", used).
		Int64("total", total).
		Msg("Recovery finished")
	return nil
}

// crosscheckLocked removes metadata records whose data file is gone.
func (d *Directory) crosscheckLocked(dataIDs []replica.ID) error {
	metaIDs, err := d.meta.List()
	if err != nil {
		return fmt.Errorf("%w: list metadata: %w", ErrIO, err)
	}
	for _, id := range metaIDs {
		if _, found := slices.BinarySearch(dataIDs, id); found {
			continue
		}
		d.logger.Warn().Str("id", id.String()).Msg("Removing metadata record without data file")
		if err := d.meta.Remove(id); err != nil {
			return fmt.Errorf("%w: remove metadata %s: %w", ErrIO, id, err)
		}
	}
	return nil
}

// overbookedBeyondLimit reports whether excess is at least 10% of total.
func overbookedBeyondLimit(excess, total int64) bool {
	limit := total / 10
	if total%10 != 0 {
		limit++
	}
	return excess >= limit
}
