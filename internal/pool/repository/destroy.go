package repository

import (
	"github.com/dCache/dcache-sub081/internal/pool/replica"
)

func (d *Directory) scheduleDestroy(id replica.ID) {
	d.destroyMu.Lock()
	d.destroyQueue = append(d.destroyQueue, id)
	d.destroyMu.Unlock()

	select {
	case d.destroyWake <- struct{}{}:
	default:
	}
}

// runDestroyer deletes removed replicas in the order they were removed.
func (d *Directory) runDestroyer() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.destroyWake:
			for {
				d.destroyMu.Lock()
				if len(d.destroyQueue) == 0 {
					d.destroyMu.Unlock()
					break
				}
				id := d.destroyQueue[0]
				d.destroyQueue = d.destroyQueue[1:]
				d.destroyMu.Unlock()

				d.destroy(id)
			}
		}
	}
}

// destroy deletes the data file and metadata of a removed replica, notifies
// listeners and drops the entry.
func (d *Directory) destroy(id replica.ID) {
	d.mu.RLock()
	e, ok := d.entries[id]
	d.mu.RUnlock()
	if !ok || e.State != replica.Removed || e.IsLocked() {
		return
	}

	if err := d.data.Remove(id); err != nil {
		d.logger.Error().Err(err).Str("id", id.String()).
			Msg("Failed to delete data file, will retry at next startup")
		return
	}
	if err := d.meta.Remove(id); err != nil {
		d.logger.Warn().Err(err).Str("id", id.String()).Msg("Failed to delete metadata record")
	}

	d.dispatch(Event{Kind: EventDestroy, Entry: e.Clone(), OldState: replica.Removed})

	d.mu.Lock()
	if cur, ok := d.entries[id]; ok && cur.State == replica.Removed {
		delete(d.entries, id)
	}
	d.mu.Unlock()
}
