package repository

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dCache/dcache-sub081/internal/pool/datastore"
	"github.com/dCache/dcache-sub081/internal/pool/metastore"
	"github.com/dCache/dcache-sub081/internal/pool/replica"
)

// Healer reconciles the metadata of one replica with its data file during
// recovery. Errors wrapping ErrIO abort recovery; any other error makes
// recovery skip the replica.
type Healer interface {
	Heal(id replica.ID) (replica.Entry, error)
}

// HealerOptions configures a MetaHealer.
type HealerOptions struct {
	// AllowControlRecovery heals replicas left in the Creating state to
	// Cached instead of skipping them.
	AllowControlRecovery bool
}

// MetaHealer treats the data file as the truth: its size and modification
// time override the metadata, and data files without metadata are
// imported, from the legacy store when it has a record, otherwise as
// Cached replicas.
type MetaHealer struct {
	meta   metastore.Store
	legacy metastore.Store
	data   datastore.Store
	opts   HealerOptions
	logger zerolog.Logger
}

// NewHealer returns a MetaHealer. legacy may be nil.
func NewHealer(meta, legacy metastore.Store, data datastore.Store, opts HealerOptions, logger zerolog.Logger) *MetaHealer {
	return &MetaHealer{
		meta:   meta,
		legacy: legacy,
		data:   data,
		opts:   opts,
		logger: logger.With().Str("component", "healer").Logger(),
	}
}

func (h *MetaHealer) Heal(id replica.ID) (replica.Entry, error) {
	fi, err := h.data.Stat(id)
	if err != nil {
		return replica.Entry{}, fmt.Errorf("%w: stat data file %s: %w", ErrIO, id, err)
	}

	rec, err := h.meta.Get(id)
	switch {
	case err == nil:
	case errors.Is(err, metastore.ErrCorrupt):
		h.logger.Warn().Err(err).Str("id", id.String()).Msg("Discarding corrupt metadata record")
		if err := h.meta.Remove(id); err != nil {
			return replica.Entry{}, fmt.Errorf("%w: remove corrupt record %s: %w", ErrIO, id, err)
		}
		fallthrough
	case errors.Is(err, replica.ErrNotFound):
		rec, err = h.importRecord(id, fi.Size())
		if err != nil {
			return replica.Entry{}, err
		}
	default:
		return replica.Entry{}, fmt.Errorf("%w: read metadata %s: %w", ErrIO, id, err)
	}

	changed := false
	switch rec.State {
	case replica.Removed:
		if err := h.data.Remove(id); err != nil {
			return replica.Entry{}, fmt.Errorf("%w: finish removal of %s: %w", ErrIO, id, err)
		}
		if err := h.meta.Remove(id); err != nil {
			return replica.Entry{}, fmt.Errorf("%w: finish removal of %s: %w", ErrIO, id, err)
		}
		return replica.Entry{}, fmt.Errorf("%w: %s", ErrPendingRemoval, id)
	case replica.Creating:
		if !h.opts.AllowControlRecovery {
			return replica.Entry{}, fmt.Errorf("%w: %s was being written", ErrIncomplete, id)
		}
		h.logger.Warn().Str("id", id.String()).Msg("Recovering incomplete replica as cached")
		rec.State = replica.Cached
		rec.Checksums = nil
		changed = true
	}

	if rec.Size != fi.Size() {
		h.logger.Warn().Str("id", id.String()).
			Int64("recorded", rec.Size).
			Int64("actual", fi.Size()).
			Msg("Size mismatch, using data file size")
		rec.Size = fi.Size()
		rec.Checksums = nil
		changed = true
	}
	if !rec.LastAccess.Equal(fi.ModTime()) {
		rec.LastAccess = fi.ModTime()
		changed = true
	}
	if changed {
		if err := h.meta.Put(rec); err != nil {
			return replica.Entry{}, fmt.Errorf("%w: update metadata %s: %w", ErrIO, id, err)
		}
	}
	return entryOf(rec), nil
}

// importRecord creates a metadata record for a data file that has none.
func (h *MetaHealer) importRecord(id replica.ID, size int64) (metastore.Record, error) {
	rec := metastore.Record{ID: id, Size: size, State: replica.Cached}
	source := "orphan"
	if h.legacy != nil {
		lrec, err := h.legacy.Get(id)
		switch {
		case err == nil:
			rec = lrec
			source = "legacy"
		case errors.Is(err, replica.ErrNotFound), errors.Is(err, metastore.ErrCorrupt):
		default:
			return metastore.Record{}, fmt.Errorf("%w: read legacy metadata %s: %w", ErrIO, id, err)
		}
	}

	if _, err := h.meta.Create(id); err != nil {
		return metastore.Record{}, fmt.Errorf("%w: create metadata %s: %w", ErrIO, id, err)
	}
	if err := h.meta.Put(rec); err != nil {
		return metastore.Record{}, fmt.Errorf("%w: import metadata %s: %w", ErrIO, id, err)
	}
	h.logger.Info().Str("id", id.String()).Str("source", source).Str("state", rec.State.String()).
		Msg("Imported metadata record")
	return rec, nil
}
