package repository

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dCache/dcache-sub081/internal/pool/replica"
)

type stickyKey struct {
	id    replica.ID
	owner string
}

// StickyInspector periodically removes sticky records whose lifetime has
// passed. It only tracks records with an expiry.
type StickyInspector struct {
	interval time.Duration
	now      func() time.Time
	expire   func(id replica.ID, owner string)
	logger   zerolog.Logger

	mu      sync.Mutex
	records map[stickyKey]time.Time

	expired atomic.Uint64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
}

// NewStickyInspector creates an inspector that calls expire for each
// record found expired. expire must re-check the record and skip replicas
// that no longer exist.
func NewStickyInspector(interval time.Duration, now func() time.Time, expire func(id replica.ID, owner string), logger zerolog.Logger) *StickyInspector {
	ctx, cancel := context.WithCancel(context.Background())
	return &StickyInspector{
		interval: interval,
		now:      now,
		expire:   expire,
		logger:   logger.With().Str("component", "sticky-inspector").Logger(),
		records:  make(map[stickyKey]time.Time),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Register tracks r for id. A permanent record stops tracking the owner.
func (si *StickyInspector) Register(id replica.ID, r replica.StickyRecord) {
	si.mu.Lock()
	defer si.mu.Unlock()
	key := stickyKey{id, r.Owner}
	if r.Expires == nil {
		delete(si.records, key)
		return
	}
	si.records[key] = *r.Expires
}

// Unregister stops tracking owner's record on id.
func (si *StickyInspector) Unregister(id replica.ID, owner string) {
	si.mu.Lock()
	defer si.mu.Unlock()
	delete(si.records, stickyKey{id, owner})
}

// Pending returns the number of tracked records.
func (si *StickyInspector) Pending() int {
	si.mu.Lock()
	defer si.mu.Unlock()
	return len(si.records)
}

// ExpiredTotal returns how many records the inspector has expired.
func (si *StickyInspector) ExpiredTotal() uint64 {
	return si.expired.Load()
}

// Start starts the background sweep.
func (si *StickyInspector) Start() {
	if !si.started.CompareAndSwap(false, true) {
		return
	}
	si.wg.Add(1)
	go si.run()
	si.logger.Info().Dur("interval", si.interval).Msg("Sticky inspector started")
}

// Stop stops the sweep and waits for it to exit.
func (si *StickyInspector) Stop() {
	si.cancel()
	si.wg.Wait()
	if si.started.Load() {
		si.logger.Info().Msg("Sticky inspector stopped")
	}
}

func (si *StickyInspector) run() {
	defer si.wg.Done()

	ticker := time.NewTicker(si.interval)
	defer ticker.Stop()

	for {
		select {
		case <-si.ctx.Done():
			return
		case <-ticker.C:
			if n := si.Inspect(); n > 0 {
				si.logger.Debug().Int("expired", n).Msg("Sticky sweep finished")
			}
		}
	}
}

// Inspect expires every tracked record whose time has passed and returns
// how many it handed to the directory.
func (si *StickyInspector) Inspect() int {
	now := si.now()

	si.mu.Lock()
	var due []stickyKey
	for key, at := range si.records {
		if !at.After(now) {
			due = append(due, key)
			delete(si.records, key)
		}
	}
	si.mu.Unlock()

	slices.SortFunc(due, func(a, b stickyKey) int {
		return cmp.Or(cmp.Compare(a.id, b.id), cmp.Compare(a.owner, b.owner))
	})
	for _, key := range due {
		si.expire(key.id, key.owner)
	}
	si.expired.Add(uint64(len(due)))
	return len(due)
}
