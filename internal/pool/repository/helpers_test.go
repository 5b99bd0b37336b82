package repository

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dCache/dcache-sub081/internal/pool/datastore"
	"github.com/dCache/dcache-sub081/internal/pool/metastore"
	"github.com/dCache/dcache-sub081/internal/pool/metastore/memory"
	"github.com/dCache/dcache-sub081/internal/pool/replica"
	"github.com/dCache/dcache-sub081/testutil"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) HandleEvent(ev Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *eventLog) ids(kind EventKind) []replica.ID {
	l.mu.Lock()
	defer l.mu.Unlock()
	var ids []replica.ID
	for _, ev := range l.events {
		if ev.Kind == kind {
			ids = append(ids, ev.Entry.ID)
		}
	}
	return ids
}

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventKind, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Kind)
	}
	return out
}

type testPool struct {
	t      *testing.T
	base   string
	meta   *memory.Store
	data   *datastore.FileStore
	clock  *fakeClock
	events *eventLog
}

func newTestPool(t *testing.T) *testPool {
	t.Helper()
	base := t.TempDir()
	require.NoError(t, InitLayout(base))
	data, err := datastore.NewFileStore(DataDir(base), zerolog.Nop())
	require.NoError(t, err)
	return &testPool{
		t:      t,
		base:   base,
		meta:   memory.New(),
		data:   data,
		clock:  &fakeClock{now: epoch},
		events: &eventLog{},
	}
}

// open creates a Directory without running recovery.
func (p *testPool) open(opts Options) *Directory {
	p.t.Helper()
	opts.BaseDir = p.base
	if opts.TotalSpace == 0 {
		opts.TotalSpace = 1 << 20
	}
	opts.Now = p.clock.Now
	d, err := New(opts, p.meta, p.data, zerolog.Nop())
	require.NoError(p.t, err)
	d.AddListener(p.events)
	p.t.Cleanup(func() { _ = d.Close() })
	return d
}

// start creates a Directory and runs recovery.
func (p *testPool) start(opts Options) *Directory {
	p.t.Helper()
	d := p.open(opts)
	require.NoError(p.t, d.RunRecovery())
	return d
}

// addReplica puts a data file on disk, and a metadata record unless state
// is negative.
func (p *testPool) addReplica(size int, state replica.State, mtime time.Time, sticky ...replica.StickyRecord) replica.ID {
	p.t.Helper()
	id := replica.NewID()
	testutil.WriteDataFile(p.t, DataDir(p.base), id.String(), size, mtime)
	if state >= 0 {
		_, err := p.meta.Create(id)
		require.NoError(p.t, err)
		require.NoError(p.t, p.meta.Put(metastore.Record{
			ID:     id,
			Size:   int64(size),
			State:  state,
			Sticky: sticky,
		}))
	}
	return id
}

// commit creates a replica through a write handle.
func commit(t *testing.T, d *Directory, data []byte, state replica.State) replica.Entry {
	t.Helper()
	id := replica.NewID()
	_, err := d.CreateEntry(id)
	require.NoError(t, err)
	h, err := d.OpenWrite(id)
	require.NoError(t, err)
	require.NoError(t, h.Allocate(int64(len(data))))
	_, err = h.WriteAt(data, 0)
	require.NoError(t, err)
	e, err := h.Commit(state)
	require.NoError(t, err)
	return e
}

// assertAccounting checks that used space equals the live replica sizes
// plus reserved space, and that free space is the rest.
func assertAccounting(t *testing.T, d *Directory) {
	t.Helper()
	var sum int64
	for _, e := range d.Snapshot() {
		if e.State != replica.Removed {
			sum += e.Size
		}
	}
	rec := d.SpaceRecord()
	assert.Equal(t, sum+rec.Reserved, rec.Used, "used space")
	assert.Equal(t, rec.Used, rec.Total-rec.Free, "free space")
}
