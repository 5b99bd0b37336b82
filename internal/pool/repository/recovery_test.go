package repository

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dCache/dcache-sub081/internal/pool/metastore"
	"github.com/dCache/dcache-sub081/internal/pool/metastore/control"
	"github.com/dCache/dcache-sub081/internal/pool/replica"
	"github.com/dCache/dcache-sub081/testutil"
)

func at(minutes int) time.Time {
	return epoch.Add(time.Duration(minutes) * time.Minute)
}

// overbookedPool lays out 1050 bytes for a 1000 byte pool:
//
//	precious 300 (oldest), cached 30, sticky 200, cached 200, cached 320
func overbookedPool(t *testing.T) (*testPool, []replica.ID) {
	p := newTestPool(t)
	ids := []replica.ID{
		p.addReplica(300, replica.Precious, at(1)),
		p.addReplica(30, replica.Cached, at(2)),
		p.addReplica(200, replica.Cached, at(3), replica.StickyRecord{Owner: "pin"}),
		p.addReplica(200, replica.Cached, at(4)),
		p.addReplica(320, replica.Cached, at(5)),
	}
	return p, ids
}

func TestRecovery_EvictsLeastRecentlyUsed(t *testing.T) {
	p, ids := overbookedPool(t)
	d := p.start(Options{TotalSpace: 1000, AllowSpaceRecovery: true})

	assert.Equal(t, ids, p.events.ids(EventScan), "scan in LRU order")
	assert.Equal(t, []replica.ID{ids[1], ids[3]}, p.events.ids(EventRemove))

	rec := d.SpaceRecord()
	assert.Equal(t, int64(820), rec.Used)
	assert.Equal(t, int64(300), rec.Precious)
	assertAccounting(t, d)

	assert.Eventually(t, func() bool {
		return len(p.events.ids(EventDestroy)) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []replica.ID{ids[0], ids[2], ids[4]}, d.ListIDs())
	for _, id := range []replica.ID{ids[1], ids[3]} {
		_, err := os.Stat(filepath.Join(DataDir(p.base), id.String()))
		assert.True(t, os.IsNotExist(err))
	}
}

func TestRecovery_OverbookedLimit(t *testing.T) {
	p := newTestPool(t)
	p.addReplica(600, replica.Cached, at(1))
	p.addReplica(500, replica.Cached, at(2))

	d := p.open(Options{TotalSpace: 1000, AllowSpaceRecovery: true})
	err := d.RunRecovery()
	assert.ErrorIs(t, err, ErrOverbookedUnrecoverable)

	_, err = d.GetEntry(replica.NewID())
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.ErrorIs(t, d.RunRecovery(), ErrAlreadyInitialized)
}

func TestRecovery_OverbookedWithoutSpaceRecovery(t *testing.T) {
	p, _ := overbookedPool(t)
	d := p.open(Options{TotalSpace: 1000})
	assert.ErrorIs(t, d.RunRecovery(), ErrOverbookedFatal)
}

func TestRecovery_OverbookedByPinnedReplicas(t *testing.T) {
	p := newTestPool(t)
	p.addReplica(600, replica.Precious, at(1))
	p.addReplica(450, replica.Cached, at(2), replica.StickyRecord{Owner: "pin"})

	d := p.open(Options{TotalSpace: 1000, AllowSpaceRecovery: true})
	assert.ErrorIs(t, d.RunRecovery(), ErrOverbookedFatal)
}

func TestOverbookedBeyondLimit(t *testing.T) {
	assert.True(t, overbookedBeyondLimit(100, 1000))
	assert.False(t, overbookedBeyondLimit(99, 1000))
	assert.False(t, overbookedBeyondLimit(50, 1000))
	assert.True(t, overbookedBeyondLimit(101, 1001))
	assert.False(t, overbookedBeyondLimit(100, 1001))
	assert.True(t, overbookedBeyondLimit(1, 0))
	assert.True(t, overbookedBeyondLimit(1<<60, 1<<62))
}

func TestRecovery_HealsMetadata(t *testing.T) {
	p := newTestPool(t)

	orphan := p.addReplica(10, -1, at(1))

	mismatch := p.addReplica(20, replica.Precious, at(2))
	rec, err := p.meta.Get(mismatch)
	require.NoError(t, err)
	rec.Size = 999
	require.NoError(t, p.meta.Put(rec))

	removed := p.addReplica(30, replica.Removed, at(3))
	incomplete := p.addReplica(40, replica.Creating, at(4))

	dangling := replica.NewID()
	_, err = p.meta.Create(dangling)
	require.NoError(t, err)

	d := p.start(Options{})

	e, err := d.GetEntry(orphan)
	require.NoError(t, err)
	assert.Equal(t, replica.Cached, e.State)
	assert.Equal(t, int64(10), e.Size)
	assert.True(t, e.LastAccess.Equal(at(1)))

	e, err = d.GetEntry(mismatch)
	require.NoError(t, err)
	assert.Equal(t, replica.Precious, e.State)
	assert.Equal(t, int64(20), e.Size)
	rec, err = p.meta.Get(mismatch)
	require.NoError(t, err)
	assert.Equal(t, int64(20), rec.Size)

	assert.False(t, d.Contains(removed))
	_, err = p.data.Stat(removed)
	assert.True(t, os.IsNotExist(err))

	assert.False(t, d.Contains(incomplete))
	_, err = p.meta.Get(dangling)
	assert.ErrorIs(t, err, replica.ErrNotFound)

	assert.ElementsMatch(t, []replica.ID{orphan, mismatch}, p.events.ids(EventScan))
	assert.Empty(t, p.events.ids(EventUpdate))
	assertAccounting(t, d)
}

func TestRecovery_ControlRecoveryHealsIncomplete(t *testing.T) {
	p := newTestPool(t)
	id := p.addReplica(40, replica.Creating, at(1))

	healer := NewHealer(p.meta, nil, p.data, HealerOptions{AllowControlRecovery: true}, zerolog.Nop())
	d := p.start(Options{Healer: healer})

	e, err := d.GetEntry(id)
	require.NoError(t, err)
	assert.Equal(t, replica.Cached, e.State)
	assert.Equal(t, int64(40), e.Size)
}

func TestRecovery_ImportsLegacyMetadata(t *testing.T) {
	p := newTestPool(t)
	id := p.addReplica(64, -1, at(1))

	legacyDir := ControlDir(p.base)
	require.NoError(t, os.WriteFile(filepath.Join(legacyDir, id.String()), []byte("precious\nsticky\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(legacyDir, "SI-"+id.String()), []byte("size=64\n"), 0o644))
	legacy, err := control.Open(metastore.Options{Dir: legacyDir, Logger: zerolog.Nop()})
	require.NoError(t, err)

	healer := NewHealer(p.meta, legacy, p.data, HealerOptions{}, zerolog.Nop())
	d := p.start(Options{Healer: healer})

	e, err := d.GetEntry(id)
	require.NoError(t, err)
	assert.Equal(t, replica.Precious, e.State)
	assert.True(t, e.IsSticky())

	rec, err := p.meta.Get(id)
	require.NoError(t, err)
	assert.Equal(t, replica.Precious, rec.State)
}

func TestRecovery_RestoresReservation(t *testing.T) {
	p := newTestPool(t)
	p.addReplica(100, replica.Cached, at(1))
	require.NoError(t, os.WriteFile(reservationPath(p.base), []byte("250\n"), 0o644))

	d := p.start(Options{TotalSpace: 1000})
	assert.Equal(t, int64(250), d.ReservedSpace())
	assert.Equal(t, int64(350), d.SpaceRecord().Used)
	assertAccounting(t, d)
}

func TestRecovery_RegistersExpiringSticky(t *testing.T) {
	p := newTestPool(t)
	expires := epoch.Add(time.Minute)
	id := p.addReplica(10, replica.Cached, at(1), replica.StickyRecord{Owner: "alice", Expires: &expires})

	d := p.start(Options{})
	assert.Equal(t, 1, d.sticky.Pending())

	p.clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, d.sticky.Inspect())

	e, err := d.GetEntry(id)
	require.NoError(t, err)
	assert.False(t, e.IsSticky())
}

func TestRecovery_SkipsMisnamedDataFile(t *testing.T) {
	p := newTestPool(t)
	id := p.addReplica(64, replica.Cached, at(1))
	stray := strings.ToLower(replica.NewID().String())
	strayPath := testutil.WriteDataFile(t, DataDir(p.base), stray, 32, at(2))

	d := p.start(Options{})

	assert.Equal(t, []replica.ID{id}, d.ListIDs())
	assert.Equal(t, int64(64), d.SpaceRecord().Used)
	_, err := os.Stat(strayPath)
	assert.NoError(t, err, "unrelated files are left alone")
	assertAccounting(t, d)
}
