package replica

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseID(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    ID
		wantErr bool
	}{
		{"pnfs id", "000100000000000000001060", "000100000000000000001060", false},
		{"chimera id lower case", "0000c0ffee00000000000000000000000abc", "0000C0FFEE00000000000000000000000ABC", false},
		{"too short", "0001", "", true},
		{"not hex", "00010000000000000000106Z", "", true},
		{"empty", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseID(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidID)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewID(t *testing.T) {
	id := NewID()
	parsed, err := ParseID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
	assert.Len(t, id.String(), 36)
	assert.Equal(t, strings.ToUpper(id.String()), id.String())
	assert.NotEqual(t, id, NewID())
}

func TestStateTransitions(t *testing.T) {
	assert.True(t, Creating.CanTransition(Cached))
	assert.True(t, Creating.CanTransition(Precious))
	assert.True(t, Creating.CanTransition(Removed))
	assert.True(t, Cached.CanTransition(Precious))
	assert.True(t, Precious.CanTransition(Cached))
	assert.True(t, Precious.CanTransition(Removed))
	assert.False(t, Cached.CanTransition(Creating))
	assert.False(t, Removed.CanTransition(Cached))
	assert.False(t, Removed.CanTransition(Removed))
}

func TestStateText(t *testing.T) {
	for _, s := range []State{Creating, Cached, Precious, Removed} {
		text, err := s.MarshalText()
		require.NoError(t, err)
		var got State
		require.NoError(t, got.UnmarshalText(text))
		assert.Equal(t, s, got)
	}
	_, err := ParseState("bogus")
	assert.Error(t, err)
	assert.Equal(t, "state(9)", State(9).String())
}

func TestEntryCopyOnWrite(t *testing.T) {
	expires := time.Now().Add(time.Hour)
	e := Entry{ID: NewID(), State: Cached}
	pinned := e.WithSticky(NewStickyRecord("alice", expires))

	assert.False(t, e.IsSticky(), "original snapshot must not change")
	require.True(t, pinned.IsSticky())

	again := pinned.WithSticky(NewStickyRecord("alice", expires))
	assert.Len(t, again.Sticky, 1, "same owner replaces its record")

	released := again.WithoutSticky("alice")
	assert.False(t, released.IsSticky())
	assert.True(t, again.IsSticky())
}

func TestEntryLockDelta(t *testing.T) {
	e := Entry{State: Cached}
	locked := e.WithLockDelta(1).WithLockDelta(1)
	assert.Equal(t, uint32(2), locked.LockCount)
	assert.True(t, locked.IsLocked())
	assert.False(t, locked.IsEvictable())
	assert.Equal(t, uint32(0), e.WithLockDelta(-1).LockCount)
	assert.True(t, e.IsEvictable())
	assert.False(t, e.WithState(Precious).IsEvictable())
}

func TestStickyRecordExpiry(t *testing.T) {
	now := time.Now()
	assert.False(t, NewStickyRecord("a", time.Time{}).IsExpiredAt(now))
	assert.True(t, NewStickyRecord("a", time.Time{}).IsPermanent())
	assert.True(t, NewStickyRecord("a", now).IsExpiredAt(now))
	assert.False(t, NewStickyRecord("a", now.Add(time.Second)).IsExpiredAt(now))
}
