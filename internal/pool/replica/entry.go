package replica

import (
	"slices"
	"time"

	"github.com/dCache/dcache-sub081/internal/pool/checksum"
)

// Entry is an immutable snapshot of one replica. Changes produce a new
// Entry through the With* helpers; slices are never shared between
// snapshots.
type Entry struct {
	ID         ID
	Size       int64
	State      State
	LockCount  uint32
	Sticky     []StickyRecord
	LastAccess time.Time
	Checksums  []checksum.Checksum
}

// IsLocked reports whether an active holder prevents removal.
func (e Entry) IsLocked() bool {
	return e.LockCount > 0
}

// IsSticky reports whether any sticky record is attached. Expired records
// still count until the sticky inspector removes them.
func (e Entry) IsSticky() bool {
	return len(e.Sticky) > 0
}

// IsEvictable reports whether space recovery may remove the replica.
func (e Entry) IsEvictable() bool {
	return e.State == Cached && !e.IsSticky() && !e.IsLocked()
}

// StickyOf returns the record held by owner.
func (e Entry) StickyOf(owner string) (StickyRecord, bool) {
	for _, r := range e.Sticky {
		if r.Owner == owner {
			return r, true
		}
	}
	return StickyRecord{}, false
}

// Clone returns a deep copy of e.
func (e Entry) Clone() Entry {
	c := e
	c.Sticky = cloneSticky(e.Sticky)
	c.Checksums = slices.Clone(e.Checksums)
	return c
}

func (e Entry) WithState(s State) Entry {
	c := e.Clone()
	c.State = s
	return c
}

func (e Entry) WithSize(size int64) Entry {
	c := e.Clone()
	c.Size = size
	return c
}

// WithSticky adds r, replacing any record of the same owner.
func (e Entry) WithSticky(r StickyRecord) Entry {
	c := e.WithoutSticky(r.Owner)
	c.Sticky = append(c.Sticky, cloneRecord(r))
	return c
}

// WithoutSticky drops the record held by owner, if any.
func (e Entry) WithoutSticky(owner string) Entry {
	c := e.Clone()
	c.Sticky = slices.DeleteFunc(c.Sticky, func(r StickyRecord) bool {
		return r.Owner == owner
	})
	return c
}

// WithLockDelta adjusts the lock count by delta, never going below zero.
func (e Entry) WithLockDelta(delta int) Entry {
	c := e.Clone()
	n := int64(c.LockCount) + int64(delta)
	if n < 0 {
		n = 0
	}
	c.LockCount = uint32(n)
	return c
}

func (e Entry) WithChecksums(sums []checksum.Checksum) Entry {
	c := e.Clone()
	c.Checksums = slices.Clone(sums)
	return c
}

// Touch records an access at t.
func (e Entry) Touch(t time.Time) Entry {
	c := e.Clone()
	c.LastAccess = t
	return c
}

func cloneSticky(in []StickyRecord) []StickyRecord {
	if in == nil {
		return nil
	}
	out := make([]StickyRecord, len(in))
	for i, r := range in {
		out[i] = cloneRecord(r)
	}
	return out
}

func cloneRecord(r StickyRecord) StickyRecord {
	if r.Expires != nil {
		t := *r.Expires
		r.Expires = &t
	}
	return r
}
