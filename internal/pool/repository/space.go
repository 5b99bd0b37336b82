package repository

import "sync"

// SpaceMonitor tracks the bytes allocated out of the pool's total space.
// Used covers committed replicas, space allocated to replicas still being
// written, and reserved space.
type SpaceMonitor struct {
	mu    sync.RWMutex
	total int64
	used  int64
}

// NewSpaceMonitor creates a monitor for a pool of total bytes.
func NewSpaceMonitor(total int64) *SpaceMonitor {
	return &SpaceMonitor{total: total}
}

// Total returns the configured pool size.
func (m *SpaceMonitor) Total() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.total
}

// Used returns the allocated bytes.
func (m *SpaceMonitor) Used() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.used
}

// Free returns Total minus Used. It is negative only while recovery has
// found more data than fits.
func (m *SpaceMonitor) Free() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.total - m.used
}

// CanAllocate checks if n bytes can be allocated.
func (m *SpaceMonitor) CanAllocate(n int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.used+n <= m.total
}

// Allocate allocates n bytes. Returns false if they do not fit.
func (m *SpaceMonitor) Allocate(n int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.used+n > m.total {
		return false
	}
	m.used += n
	return true
}

// ForceAllocate accounts for n bytes that already occupy the disk, even if
// they exceed the total.
func (m *SpaceMonitor) ForceAllocate(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.used += n
}

// Release returns n bytes.
func (m *SpaceMonitor) Release(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.used -= n
	if m.used < 0 {
		m.used = 0
	}
}

// SetTotal changes the pool size.
func (m *SpaceMonitor) SetTotal(total int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total = total
}

// SpaceRecord is a point-in-time view of the pool's space.
type SpaceRecord struct {
	Total     int64 `json:"total"`
	Used      int64 `json:"used"`
	Free      int64 `json:"free"`
	Precious  int64 `json:"precious"`
	Reserved  int64 `json:"reserved"`
	Removable int64 `json:"removable"`
}
