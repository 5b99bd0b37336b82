package repository

// Metrics receives the repository's measurements.
type Metrics interface {
	SetSpace(total, used, free, precious, reserved int64)
	SetEntries(state string, n int)
	IncEvent(kind string)
	AddEvicted(bytes int64)
	IncChecksumInvalidated()
}

type nopMetrics struct{}

func (nopMetrics) SetSpace(int64, int64, int64, int64, int64) {}
func (nopMetrics) SetEntries(string, int)                    {}
func (nopMetrics) IncEvent(string)                           {}
func (nopMetrics) AddEvicted(int64)                          {}
func (nopMetrics) IncChecksumInvalidated()                   {}
