package repository

import (
	"fmt"
	"time"

	"github.com/dCache/dcache-sub081/internal/pool/replica"
)

// EventKind identifies a lifecycle event.
type EventKind int

const (
	// EventScan reports a replica found by recovery.
	EventScan EventKind = iota
	// EventCreate reports a new replica entry in the Creating state.
	EventCreate
	// EventUpdate reports a change of state, sticky records or size.
	EventUpdate
	// EventRemove reports a replica marked Removed.
	EventRemove
	// EventDestroy reports a removed replica whose data file is gone.
	EventDestroy
)

func (k EventKind) String() string {
	switch k {
	case EventScan:
		return "scan"
	case EventCreate:
		return "create"
	case EventUpdate:
		return "update"
	case EventRemove:
		return "remove"
	case EventDestroy:
		return "destroy"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is a replica lifecycle notification. Entry is the snapshot after
// the change; OldState is the state before it.
type Event struct {
	Kind     EventKind
	Entry    replica.Entry
	OldState replica.State
	Time     time.Time
}

// Listener receives lifecycle events. Events are delivered synchronously
// on the goroutine that made the change. A returned error is logged and
// does not stop delivery to other listeners.
type Listener interface {
	HandleEvent(ev Event) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ev Event) error

func (f ListenerFunc) HandleEvent(ev Event) error {
	return f(ev)
}

// AddListener registers l for all future events.
//
// Scan and Remove events raised by recovery are delivered while recovery
// holds the directory lock; listeners must not call back into the
// Directory from those.
func (d *Directory) AddListener(l Listener) {
	d.listenersMu.Lock()
	defer d.listenersMu.Unlock()
	d.listeners = append(d.listeners, l)
}

func (d *Directory) dispatch(ev Event) {
	if d.recovering.Load() && ev.Kind != EventScan && ev.Kind != EventRemove {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = d.now()
	}
	d.metrics.IncEvent(ev.Kind.String())

	d.listenersMu.RLock()
	listeners := d.listeners
	d.listenersMu.RUnlock()

	for _, l := range listeners {
		if err := l.HandleEvent(ev); err != nil {
			d.logger.Warn().Err(err).
				Str("event", ev.Kind.String()).
				Str("id", ev.Entry.ID.String()).
				Msg("Event listener failed")
		}
	}
}
