// Package audit writes a structured trail of replica lifecycle changes and
// administrative actions on a pool.
package audit

import (
	"github.com/rs/zerolog"

	"github.com/dCache/dcache-sub081/internal/pool/replica"
	"github.com/dCache/dcache-sub081/internal/pool/repository"
)

// Logger records audit events with structured fields for filtering.
type Logger struct {
	logger zerolog.Logger
}

var _ repository.Listener = (*Logger)(nil)

// NewLogger creates a new audit logger from a zerolog.Logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger}
}

// HandleEvent logs a replica lifecycle event. Scan events are logged at
// debug level since recovery emits one per replica.
func (l *Logger) HandleEvent(ev repository.Event) error {
	level := zerolog.InfoLevel
	if ev.Kind == repository.EventScan {
		level = zerolog.DebugLevel
	}

	event := l.logger.WithLevel(level).
		Str("event_type", "replica_lifecycle").
		Str("kind", ev.Kind.String()).
		Str("id", ev.Entry.ID.String()).
		Str("state", ev.Entry.State.String()).
		Int64("size", ev.Entry.Size).
		Time("time", ev.Time)

	if ev.OldState != ev.Entry.State {
		event = event.Str("old_state", ev.OldState.String())
	}
	if len(ev.Entry.Sticky) > 0 {
		owners := make([]string, 0, len(ev.Entry.Sticky))
		for _, r := range ev.Entry.Sticky {
			owners = append(owners, r.Owner)
		}
		event = event.Strs("sticky", owners)
	}
	if len(ev.Entry.Checksums) > 0 {
		sums := make([]string, 0, len(ev.Entry.Checksums))
		for _, c := range ev.Entry.Checksums {
			sums = append(sums, c.String())
		}
		event = event.Strs("checksums", sums)
	}

	event.Msg("Replica lifecycle event")
	return nil
}

// LogRecovery logs the outcome of startup recovery.
// result: "ok" or "failed"
// details: error message for failed recoveries
func (l *Logger) LogRecovery(result string, space repository.SpaceRecord, details string) {
	level := zerolog.InfoLevel
	if result != "ok" {
		level = zerolog.ErrorLevel
	}

	event := l.logger.WithLevel(level).
		Str("event_type", "recovery").
		Str("result", result).
		Int64("total", space.Total).
		Int64("used", space.Used).
		Int64("precious", space.Precious).
		Int64("reserved", space.Reserved)

	if details != "" {
		event = event.Str("details", details)
	}
	event.Msg("Recovery event")
}

// LogHealth logs a change of the pool's health.
func (l *Logger) LogHealth(healthy bool) {
	if healthy {
		l.logger.Info().
			Str("event_type", "health").
			Bool("healthy", true).
			Msg("Pool is healthy")
		return
	}
	l.logger.Error().
		Str("event_type", "health").
		Bool("healthy", false).
		Msg("Pool is unhealthy")
}

// LogAdmin logs an administrative action on a replica.
// action: e.g. "import", "remove"
// result: "ok", "refused" or "failed"
func (l *Logger) LogAdmin(action string, id replica.ID, result, details string) {
	level := zerolog.InfoLevel
	switch result {
	case "refused":
		level = zerolog.WarnLevel
	case "failed":
		level = zerolog.ErrorLevel
	}

	event := l.logger.WithLevel(level).
		Str("event_type", "admin").
		Str("action", action).
		Str("id", id.String()).
		Str("result", result)

	if details != "" {
		event = event.Str("details", details)
	}
	event.Msg("Administrative action")
}
