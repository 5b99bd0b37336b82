package repository

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/renameio"
	"github.com/rs/zerolog"
)

// readReservation returns the byte count stored in path. A missing file
// means nothing is reserved; unparsable content is logged and reset to 0.
func readReservation(path string, logger zerolog.Logger) (int64, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: read %s: %w", ErrIO, path, err)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil || n < 0 {
		logger.Warn().Str("file", path).Str("content", string(data)).
			Msg("Invalid space reservation, resetting to 0")
		if err := writeReservation(path, 0); err != nil {
			logger.Warn().Err(err).Str("file", path).Msg("Failed to reset space reservation")
		}
		return 0, nil
	}
	return n, nil
}

func writeReservation(path string, n int64) error {
	if err := renameio.WriteFile(path, []byte(strconv.FormatInt(n, 10)+"\n"), 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrIO, path, err)
	}
	return nil
}

func reservationPath(base string) string {
	return filepath.Join(ControlDir(base), ReservationFile)
}

// Reserve sets aside n bytes for writes that have not started yet.
func (d *Directory) Reserve(n int64) error {
	if n < 0 {
		return fmt.Errorf("%w: negative amount %d", ErrInvalidReservation, n)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.readyLocked(); err != nil {
		return err
	}
	if !d.space.Allocate(n) {
		return fmt.Errorf("%w: cannot reserve %d bytes", ErrNoSpace, n)
	}
	if err := writeReservation(reservationPath(d.opts.BaseDir), d.reserved+n); err != nil {
		d.space.Release(n)
		return err
	}
	d.reserved += n
	d.reportSpaceLocked()
	return nil
}

// FreeReserved returns n reserved bytes to the free space.
func (d *Directory) FreeReserved(n int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.takeReservedLocked(n); err != nil {
		return err
	}
	d.space.Release(n)
	d.reportSpaceLocked()
	return nil
}

// ReservedSpace returns the reserved byte count.
func (d *Directory) ReservedSpace() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.reserved
}

// takeReservedLocked lowers the reservation by n without releasing the
// space. It must be called with d.mu held.
func (d *Directory) takeReservedLocked(n int64) error {
	if err := d.readyLocked(); err != nil {
		return err
	}
	if n < 0 || n > d.reserved {
		return fmt.Errorf("%w: %d of %d reserved bytes", ErrInvalidReservation, n, d.reserved)
	}
	if err := writeReservation(reservationPath(d.opts.BaseDir), d.reserved-n); err != nil {
		return err
	}
	d.reserved -= n
	return nil
}
