package repository

import (
	"os"
	"path/filepath"
)

// IsHealthy checks the metadata store, the data store, the setup file and
// that the base directory is writable. Failures are logged.
func (d *Directory) IsHealthy() bool {
	if !d.meta.IsOK() {
		d.logger.Error().Msg("Health check failed: metadata store is not OK")
		return false
	}
	if !d.data.IsOK() {
		d.logger.Error().Msg("Health check failed: data store is not OK")
		return false
	}

	setup := filepath.Join(d.opts.BaseDir, SetupFile)
	if _, err := os.Stat(setup); err != nil {
		d.logger.Error().Err(err).Str("file", setup).Msg("Health check failed: setup file missing")
		return false
	}

	probe := filepath.Join(d.opts.BaseDir, probeFile)
	_ = os.Remove(probe)
	f, err := os.OpenFile(probe, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		d.logger.Error().Err(err).Str("file", probe).Msg("Health check failed: base directory not writable")
		return false
	}
	if err := f.Close(); err != nil {
		d.logger.Error().Err(err).Str("file", probe).Msg("Health check failed: cannot close probe file")
		return false
	}
	if err := os.Remove(probe); err != nil {
		d.logger.Error().Err(err).Str("file", probe).Msg("Health check failed: cannot remove probe file")
		return false
	}
	return true
}
