package repository

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Names inside the pool's base directory.
const (
	SetupFile       = "setup"
	DataDirName     = "data"
	ControlDirName  = "control"
	ReservationFile = "SPACE_RESERVATION"
	probeFile       = "RepositoryOk"
)

// DataDir returns the data file directory of the pool at base.
func DataDir(base string) string {
	return filepath.Join(base, DataDirName)
}

// ControlDir returns the metadata directory of the pool at base.
func ControlDir(base string) string {
	return filepath.Join(base, ControlDirName)
}

// InitLayout creates the directories and the setup file of a new pool.
// Existing content is left untouched.
func InitLayout(base string) error {
	for _, dir := range []string{base, DataDir(base), ControlDir(base)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	setup := filepath.Join(base, SetupFile)
	f, err := os.OpenFile(setup, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("create %s: %w", setup, err)
	}
	return f.Close()
}
