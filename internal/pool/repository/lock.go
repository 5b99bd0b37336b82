package repository

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// LockFile in the control directory is held exclusively by the process
// that has the pool open.
const LockFile = "pool.lock"

var errLockHeld = errors.New("lock held")

// PoolLock is the exclusive claim of one process on a pool's base
// directory.
type PoolLock struct {
	f *os.File
}

// LockPool claims the pool at base without waiting. It fails with
// ErrPoolInUse while another Directory, in this or another process, holds
// the claim.
func LockPool(base string) (*PoolLock, error) {
	path := filepath.Join(ControlDir(base), LockFile)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open lock file: %w", ErrIO, err)
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		if errors.Is(err, errLockHeld) {
			return nil, fmt.Errorf("%w: %s", ErrPoolInUse, base)
		}
		return nil, fmt.Errorf("%w: lock %s: %w", ErrIO, path, err)
	}

	// The pid is informational only.
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}
	return &PoolLock{f: f}, nil
}

// Release gives up the claim. Releasing twice is a no-op.
func (l *PoolLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := errors.Join(unlockFile(l.f), l.f.Close())
	l.f = nil
	return err
}
