//go:build !windows

package datastore

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Volume returns statistics for the filesystem holding path. Available
// counts blocks usable by unprivileged users.
func Volume(path string) (VolumeStats, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return VolumeStats{}, fmt.Errorf("statfs %s: %w", path, err)
	}
	bsize := int64(stat.Bsize) //nolint:unconvert
	total := int64(stat.Blocks) * bsize
	return VolumeStats{
		Total:     total,
		Used:      total - int64(stat.Bfree)*bsize,
		Available: int64(stat.Bavail) * bsize,
	}, nil
}
