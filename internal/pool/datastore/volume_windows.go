//go:build windows

package datastore

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// Volume returns statistics for the filesystem holding path.
func Volume(path string) (VolumeStats, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return VolumeStats{}, fmt.Errorf("utf16 path: %w", err)
	}
	var avail, total, free uint64
	if err := windows.GetDiskFreeSpaceEx(p, &avail, &total, &free); err != nil {
		return VolumeStats{}, fmt.Errorf("GetDiskFreeSpaceEx %s: %w", path, err)
	}
	return VolumeStats{
		Total:     int64(total),
		Used:      int64(total) - int64(free),
		Available: int64(avail),
	}, nil
}
