package datastore

// VolumeStats describes the filesystem holding the data directory.
type VolumeStats struct {
	Total     int64
	Used      int64
	Available int64
}
