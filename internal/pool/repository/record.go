package repository

import (
	"github.com/dCache/dcache-sub081/internal/pool/metastore"
	"github.com/dCache/dcache-sub081/internal/pool/replica"
)

func recordOf(e replica.Entry) metastore.Record {
	c := e.Clone()
	return metastore.Record{
		ID:         c.ID,
		Size:       c.Size,
		State:      c.State,
		Sticky:     c.Sticky,
		LastAccess: c.LastAccess,
		Checksums:  c.Checksums,
	}
}

func entryOf(rec metastore.Record) replica.Entry {
	return replica.Entry{
		ID:         rec.ID,
		Size:       rec.Size,
		State:      rec.State,
		Sticky:     rec.Sticky,
		LastAccess: rec.LastAccess,
		Checksums:  rec.Checksums,
	}.Clone()
}
