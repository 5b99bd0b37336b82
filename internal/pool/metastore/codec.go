package metastore

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack"

	"github.com/dCache/dcache-sub081/internal/pool/checksum"
	"github.com/dCache/dcache-sub081/internal/pool/replica"
)

// kvRecord is the msgpack layout used by the key-value backends.
type kvRecord struct {
	Size       int64      `msgpack:"s"`
	State      string     `msgpack:"st"`
	Sticky     []kvSticky `msgpack:"sk,omitempty"`
	LastAccess int64      `msgpack:"la"`
	Checksums  []string   `msgpack:"cs,omitempty"`
}

type kvSticky struct {
	Owner   string `msgpack:"o"`
	Expires int64  `msgpack:"e"`
}

// EncodeRecord encodes rec for a key-value backend. The id is the key and
// is not part of the value.
func EncodeRecord(rec Record) ([]byte, error) {
	kv := kvRecord{
		Size:       rec.Size,
		State:      rec.State.String(),
		LastAccess: rec.LastAccess.UnixNano(),
	}
	for _, s := range rec.Sticky {
		var exp int64
		if s.Expires != nil {
			exp = s.Expires.UnixNano()
		}
		kv.Sticky = append(kv.Sticky, kvSticky{Owner: s.Owner, Expires: exp})
	}
	for _, c := range rec.Checksums {
		kv.Checksums = append(kv.Checksums, c.String())
	}
	return msgpack.Marshal(&kv)
}

// DecodeRecord decodes a value written by EncodeRecord.
func DecodeRecord(id replica.ID, b []byte) (Record, error) {
	var kv kvRecord
	if err := msgpack.Unmarshal(b, &kv); err != nil {
		return Record{}, fmt.Errorf("%w: %s: %v", ErrCorrupt, id, err)
	}
	state, err := replica.ParseState(kv.State)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %s: %v", ErrCorrupt, id, err)
	}
	rec := Record{
		ID:         id,
		Size:       kv.Size,
		State:      state,
		LastAccess: time.Unix(0, kv.LastAccess),
	}
	for _, s := range kv.Sticky {
		var exp time.Time
		if s.Expires != 0 {
			exp = time.Unix(0, s.Expires)
		}
		rec.Sticky = append(rec.Sticky, replica.NewStickyRecord(s.Owner, exp))
	}
	for _, text := range kv.Checksums {
		c, err := checksum.Parse(text)
		if err != nil {
			return Record{}, fmt.Errorf("%w: %s: %v", ErrCorrupt, id, err)
		}
		rec.Checksums = append(rec.Checksums, c)
	}
	return rec, nil
}
