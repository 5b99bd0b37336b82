package checksum

import (
	"bytes"
	"errors"
	"fmt"
	"hash"
	"io"
	"slices"
	"sort"
	"sync"
)

var (
	// ErrIllegalState is returned by WriteAt once Checksums has been called.
	ErrIllegalState = errors.New("checksum accumulator is sealed")

	// ErrNegativeOffset is returned by WriteAt for offsets below zero.
	ErrNegativeOffset = errors.New("negative write offset")

	// ErrReadBack is returned when bytes already written cannot be read
	// back from the store.
	ErrReadBack = errors.New("checksum read-back failed")
)

const bufferSize = 64 * 1024

var zeroBlock [bufferSize]byte

// Store is the storage an Accumulator writes through. Bytes are read back
// from it to feed spans that arrived out of order and to verify that gaps
// read as zeros.
type Store interface {
	io.WriterAt
	io.ReaderAt
}

type span struct {
	start, end int64
}

// Accumulator computes digests over data written at arbitrary offsets.
//
// Digests stay valid as long as written spans never overlap. Spans may
// arrive in any order; bytes beyond the contiguous prefix starting at
// offset 0 are read back from the store once the prefix reaches them.
// Unwritten gaps are read back and verified to be zero when the digests
// are finalized. An overlapping write invalidates every digest for good.
//
// Accumulator is safe for concurrent use.
type Accumulator struct {
	mu      sync.Mutex
	store   Store
	types   []Type
	digests []hash.Hash
	spans   []span
	fed     int64
	invalid bool
	sealed  bool
	result  []Checksum
	err     error
	buf     []byte
}

// NewAccumulator returns an Accumulator writing through store and computing
// a digest for each of types. Duplicate types are ignored.
func NewAccumulator(store Store, types ...Type) (*Accumulator, error) {
	a := &Accumulator{store: store}
	for _, t := range types {
		if slices.Contains(a.types, t) {
			continue
		}
		h, err := t.New()
		if err != nil {
			return nil, err
		}
		a.types = append(a.types, t)
		a.digests = append(a.digests, h)
	}
	return a, nil
}

// WriteAt writes p to the store at off and accounts for the bytes the
// store accepted. When the store accepts fewer bytes than len(p) without
// reporting an error, io.ErrShortWrite is returned.
func (a *Accumulator) WriteAt(p []byte, off int64) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sealed {
		return 0, ErrIllegalState
	}
	if off < 0 {
		return 0, ErrNegativeOffset
	}

	n, err := a.store.WriteAt(p, off)
	if n > 0 && !a.invalid {
		if rerr := a.record(p[:n], off); rerr != nil && err == nil {
			err = rerr
		}
	}
	if err == nil && n < len(p) {
		err = io.ErrShortWrite
	}
	return n, err
}

// ReadAt reads from the underlying store.
func (a *Accumulator) ReadAt(p []byte, off int64) (int, error) {
	return a.store.ReadAt(p, off)
}

// Checksums seals the accumulator and returns the digests that were never
// invalidated, in the order their types were given. Repeated calls return
// the same result.
func (a *Accumulator) Checksums() ([]Checksum, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.sealed {
		a.sealed = true
		if !a.invalid {
			a.err = a.finish()
		}
		if !a.invalid {
			for i, t := range a.types {
				a.result = append(a.result, Checksum{Type: t, Value: a.digests[i].Sum(nil)})
			}
		}
	}

	out := make([]Checksum, len(a.result))
	for i, c := range a.result {
		out[i] = Checksum{Type: c.Type, Value: slices.Clone(c.Value)}
	}
	return out, a.err
}

// Invalidated reports whether an overlapping write or a failed gap check
// discarded the digests.
func (a *Accumulator) Invalidated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.invalid
}

// Types returns the algorithms the accumulator was created with.
func (a *Accumulator) Types() []Type {
	return slices.Clone(a.types)
}

func (a *Accumulator) record(data []byte, off int64) error {
	end := off + int64(len(data))
	if !a.insert(off, end) {
		a.invalidate()
		return nil
	}
	if off == a.fed {
		a.feed(data)
		a.fed = end
	}
	if first := a.spans[0]; first.start == 0 && first.end > a.fed {
		if err := a.feedFromStore(a.fed, first.end); err != nil {
			a.invalidate()
			return err
		}
		a.fed = first.end
	}
	return nil
}

// insert adds [start, end) to the span set, merging it with adjacent spans.
// It reports false if the range overlaps a span already written.
func (a *Accumulator) insert(start, end int64) bool {
	i := sort.Search(len(a.spans), func(i int) bool { return a.spans[i].end > start })
	if i < len(a.spans) && a.spans[i].start < end {
		return false
	}
	a.spans = slices.Insert(a.spans, i, span{start, end})
	if i+1 < len(a.spans) && a.spans[i+1].start == end {
		a.spans[i].end = a.spans[i+1].end
		a.spans = slices.Delete(a.spans, i+1, i+2)
	}
	if i > 0 && a.spans[i-1].end == start {
		a.spans[i-1].end = a.spans[i].end
		a.spans = slices.Delete(a.spans, i, i+1)
	}
	return true
}

// finish feeds every span beyond the contiguous prefix, checking that the
// gaps in front of them read as zeros.
func (a *Accumulator) finish() error {
	for _, s := range a.spans {
		if s.end <= a.fed {
			continue
		}
		if s.start > a.fed {
			zero, err := a.feedZeros(a.fed, s.start)
			if err != nil {
				a.invalidate()
				return err
			}
			if !zero {
				a.invalidate()
				return nil
			}
		}
		if err := a.feedFromStore(max(s.start, a.fed), s.end); err != nil {
			a.invalidate()
			return err
		}
		a.fed = s.end
	}
	return nil
}

func (a *Accumulator) feedFromStore(from, to int64) error {
	buf := a.buffer()
	for pos := from; pos < to; {
		k := int(min(int64(len(buf)), to-pos))
		n, err := a.store.ReadAt(buf[:k], pos)
		if n < k {
			if err == nil || errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return fmt.Errorf("%w: offset %d: %w", ErrReadBack, pos+int64(n), err)
		}
		a.feed(buf[:n])
		pos += int64(n)
	}
	return nil
}

// feedZeros reads [from, to) back from the store and feeds it if every byte
// is zero. It reports false, without feeding, on the first non-zero block.
func (a *Accumulator) feedZeros(from, to int64) (bool, error) {
	buf := a.buffer()
	for pos := from; pos < to; {
		k := int(min(int64(len(buf)), to-pos))
		n, err := a.store.ReadAt(buf[:k], pos)
		if n < k {
			if err == nil || errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return false, fmt.Errorf("%w: gap at offset %d: %w", ErrReadBack, pos+int64(n), err)
		}
		if !bytes.Equal(buf[:n], zeroBlock[:n]) {
			return false, nil
		}
		a.feed(zeroBlock[:n])
		pos += int64(n)
	}
	a.fed = to
	return true, nil
}

func (a *Accumulator) feed(p []byte) {
	for _, h := range a.digests {
		h.Write(p)
	}
}

func (a *Accumulator) invalidate() {
	a.invalid = true
	a.digests = nil
	a.buf = nil
}

func (a *Accumulator) buffer() []byte {
	if a.buf == nil {
		a.buf = make([]byte, bufferSize)
	}
	return a.buf
}
