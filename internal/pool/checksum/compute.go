package checksum

import (
	"fmt"
	"hash"
	"io"
	"slices"
)

// Compute reads the first size bytes of r and returns a digest for each of
// types, in the order given. Duplicate types are ignored.
func Compute(r io.ReaderAt, size int64, types ...Type) ([]Checksum, error) {
	var (
		kinds   []Type
		digests []hash.Hash
		writers []io.Writer
	)
	for _, t := range types {
		if slices.Contains(kinds, t) {
			continue
		}
		h, err := t.New()
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, t)
		digests = append(digests, h)
		writers = append(writers, h)
	}
	if len(kinds) == 0 {
		return nil, nil
	}

	n, err := io.CopyBuffer(io.MultiWriter(writers...), io.NewSectionReader(r, 0, size), make([]byte, bufferSize))
	if err != nil {
		return nil, fmt.Errorf("read at offset %d: %w", n, err)
	}
	if n < size {
		return nil, fmt.Errorf("read %d of %d bytes: %w", n, size, io.ErrUnexpectedEOF)
	}

	sums := make([]Checksum, len(kinds))
	for i, t := range kinds {
		sums[i] = Checksum{Type: t, Value: digests[i].Sum(nil)}
	}
	return sums, nil
}

// Find returns the checksum of type t in sums.
func Find(sums []Checksum, t Type) (Checksum, bool) {
	for _, c := range sums {
		if c.Type == t {
			return c, true
		}
	}
	return Checksum{}, false
}
