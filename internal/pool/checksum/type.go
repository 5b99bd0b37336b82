// Package checksum computes replica checksums while data is being written.
package checksum

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash"
	"hash/adler32"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/minio/sha256-simd"
)

// Type identifies a checksum algorithm. The numeric values of the dCache
// types match their wire codes.
type Type int

const (
	ADLER32 Type = 1
	MD5     Type = 2
	SHA256  Type = 5
	XXH64   Type = 100
)

var typeNames = map[Type]string{
	ADLER32: "adler32",
	MD5:     "md5",
	SHA256:  "sha256",
	XXH64:   "xxh64",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// ParseType parses an algorithm name such as "adler32".
func ParseType(name string) (Type, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for t, n := range typeNames {
		if n == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unsupported checksum type %q", name)
}

// New returns a fresh digest for t.
func (t Type) New() (hash.Hash, error) {
	switch t {
	case ADLER32:
		return adler32.New(), nil
	case MD5:
		return md5.New(), nil
	case SHA256:
		return sha256.New(), nil
	case XXH64:
		return xxhash.New(), nil
	default:
		return nil, fmt.Errorf("unsupported checksum type %d", int(t))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t Type) MarshalText() ([]byte, error) {
	name, ok := typeNames[t]
	if !ok {
		return nil, fmt.Errorf("unsupported checksum type %d", int(t))
	}
	return []byte(name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Type) UnmarshalText(text []byte) error {
	v, err := ParseType(string(text))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Checksum is a computed digest value.
type Checksum struct {
	Type  Type
	Value []byte
}

// String returns the "type:hexvalue" form used in metadata files.
func (c Checksum) String() string {
	return c.Type.String() + ":" + hex.EncodeToString(c.Value)
}

// Equal reports whether c and o hold the same digest.
func (c Checksum) Equal(o Checksum) bool {
	return c.Type == o.Type && bytes.Equal(c.Value, o.Value)
}

// Parse parses the form produced by Checksum.String.
func Parse(s string) (Checksum, error) {
	name, value, ok := strings.Cut(s, ":")
	if !ok {
		return Checksum{}, fmt.Errorf("malformed checksum %q", s)
	}
	t, err := ParseType(name)
	if err != nil {
		return Checksum{}, err
	}
	b, err := hex.DecodeString(value)
	if err != nil {
		return Checksum{}, fmt.Errorf("malformed checksum value %q: %w", value, err)
	}
	return Checksum{Type: t, Value: b}, nil
}

// MarshalText implements encoding.TextMarshaler.
func (c Checksum) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Checksum) UnmarshalText(text []byte) error {
	v, err := Parse(string(text))
	if err != nil {
		return err
	}
	*c = v
	return nil
}
