// Package replica defines the identity, lifecycle state and in-memory
// representation of a replica stored on the pool's local disk.
package replica

import (
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidID is returned by ParseID for strings that are not replica ids.
var ErrInvalidID = errors.New("invalid replica id")

// ID identifies a replica. It is the upper-case hex form of the file id:
// 24 characters for legacy PNFS ids, 36 for Chimera ids. IDs order the same
// way their strings do.
type ID string

// ParseID validates s and returns it as an ID.
func ParseID(s string) (ID, error) {
	if len(s) != 24 && len(s) != 36 {
		return "", fmt.Errorf("%w: %q has length %d", ErrInvalidID, s, len(s))
	}
	for i := 0; i < len(s); i++ {
		if !isHex(s[i]) {
			return "", fmt.Errorf("%w: %q", ErrInvalidID, s)
		}
	}
	return ID(strings.ToUpper(s)), nil
}

// MustParseID is like ParseID but panics on error.
func MustParseID(s string) ID {
	id, err := ParseID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// NewID returns a fresh Chimera-style id built from a random UUID.
func NewID() ID {
	u := uuid.New()
	return ID("0000" + strings.ToUpper(hex.EncodeToString(u[:])))
}

func (id ID) String() string {
	return string(id)
}

// SortIDs sorts ids in ascending order.
func SortIDs(ids []ID) {
	slices.Sort(ids)
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}
