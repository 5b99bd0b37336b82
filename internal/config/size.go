package config

import (
	"fmt"
	"strings"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"
)

// Size is a byte count. In YAML it is either an integer or a number with a
// binary unit suffix: "500GB", "10T", "10Ti".
type Size int64

// ParseSize parses a byte count with an optional unit.
func ParseSize(s string) (Size, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	s = stripIEC(s)
	v, err := datasize.ParseString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if v.Bytes() > 1<<62 {
		return 0, fmt.Errorf("size %q out of range", s)
	}
	return Size(v.Bytes()), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Size) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", node.Line)
	}
	v, err := ParseSize(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*s = v
	return nil
}

// Bytes returns the size as an int64.
func (s Size) Bytes() int64 {
	return int64(s)
}

func (s Size) String() string {
	return datasize.ByteSize(s).HumanReadable()
}

// stripIEC turns "10Ti" and "10TiB" into "10T" and "10TB"; the units are
// binary either way.
func stripIEC(s string) string {
	lower := strings.ToLower(s)
	switch {
	case len(s) >= 3 && strings.HasSuffix(lower, "ib") && isUnit(lower[len(lower)-3]):
		return s[:len(s)-2] + s[len(s)-1:]
	case len(s) >= 2 && strings.HasSuffix(lower, "i") && isUnit(lower[len(lower)-2]):
		return s[:len(s)-1]
	}
	return s
}

func isUnit(c byte) bool {
	return strings.IndexByte("kmgtpe", c) >= 0
}
