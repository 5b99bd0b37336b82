package replica

import (
	"fmt"
	"strings"
)

// State is the lifecycle state of a replica.
//
//	Creating -> Cached | Precious | Removed
//	Cached  <-> Precious
//	Cached | Precious -> Removed
//
// Removed is terminal.
type State int

const (
	Creating State = iota
	Cached
	Precious
	Removed
)

var stateNames = [...]string{
	Creating: "creating",
	Cached:   "cached",
	Precious: "precious",
	Removed:  "removed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// ParseState parses the textual form produced by String.
func ParseState(s string) (State, error) {
	for i, name := range stateNames {
		if strings.EqualFold(s, name) {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("unknown replica state %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(stateNames) {
		return nil, fmt.Errorf("invalid replica state %d", int(s))
	}
	return []byte(stateNames[s]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	st, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// IsValid reports whether the replica holds complete data that clients may
// read.
func (s State) IsValid() bool {
	return s == Cached || s == Precious
}

// CanTransition reports whether a replica may move from s to next. Staying
// in the same non-terminal state is allowed.
func (s State) CanTransition(next State) bool {
	switch s {
	case Creating:
		return true
	case Cached, Precious:
		return next == Cached || next == Precious || next == Removed
	default:
		return false
	}
}
