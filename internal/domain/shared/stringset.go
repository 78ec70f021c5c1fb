// Package shared provides small domain primitives used across bounded contexts.
package shared

import (
	"encoding/json"
	"sort"
)

// StringSet is an unordered collection of unique strings. The zero value is
// an empty set; an empty set conventionally means "unconstrained" when used
// as a filter. It serializes as a sorted JSON array.
type StringSet map[string]struct{}

// NewStringSet builds a set from the provided values.
func NewStringSet(values ...string) StringSet {
	s := make(StringSet, len(values))
	for _, v := range values {
		s[v] = struct{}{}
	}
	return s
}

// Has reports whether v is a member of the set.
func (s StringSet) Has(v string) bool {
	_, ok := s[v]
	return ok
}

// Add inserts v into the set.
func (s StringSet) Add(v string) { s[v] = struct{}{} }

// Len returns the number of members.
func (s StringSet) Len() int { return len(s) }

// IsEmpty reports whether the set has no members.
func (s StringSet) IsEmpty() bool { return len(s) == 0 }

// Intersects reports whether the two sets share at least one member.
func (s StringSet) Intersects(other StringSet) bool {
	small, large := s, other
	if len(large) < len(small) {
		small, large = large, small
	}
	for v := range small {
		if large.Has(v) {
			return true
		}
	}
	return false
}

// Values returns the members in sorted order.
func (s StringSet) Values() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// First returns an arbitrary-but-deterministic member (the smallest), or ""
// for an empty set.
func (s StringSet) First() string {
	if len(s) == 0 {
		return ""
	}
	return s.Values()[0]
}

// MarshalJSON implements json.Marshaler.
func (s StringSet) MarshalJSON() ([]byte, error) { return json.Marshal(s.Values()) }

// UnmarshalJSON implements json.Unmarshaler.
func (s *StringSet) UnmarshalJSON(data []byte) error {
	var values []string
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	*s = NewStringSet(values...)
	return nil
}
