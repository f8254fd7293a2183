// Package presence tracks which identities are online in a chat room.
//
// Snapshots replace the whole set and deltas are applied in arrival order.
// A delta that raced a snapshot request may be overwritten when that snapshot
// lands; the last snapshot wins and nothing is reconciled afterwards.
package presence

import "sort"

type Delta int

const (
	Join Delta = iota
	Leave
)

func (d Delta) String() string {
	switch d {
	case Join:
		return "join"
	case Leave:
		return "leave"
	}
	return "unknown"
}

// Set is not safe for concurrent use.
type Set struct {
	members map[string]struct{}
}

func New() *Set {
	return &Set{members: make(map[string]struct{})}
}

// Replace overwrites the set with a snapshot. Empty identities are ignored.
func (s *Set) Replace(identities []string) {
	s.members = make(map[string]struct{}, len(identities))
	for _, id := range identities {
		if id != "" {
			s.members[id] = struct{}{}
		}
	}
}

// Apply adds or removes one identity and reports whether the set changed.
func (s *Set) Apply(identity string, d Delta) bool {
	if identity == "" {
		return false
	}
	_, present := s.members[identity]
	switch d {
	case Join:
		if present {
			return false
		}
		s.members[identity] = struct{}{}
		return true
	case Leave:
		if !present {
			return false
		}
		delete(s.members, identity)
		return true
	}
	return false
}

func (s *Set) Contains(identity string) bool {
	_, ok := s.members[identity]
	return ok
}

func (s *Set) Len() int { return len(s.members) }

// Members returns the identities in sorted order.
func (s *Set) Members() []string {
	out := make([]string, 0, len(s.members))
	for id := range s.members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
