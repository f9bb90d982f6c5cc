package bundle

import (
	"sort"
)

// Name identifies a bundle.
type Name string

// SourceID identifies a content source.
type SourceID string

// CacheName identifies a bundle cache.
type CacheName string

// Priority orders requests. Lower values are more urgent.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

// String returns the string representation of the priority
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParsePriority parses a priority name, defaulting to normal.
func ParsePriority(s string) Priority {
	switch s {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// SortNames sorts names in place and returns them.
func SortNames(names []Name) []Name {
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// NameSet is an unordered set of bundle names.
type NameSet map[Name]struct{}

// NewNameSet builds a set from names.
func NewNameSet(names ...Name) NameSet {
	s := make(NameSet, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

// Add inserts name and reports whether it was new.
func (s NameSet) Add(name Name) bool {
	if _, ok := s[name]; ok {
		return false
	}
	s[name] = struct{}{}
	return true
}

// Has reports membership.
func (s NameSet) Has(name Name) bool {
	_, ok := s[name]
	return ok
}

// Sorted returns the members in ascending order.
func (s NameSet) Sorted() []Name {
	out := make([]Name, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	return SortNames(out)
}
