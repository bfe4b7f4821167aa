package permissions

import "sort"

// Set is an unordered collection of granted capabilities.
type Set map[Type]struct{}

// NewSet builds a set from ts, dropping duplicates.
func NewSet(ts ...Type) Set {
	s := make(Set, len(ts))
	for _, t := range ts {
		s[t] = struct{}{}
	}
	return s
}

func (s Set) Has(t Type) bool {
	_, ok := s[t]
	return ok
}

// HasAll reports whether every required capability is present.
func (s Set) HasAll(required []Type) bool {
	for _, t := range required {
		if !s.Has(t) {
			return false
		}
	}
	return true
}

// Missing returns requested minus s, in request order and without
// duplicates.
func (s Set) Missing(requested []Type) []Type {
	var out []Type
	seen := make(map[Type]struct{}, len(requested))
	for _, t := range requested {
		if s.Has(t) {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// Sorted returns the members in catalog order.
func (s Set) Sorted() []Type {
	out := make([]Type, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return rank[out[i]] < rank[out[j]] })
	return out
}
