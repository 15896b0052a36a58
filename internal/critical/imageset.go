package critical

import "sort"

// ImageSet is a set of image identifiers (resolved image URLs).
type ImageSet map[string]struct{}

func NewImageSet(ids ...string) ImageSet {
	s := make(ImageSet, len(ids))
	for _, id := range ids {
		if id != "" {
			s[id] = struct{}{}
		}
	}
	return s
}

func (s ImageSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

func (s ImageSet) Add(id string) {
	if id != "" {
		s[id] = struct{}{}
	}
}

func (s ImageSet) Len() int { return len(s) }

// Sorted returns the members in lexical order.
func (s ImageSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Clone returns an independent copy; a nil set clones to an empty set.
func (s ImageSet) Clone() ImageSet {
	out := make(ImageSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

func (s ImageSet) Union(o ImageSet) ImageSet {
	out := s.Clone()
	for id := range o {
		out[id] = struct{}{}
	}
	return out
}

func (s ImageSet) Equal(o ImageSet) bool {
	if len(s) != len(o) {
		return false
	}
	for id := range s {
		if !o.Has(id) {
			return false
		}
	}
	return true
}
