package models

import "sort"

// FieldSet is a sorted, duplicate-free list of field names.
type FieldSet []string

func NewFieldSet(names ...string) FieldSet {
	if len(names) == 0 {
		return FieldSet{}
	}
	seen := make(map[string]struct{}, len(names))
	out := make(FieldSet, 0, len(names))
	for _, name := range names {
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (s FieldSet) Contains(name string) bool {
	i := sort.SearchStrings(s, name)
	return i < len(s) && s[i] == name
}

func (s FieldSet) Union(other FieldSet) FieldSet {
	all := make([]string, 0, len(s)+len(other))
	all = append(all, s...)
	all = append(all, other...)
	return NewFieldSet(all...)
}

func (s FieldSet) Intersect(other FieldSet) FieldSet {
	out := FieldSet{}
	for _, name := range s {
		if other.Contains(name) {
			out = append(out, name)
		}
	}
	return out
}

func (s FieldSet) SubsetOf(other FieldSet) bool {
	for _, name := range s {
		if !other.Contains(name) {
			return false
		}
	}
	return true
}

func (s FieldSet) Equal(other FieldSet) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}
