package models

import "sort"

// SortedSet returns the distinct values of ids in ascending order. A nil
// input yields nil; an empty input yields an empty, non-nil slice.
func SortedSet(ids []string) []string {
	if ids == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Subtract returns the members of all that are not in remove, sorted.
func Subtract(all, remove []string) []string {
	drop := make(map[string]struct{}, len(remove))
	for _, id := range remove {
		drop[id] = struct{}{}
	}
	out := make([]string, 0, len(all))
	for _, id := range all {
		if _, ok := drop[id]; !ok {
			out = append(out, id)
		}
	}
	return SortedSet(out)
}

// Intersect returns the members present in both a and b, sorted.
func Intersect(a, b []string) []string {
	keep := make(map[string]struct{}, len(b))
	for _, id := range b {
		keep[id] = struct{}{}
	}
	out := make([]string, 0, len(a))
	for _, id := range a {
		if _, ok := keep[id]; ok {
			out = append(out, id)
		}
	}
	return SortedSet(out)
}

// MapValues returns the distinct values of m, sorted. A nil map yields nil.
func MapValues(m map[string]string) []string {
	if m == nil {
		return nil
	}
	out := make([]string, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return SortedSet(out)
}
