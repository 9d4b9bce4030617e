package record

import (
	"fmt"
	"sort"
)

// Predicate selects records by equality/membership on indexed fields.
// All set fields are ANDed; within a field any listed value matches.
type Predicate struct {
	Kinds      []Kind   `json:"kinds,omitempty" query:"kind"`
	IDs        []string `json:"ids,omitempty" query:"id"`
	StudentIDs []string `json:"student_ids,omitempty" query:"student"`
	GroupIDs   []string `json:"group_ids,omitempty" query:"group"`
	Years      []int    `json:"years,omitempty" query:"year"`
	AuthorIDs  []string `json:"author_ids,omitempty" query:"author"`
	States     []State  `json:"states,omitempty" query:"state"`

	none bool
}

// Nothing returns a predicate that matches no record.
func Nothing() Predicate {
	return Predicate{none: true}
}

// MatchesNothing reports whether the predicate is known to match no record.
func (p Predicate) MatchesNothing() bool {
	return p.none
}

func (p Predicate) Match(r Record) bool {
	if p.none {
		return false
	}
	return matchAny(p.Kinds, r.Kind) &&
		matchAny(p.IDs, r.ID) &&
		matchAny(p.StudentIDs, r.StudentID) &&
		matchAny(p.GroupIDs, r.GroupID) &&
		matchAny(p.Years, r.Year) &&
		matchAny(p.AuthorIDs, r.AuthorID) &&
		matchAny(p.States, r.State)
}

// And returns the conjunction of p and o.
func (p Predicate) And(o Predicate) Predicate {
	if p.none || o.none {
		return Nothing()
	}
	var res Predicate
	var ok [7]bool
	res.Kinds, ok[0] = intersect(p.Kinds, o.Kinds)
	res.IDs, ok[1] = intersect(p.IDs, o.IDs)
	res.StudentIDs, ok[2] = intersect(p.StudentIDs, o.StudentIDs)
	res.GroupIDs, ok[3] = intersect(p.GroupIDs, o.GroupIDs)
	res.Years, ok[4] = intersect(p.Years, o.Years)
	res.AuthorIDs, ok[5] = intersect(p.AuthorIDs, o.AuthorIDs)
	res.States, ok[6] = intersect(p.States, o.States)
	for _, v := range ok {
		if !v {
			return Nothing()
		}
	}
	return res
}

// Key returns a stable textual form of the predicate.
func (p Predicate) Key() string {
	if p.none {
		return "none"
	}
	key := ""
	add := func(name string, vals []string) {
		if len(vals) == 0 {
			return
		}
		vals = append([]string(nil), vals...)
		sort.Strings(vals)
		if key != "" {
			key += ";"
		}
		key += name + "="
		for i, v := range vals {
			if i > 0 {
				key += ","
			}
			key += v
		}
	}
	add("kind", toStrings(p.Kinds))
	add("id", p.IDs)
	add("student", p.StudentIDs)
	add("group", p.GroupIDs)
	add("year", toStrings(p.Years))
	add("author", p.AuthorIDs)
	add("state", toStrings(p.States))
	if key == "" {
		return "*"
	}
	return key
}

func matchAny[T comparable](vals []T, v T) bool {
	return len(vals) == 0 || contains(vals, v)
}

func contains[T comparable](vals []T, v T) bool {
	for _, val := range vals {
		if val == v {
			return true
		}
	}
	return false
}

// intersect returns the intersection of a and b, an empty side meaning "any".
// ok is false when both sides are set and share no value.
func intersect[T comparable](a, b []T) (res []T, ok bool) {
	if len(a) == 0 {
		return b, true
	}
	if len(b) == 0 {
		return a, true
	}
	for _, v := range a {
		if contains(b, v) && !contains(res, v) {
			res = append(res, v)
		}
	}
	return res, len(res) > 0
}

func toStrings[T any](vals []T) []string {
	res := make([]string, 0, len(vals))
	for _, v := range vals {
		res = append(res, fmt.Sprint(v))
	}
	return res
}
