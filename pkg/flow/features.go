package flow

import (
	"sort"
	"strings"
)

// Feature is an optional behaviour switched on for a whole flow tree.
type Feature string

const (
	// FeatureAutoIncrement lets output generators write database-generated ids
	// back to CREATE commands, where audit id extraction picks them up.
	FeatureAutoIncrement Feature = "auto_increment"
)

// FeatureSet is an immutable set of enabled features. The zero value is empty.
type FeatureSet struct {
	enabled map[Feature]struct{}
}

// NewFeatureSet enables the given features.
func NewFeatureSet(features ...Feature) FeatureSet {
	set := FeatureSet{enabled: make(map[Feature]struct{}, len(features))}
	for _, f := range features {
		set.enabled[f] = struct{}{}
	}
	return set
}

func (s FeatureSet) IsEnabled(f Feature) bool {
	_, ok := s.enabled[f]
	return ok
}

// With returns a copy of the set with f enabled.
func (s FeatureSet) With(f Feature) FeatureSet {
	return NewFeatureSet(append(s.Features(), f)...)
}

// Features returns the enabled features in lexical order.
func (s FeatureSet) Features() []Feature {
	out := make([]Feature, 0, len(s.enabled))
	for f := range s.enabled {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s FeatureSet) String() string {
	names := make([]string, 0, len(s.enabled))
	for _, f := range s.Features() {
		names = append(names, string(f))
	}
	return "[" + strings.Join(names, ",") + "]"
}
