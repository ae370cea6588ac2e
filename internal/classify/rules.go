// Package classify is the pure rule engine: token-standard detection plus the
// ordered archetype tables for contracts and wallets. Nothing here performs I/O.
package classify

import (
	"fmt"
	"sort"
)

// Rule is one row of an ordered rule table
type Rule[F any] struct {
	Name       string
	Label      string
	Priority   int
	Confidence int
	Match      func(f F, t *Thresholds) bool
}

// RuleTable evaluates rules in ascending priority; the first match wins
type RuleTable[F any] struct {
	rules    []Rule[F]
	fallback Rule[F]
}

// NewRuleTable sorts rules by priority and rejects duplicate priorities,
// which would leave the evaluation order ambiguous.
func NewRuleTable[F any](rules []Rule[F], fallback Rule[F]) (*RuleTable[F], error) {
	sorted := append([]Rule[F](nil), rules...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	seen := make(map[int]string, len(sorted))
	for _, r := range sorted {
		if r.Match == nil {
			return nil, fmt.Errorf("rule %q has no predicate", r.Name)
		}
		if other, ok := seen[r.Priority]; ok {
			return nil, fmt.Errorf("rules %q and %q share priority %d", other, r.Name, r.Priority)
		}
		seen[r.Priority] = r.Name
	}
	return &RuleTable[F]{rules: sorted, fallback: fallback}, nil
}

// MustRuleTable is NewRuleTable for package-level tables
func MustRuleTable[F any](rules []Rule[F], fallback Rule[F]) *RuleTable[F] {
	t, err := NewRuleTable(rules, fallback)
	if err != nil {
		panic(err)
	}
	return t
}

// FirstMatch returns the first matching rule, or the fallback when none match.
// Later rules are not evaluated once one matches.
func (rt *RuleTable[F]) FirstMatch(f F, t *Thresholds) (Rule[F], bool) {
	for _, r := range rt.rules {
		if r.Match(f, t) {
			return r, true
		}
	}
	return rt.fallback, false
}

// Labels lists the labels in evaluation order, fallback last
func (rt *RuleTable[F]) Labels() []string {
	out := make([]string, 0, len(rt.rules)+1)
	for _, r := range rt.rules {
		out = append(out, r.Label)
	}
	return append(out, rt.fallback.Label)
}
