package scope

import (
	"fmt"
	"regexp"
	"strings"
)

// Selector is an ordered conjunction of typed label predicates. It is
// built up with value-returning methods and rendered to a PromQL label
// matcher set only at the query boundary, so scope-to-filter mapping can
// be tested without string comparison against hand-built queries.
type Selector struct {
	matchers []matcher
}

type matchOp int

const (
	opEqual matchOp = iota
	opNotEqual
	opRegex
)

type matcher struct {
	label string
	op    matchOp
	value string
}

func NewSelector() Selector {
	return Selector{}
}

// Equal adds an exact-match predicate.
func (s Selector) Equal(label, value string) Selector {
	return s.with(matcher{label: label, op: opEqual, value: value})
}

// NotEqual adds an exclusion predicate.
func (s Selector) NotEqual(label, value string) Selector {
	return s.with(matcher{label: label, op: opNotEqual, value: value})
}

// Prefix adds a prefix-match predicate. The literal prefix is quoted
// before rendering, so names containing regex metacharacters cannot
// widen the match.
func (s Selector) Prefix(label, prefix string) Selector {
	return s.with(matcher{label: label, op: opRegex, value: regexp.QuoteMeta(prefix) + ".*"})
}

func (s Selector) with(m matcher) Selector {
	out := make([]matcher, len(s.matchers), len(s.matchers)+1)
	copy(out, s.matchers)
	return Selector{matchers: append(out, m)}
}

// Concat appends the other selector's predicates after this one's.
func (s Selector) Concat(other Selector) Selector {
	out := make([]matcher, 0, len(s.matchers)+len(other.matchers))
	out = append(out, s.matchers...)
	out = append(out, other.matchers...)
	return Selector{matchers: out}
}

// Empty reports whether the selector carries no predicates.
func (s Selector) Empty() bool {
	return len(s.matchers) == 0
}

// Matches evaluates the predicate set against a label map. PromQL regex
// matchers are fully anchored; the evaluation here mirrors that.
func (s Selector) Matches(labels map[string]string) bool {
	for _, m := range s.matchers {
		v := labels[m.label]
		switch m.op {
		case opEqual:
			if v != m.value {
				return false
			}
		case opNotEqual:
			if v == m.value {
				return false
			}
		case opRegex:
			re, err := regexp.Compile("^(?:" + m.value + ")$")
			if err != nil || !re.MatchString(v) {
				return false
			}
		}
	}
	return true
}

// Render produces the PromQL label-matcher list, e.g.
// `namespace="ns1",pod=~"api-.*"`. Values are quoted so label values
// cannot inject additional matchers.
func (s Selector) Render() string {
	parts := make([]string, 0, len(s.matchers))
	for _, m := range s.matchers {
		switch m.op {
		case opEqual:
			parts = append(parts, fmt.Sprintf("%s=%q", m.label, m.value))
		case opNotEqual:
			parts = append(parts, fmt.Sprintf("%s!=%q", m.label, m.value))
		case opRegex:
			parts = append(parts, fmt.Sprintf("%s=~%q", m.label, m.value))
		}
	}
	return strings.Join(parts, ",")
}
