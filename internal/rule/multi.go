package rule

import "strings"

// MultiRule is the union of its children. Children are always plain rules:
// composite arguments are flattened at construction, so a MultiRule never
// contains another MultiRule.
type MultiRule struct {
	children []Rule
}

// NewMultiRule builds a flat composite from children, dropping nils.
func NewMultiRule(children ...Rule) *MultiRule {
	flat := make([]Rule, 0, len(children))
	for _, c := range children {
		switch v := c.(type) {
		case nil:
		case *MultiRule:
			flat = append(flat, v.children...)
		default:
			flat = append(flat, c)
		}
	}
	return &MultiRule{children: flat}
}

// Children returns a copy of the flattened child list.
func (m *MultiRule) Children() []Rule {
	return append([]Rule(nil), m.children...)
}

// Contains reports whether every child of other (or other itself when it is
// a plain rule) is contained by some child of m.
func (m *MultiRule) Contains(other Rule) bool {
	if other == nil {
		return false
	}
	if o, ok := other.(*MultiRule); ok {
		if o == m {
			return true
		}
		for _, oc := range o.children {
			if !m.containsPlain(oc) {
				return false
			}
		}
		return true
	}
	return m.containsPlain(other)
}

func (m *MultiRule) containsPlain(r Rule) bool {
	for _, c := range m.children {
		if same(c, r) || c.Contains(r) {
			return true
		}
	}
	return false
}

// IsConflicting reports whether any child conflicts with other, or with any
// child of other when it is a composite.
func (m *MultiRule) IsConflicting(other Rule) bool {
	if other == nil {
		return false
	}
	if o, ok := other.(*MultiRule); ok {
		if o == m {
			return true
		}
		for _, oc := range o.children {
			if m.conflictsPlain(oc) {
				return true
			}
		}
		return false
	}
	return m.conflictsPlain(other)
}

func (m *MultiRule) conflictsPlain(r Rule) bool {
	for _, c := range m.children {
		if same(c, r) || c.IsConflicting(r) || r.IsConflicting(c) {
			return true
		}
	}
	return false
}

func (m *MultiRule) String() string {
	var b strings.Builder
	b.WriteString("MultiRule[")
	for i, c := range m.children {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(describe(c))
	}
	b.WriteString("]")
	return b.String()
}
