package rule

import (
	"errors"
	"fmt"
	"reflect"
)

// Rule is a scheduling rule. See the package documentation for the contract.
type Rule interface {
	Contains(other Rule) bool
	IsConflicting(other Rule) bool
}

// Validation errors.
var (
	ErrNotReflexiveContains = errors.New("rule: Contains(self) must be true")
	ErrNotReflexiveConflict = errors.New("rule: IsConflicting(self) must be true")
	ErrUnknownAccepted      = errors.New("rule: unknown rule types must not be contained or conflicting")
)

// same reports identity without panicking on non-comparable dynamic types.
func same(a, b Rule) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}

// Conflicts reports whether two rules may not be held by different owners at
// the same time. A nil rule conflicts with nothing. When either side is a
// composite the composite is asked, so plain rules never need to know about
// MultiRule.
func Conflicts(a, b Rule) bool {
	if a == nil || b == nil {
		return false
	}
	if same(a, b) {
		return true
	}
	if _, ok := a.(*MultiRule); ok {
		return a.IsConflicting(b)
	}
	if _, ok := b.(*MultiRule); ok {
		return b.IsConflicting(a)
	}
	return a.IsConflicting(b) || b.IsConflicting(a)
}

// Covers reports whether outer contains inner. A nil inner is covered by
// anything; a nil outer covers only nil. A plain outer covers a composite
// inner when it contains every child.
func Covers(outer, inner Rule) bool {
	if inner == nil {
		return true
	}
	if outer == nil {
		return false
	}
	if same(outer, inner) {
		return true
	}
	if m, ok := inner.(*MultiRule); ok {
		if _, outerMulti := outer.(*MultiRule); !outerMulti {
			for _, c := range m.children {
				if !outer.Contains(c) {
					return false
				}
			}
			return true
		}
	}
	return outer.Contains(inner)
}

// Combine returns a rule that contains and conflicts with both a and b.
// Identical or nil inputs short-circuit, a container wins over what it
// contains, and otherwise a flat two-child composite is built.
func Combine(a, b Rule) Rule {
	switch {
	case same(a, b):
		return a
	case a == nil:
		return b
	case b == nil:
		return a
	case Covers(a, b):
		return a
	case Covers(b, a):
		return b
	}
	return NewMultiRule(a, b)
}

// CombineAll folds rules left to right with Combine, skipping nils.
// It returns nil when every input is nil.
func CombineAll(rules ...Rule) Rule {
	var out Rule
	for _, r := range rules {
		if r == nil {
			continue
		}
		out = Combine(out, r)
	}
	return out
}

type probe struct{}

func (probe) Contains(other Rule) bool      { _, ok := other.(probe); return ok }
func (probe) IsConflicting(other Rule) bool { _, ok := other.(probe); return ok }

// Validate checks the parts of the contract that can be checked in
// isolation: reflexivity and the unknown-type answer. It recovers panics
// raised by the rule and reports them as errors.
func Validate(r Rule) (err error) {
	if r == nil {
		return nil
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("rule: %T panicked during validation: %v", r, p)
		}
	}()
	if !r.Contains(r) {
		return fmt.Errorf("%w: %T", ErrNotReflexiveContains, r)
	}
	if !r.IsConflicting(r) {
		return fmt.Errorf("%w: %T", ErrNotReflexiveConflict, r)
	}
	if r.Contains(probe{}) || r.IsConflicting(probe{}) {
		return fmt.Errorf("%w: %T", ErrUnknownAccepted, r)
	}
	return nil
}
