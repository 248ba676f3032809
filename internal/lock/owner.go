package lock

import (
	"context"
	"strconv"
	"sync/atomic"

	"jobmgr/internal/rule"
)

// Kind tells deadlock resolution which owners may have their locks
// suspended. Job owners are preferred victims; UI owners are picked only
// when nothing else can break the cycle.
type Kind int

const (
	KindCaller Kind = iota
	KindJob
	KindUI
)

func (k Kind) String() string {
	switch k {
	case KindJob:
		return "job"
	case KindUI:
		return "ui"
	default:
		return "caller"
	}
}

var ownerSeq atomic.Uint64

// Owner is the identity that holds rules and locks. Goroutines carry their
// owner in a context; an Owner must be used by one goroutine at a time and
// with a single Manager.
type Owner struct {
	id   uint64
	name string
	kind Kind

	// Guarded by Manager.mu.
	rules   []scope
	locks   map[*Lock]int
	waiting *waiter
}

type scope struct {
	rule  rule.Rule
	depth int
}

// NewOwner returns a fresh owner identity.
func NewOwner(name string, kind Kind) *Owner {
	return &Owner{
		id:    ownerSeq.Add(1),
		name:  name,
		kind:  kind,
		locks: make(map[*Lock]int),
	}
}

func (o *Owner) ID() uint64   { return o.id }
func (o *Owner) Name() string { return o.name }
func (o *Owner) Kind() Kind   { return o.kind }

func (o *Owner) String() string {
	if o == nil {
		return "<nil>"
	}
	return o.name + "#" + strconv.FormatUint(o.id, 10)
}

// current is the innermost non-nil rule in scope.
func (o *Owner) current() rule.Rule {
	for i := len(o.rules) - 1; i >= 0; i-- {
		if o.rules[i].rule != nil {
			return o.rules[i].rule
		}
	}
	return nil
}

func (o *Owner) conflicts(r rule.Rule) bool {
	for _, s := range o.rules {
		if rule.Conflicts(s.rule, r) {
			return true
		}
	}
	return false
}

func (o *Owner) idle() bool {
	return len(o.rules) == 0 && len(o.locks) == 0
}

type ownerKey struct{}

// WithOwner returns a context carrying o.
func WithOwner(ctx context.Context, o *Owner) context.Context {
	return context.WithValue(ctx, ownerKey{}, o)
}

// OwnerFrom returns the owner carried by ctx, or nil.
func OwnerFrom(ctx context.Context) *Owner {
	if ctx == nil {
		return nil
	}
	o, _ := ctx.Value(ownerKey{}).(*Owner)
	return o
}
