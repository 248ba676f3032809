package lock

import (
	"context"
	"fmt"
	"sync/atomic"
)

var lockSeq atomic.Uint64

// Lock is a re-entrant mutual exclusion lock that takes part in deadlock
// detection together with scheduling rules. Unlike rules, locks may be
// acquired and released in any order.
type Lock struct {
	m    *Manager
	id   uint64
	name string

	// Guarded by m.mu.
	owner *Owner
	depth int
}

// NewLock creates a lock managed by m.
func (m *Manager) NewLock(name string) *Lock {
	return &Lock{m: m, id: lockSeq.Add(1), name: name}
}

func (l *Lock) String() string { return fmt.Sprintf("Lock(%s#%d)", l.name, l.id) }

// Acquire blocks until the owner carried by ctx holds l. It returns
// ErrInterrupted when ctx ends first.
func (l *Lock) Acquire(ctx context.Context) error {
	o := OwnerFrom(ctx)
	if o == nil {
		return ErrNoOwner
	}
	return l.AcquireAs(ctx, o)
}

// AcquireAs is Acquire for an explicit owner.
func (l *Lock) AcquireAs(ctx context.Context, o *Owner) error {
	m := l.m
	m.mu.Lock()
	if l.owner == o {
		l.depth++
		o.locks[l]++
		m.mu.Unlock()
		return nil
	}
	w := &waiter{owner: o, lock: l, granted: make(chan struct{})}
	return m.acquire(ctx, w, nil)
}

// TryAcquire takes l only if it is free or already held by the owner.
func (l *Lock) TryAcquire(ctx context.Context) bool {
	o := OwnerFrom(ctx)
	if o == nil {
		return false
	}
	m := l.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.owner != nil && l.owner != o {
		return false
	}
	l.owner = o
	l.depth++
	o.locks[l]++
	m.owners[o] = struct{}{}
	return true
}

// Release drops one level of ownership held by the owner carried by ctx.
func (l *Lock) Release(ctx context.Context) error {
	o := OwnerFrom(ctx)
	if o == nil {
		return ErrNoOwner
	}
	return l.ReleaseAs(o)
}

// ReleaseAs is Release for an explicit owner.
func (l *Lock) ReleaseAs(o *Owner) error {
	m := l.m
	m.mu.Lock()
	if l.owner != o {
		m.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrNotOwner, l)
	}
	last := l.depth == 1
	lis := m.listener
	m.mu.Unlock()

	if last && lis != nil {
		lis.AboutToRelease(o)
	}

	m.mu.Lock()
	l.depth--
	o.locks[l]--
	if l.depth <= 0 {
		l.owner = nil
		l.depth = 0
		delete(o.locks, l)
		if o.idle() {
			delete(m.owners, o)
		}
		m.wakeLocked()
	}
	m.mu.Unlock()

	if last {
		m.released()
	}
	return nil
}

// Depth returns how many times the current owner holds l, or 0.
func (l *Lock) Depth() int {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	return l.depth
}

// Owner returns the current holder, or nil.
func (l *Lock) Owner() *Owner {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	return l.owner
}
