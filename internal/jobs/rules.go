package jobs

import (
	"context"

	"jobmgr/internal/lock"
	"jobmgr/internal/progress"
	"jobmgr/internal/rule"
)

// CallerContext attaches a caller identity to ctx so it can take rules and
// locks through BeginRule and Lock.Acquire. A job body already has one.
func (m *Manager) CallerContext(ctx context.Context, name string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if lock.OwnerFrom(ctx) != nil {
		return ctx
	}
	return lock.WithOwner(ctx, lock.NewOwner(name, lock.KindCaller))
}

// BeginRule blocks until the owner in ctx holds r. Calls nest: inside an
// active rule r must be contained by it. Each successful call must be paired
// with EndRule. Jobs whose rules conflict with r are not dispatched while it
// is held.
func (m *Manager) BeginRule(ctx context.Context, r rule.Rule, mon progress.Monitor) error {
	if err := rule.Validate(r); err != nil {
		return err
	}
	o := lock.OwnerFrom(ctx)
	if o == nil {
		return ErrNoOwner
	}
	return m.locks.Acquire(ctx, o, r, mon)
}

// EndRule ends the innermost BeginRule of the owner in ctx. r must be the
// rule that call began.
func (m *Manager) EndRule(ctx context.Context, r rule.Rule) error {
	o := lock.OwnerFrom(ctx)
	if o == nil {
		return ErrNoOwner
	}
	return m.locks.Release(o, r)
}

// CurrentRule returns the innermost rule held by the owner in ctx.
func (m *Manager) CurrentRule(ctx context.Context) rule.Rule {
	o := lock.OwnerFrom(ctx)
	if o == nil {
		return nil
	}
	return m.locks.Current(o)
}

// NewLock returns a re-entrant lock that takes part in deadlock detection
// together with the rules of m.
func (m *Manager) NewLock(name string) *lock.Lock { return m.locks.NewLock(name) }

// SetLockListener replaces the listener consulted by blocked acquisitions.
func (m *Manager) SetLockListener(l lock.Listener) { m.locks.SetListener(l) }
