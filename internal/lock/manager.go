package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"jobmgr/internal/progress"
	"jobmgr/internal/rule"
	"jobmgr/pkg/logx"
)

// Listener is consulted around blocking. AboutToWait may return true to
// grant the request immediately, bypassing conflicts; CanBlock false makes
// the waiter poll AboutToWait instead of parking.
type Listener interface {
	AboutToWait(o *Owner) bool
	AboutToRelease(o *Owner)
	CanBlock(o *Owner) bool
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l logx.Logger) Option { return func(m *Manager) { m.log = l } }

func WithListener(l Listener) Option { return func(m *Manager) { m.listener = l } }

// WithPollInterval sets how often blocked waiters re-check their monitor,
// the listener and the wait-for graph.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.poll = d
		}
	}
}

// WithReleaseHook registers fn to run, outside the manager lock, after any
// hold is released.
func WithReleaseHook(fn func()) Option { return func(m *Manager) { m.onRelease = fn } }

// WithBlockHook registers fn to run, outside the manager lock, when an owner
// parks on a contended acquisition (blocked true) and when it stops waiting.
func WithBlockHook(fn func(o *Owner, blocked bool)) Option {
	return func(m *Manager) { m.onBlock = fn }
}

// Manager grants rules and locks to owners. Rules are exclusive against
// conflicting rules held by other owners; locks are exclusive by identity.
// Both are re-entrant for the holding owner.
type Manager struct {
	mu       sync.Mutex
	owners   map[*Owner]struct{}
	waiters  []*waiter
	listener Listener

	log       logx.Logger
	throttle  *logx.Throttle
	poll      time.Duration
	onRelease func()
	onBlock   func(o *Owner, blocked bool)
}

type waiter struct {
	owner   *Owner
	rule    rule.Rule
	lock    *Lock
	restore map[*Lock]int
	granted chan struct{}
	done    bool
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		owners:   make(map[*Owner]struct{}),
		poll:     50 * time.Millisecond,
		throttle: logx.NewThrottle(time.Second, 5),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.log = m.log.With(logx.String("comp", "lock"))
	return m
}

// SetListener replaces the lock listener. nil removes it.
func (m *Manager) SetListener(l Listener) {
	m.mu.Lock()
	m.listener = l
	m.mu.Unlock()
}

// Acquire blocks until o holds r. If o already holds a rule, r must be
// contained by the innermost one and is granted without blocking.
func (m *Manager) Acquire(ctx context.Context, o *Owner, r rule.Rule, mon progress.Monitor) error {
	if o == nil {
		return ErrNoOwner
	}
	m.mu.Lock()
	if cur := o.current(); cur != nil || r == nil {
		if !rule.Covers(cur, r) {
			m.mu.Unlock()
			return fmt.Errorf("%w: %v not in %v", ErrScopeMismatch, r, cur)
		}
		m.pushLocked(o, r)
		m.mu.Unlock()
		return nil
	}
	w := &waiter{owner: o, rule: r, granted: make(chan struct{})}
	return m.acquire(ctx, w, mon)
}

// TryAcquire grants r to o only when no other owner holds a conflicting rule
// and no blocked owner is queued for one. It never blocks.
func (m *Manager) TryAcquire(o *Owner, r rule.Rule) bool {
	if o == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur := o.current(); cur != nil || r == nil {
		if !rule.Covers(cur, r) {
			return false
		}
		m.pushLocked(o, r)
		return true
	}
	w := &waiter{owner: o, rule: r}
	if len(m.blockersLocked(w)) > 0 {
		return false
	}
	for _, q := range m.waiters {
		if q.owner != o && q.rule != nil && rule.Conflicts(q.rule, r) {
			return false
		}
	}
	m.pushLocked(o, r)
	return true
}

// Release ends the innermost scope of o, which must be r.
func (m *Manager) Release(o *Owner, r rule.Rule) error {
	if o == nil {
		return ErrNoOwner
	}
	m.mu.Lock()
	n := len(o.rules)
	if n == 0 {
		m.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrNotOwner, r)
	}
	top := &o.rules[n-1]
	if !sameRule(top.rule, r) {
		m.mu.Unlock()
		return fmt.Errorf("%w: release %v, innermost is %v", ErrScopeMismatch, r, top.rule)
	}
	last := top.depth == 1 && top.rule != nil && !coveredBelow(o, n-1)
	l := m.listener
	m.mu.Unlock()

	if last && l != nil {
		l.AboutToRelease(o)
	}

	m.mu.Lock()
	top = &o.rules[len(o.rules)-1]
	top.depth--
	if top.depth == 0 {
		o.rules = o.rules[:len(o.rules)-1]
	}
	if o.idle() {
		delete(m.owners, o)
	}
	m.wakeLocked()
	m.mu.Unlock()

	if last {
		m.released()
	}
	return nil
}

// ReleaseAll drops every rule and lock o holds and returns how many scopes
// and locks were still open.
func (m *Manager) ReleaseAll(o *Owner) int {
	if o == nil {
		return 0
	}
	m.mu.Lock()
	leaked := len(o.rules) + len(o.locks)
	if leaked == 0 {
		m.mu.Unlock()
		return 0
	}
	o.rules = nil
	for l := range o.locks {
		l.owner = nil
		l.depth = 0
	}
	o.locks = make(map[*Lock]int)
	delete(m.owners, o)
	m.wakeLocked()
	m.mu.Unlock()

	m.released()
	return leaked
}

// Holds reports the rules o currently has in scope, outermost first.
func (m *Manager) Holds(o *Owner) []rule.Rule {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]rule.Rule, 0, len(o.rules))
	for _, s := range o.rules {
		out = append(out, s.rule)
	}
	return out
}

// Current returns the innermost non-nil rule o has in scope.
func (m *Manager) Current(o *Owner) rule.Rule {
	if o == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return o.current()
}

// IsEmpty reports whether nothing is held and nobody waits.
func (m *Manager) IsEmpty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.owners) == 0 && len(m.waiters) == 0
}

// Waiting returns the number of blocked owners.
func (m *Manager) Waiting() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}

func (m *Manager) acquire(ctx context.Context, w *waiter, mon progress.Monitor) error {
	// Caller holds m.mu.
	if len(m.blockersLocked(w)) == 0 {
		m.grantLocked(w)
		m.mu.Unlock()
		return nil
	}
	l := m.listener
	m.mu.Unlock()

	o := w.owner
	if l != nil && l.AboutToWait(o) {
		m.mu.Lock()
		m.grantLocked(w)
		m.mu.Unlock()
		return nil
	}

	m.mu.Lock()
	if len(m.blockersLocked(w)) == 0 {
		m.grantLocked(w)
		m.mu.Unlock()
		return nil
	}
	o.waiting = w
	m.waiters = append(m.waiters, w)
	m.resolveLocked(o)
	m.mu.Unlock()

	if m.onBlock != nil {
		m.onBlock(o, true)
		defer m.onBlock(o, false)
	}
	canBlock := l == nil || l.CanBlock(o)
	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()

	var done <-chan struct{}
	if ctx != nil {
		done = ctx.Done()
	}
	for {
		select {
		case <-w.granted:
			return nil
		case <-done:
			return m.abandon(w, ctx.Err())
		case <-ticker.C:
			if progress.Canceled(mon) {
				return m.abandon(w, nil)
			}
			if !canBlock && l.AboutToWait(o) {
				m.mu.Lock()
				if !w.done {
					m.removeWaiterLocked(w)
					m.grantLocked(w)
				}
				m.mu.Unlock()
				return nil
			}
			m.mu.Lock()
			if !w.done {
				m.resolveLocked(o)
			}
			m.mu.Unlock()
		}
	}
}

// abandon withdraws w. A grant that raced with the interruption is undone;
// locks suspended by deadlock resolution are regained before returning.
func (m *Manager) abandon(w *waiter, cause error) error {
	err := ErrInterrupted
	if cause != nil {
		err = fmt.Errorf("%w: %w", ErrInterrupted, cause)
	}

	m.mu.Lock()
	if w.done {
		m.undoLocked(w)
		m.wakeLocked()
		m.mu.Unlock()
		m.released()
		return err
	}
	if len(w.restore) == 0 {
		m.removeWaiterLocked(w)
		w.owner.waiting = nil
		m.mu.Unlock()
		return err
	}
	// Keep the queue slot but only for the suspended locks.
	w.rule = nil
	w.lock = nil
	if len(m.blockersLocked(w)) == 0 {
		m.removeWaiterLocked(w)
		m.grantLocked(w)
	}
	m.mu.Unlock()

	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()
	for {
		select {
		case <-w.granted:
			return err
		case <-ticker.C:
			m.mu.Lock()
			if !w.done {
				m.resolveLocked(w.owner)
			}
			m.mu.Unlock()
		}
	}
}

func (m *Manager) undoLocked(w *waiter) {
	o := w.owner
	switch {
	case w.rule != nil:
		if n := len(o.rules); n > 0 && sameRule(o.rules[n-1].rule, w.rule) {
			o.rules = o.rules[:n-1]
		}
	case w.lock != nil:
		if w.lock.owner == o {
			w.lock.depth--
			o.locks[w.lock]--
			if w.lock.depth <= 0 {
				w.lock.owner = nil
				w.lock.depth = 0
				delete(o.locks, w.lock)
			}
		}
	}
	if o.idle() {
		delete(m.owners, o)
	}
}

func (m *Manager) pushLocked(o *Owner, r rule.Rule) {
	if n := len(o.rules); n > 0 && sameRule(o.rules[n-1].rule, r) {
		o.rules[n-1].depth++
	} else {
		o.rules = append(o.rules, scope{rule: r, depth: 1})
	}
	m.owners[o] = struct{}{}
}

// blockersLocked lists the owners whose holds keep w from being granted.
func (m *Manager) blockersLocked(w *waiter) []*Owner {
	var out []*Owner
	seen := func(o *Owner) bool {
		for _, x := range out {
			if x == o {
				return true
			}
		}
		return false
	}
	if w.rule != nil {
		for o := range m.owners {
			if o != w.owner && o.conflicts(w.rule) {
				out = append(out, o)
			}
		}
	}
	if w.lock != nil && w.lock.owner != nil && w.lock.owner != w.owner && !seen(w.lock.owner) {
		out = append(out, w.lock.owner)
	}
	for l := range w.restore {
		if l.owner != nil && l.owner != w.owner && !seen(l.owner) {
			out = append(out, l.owner)
		}
	}
	return out
}

func (m *Manager) grantLocked(w *waiter) {
	o := w.owner
	if w.rule != nil {
		m.pushLocked(o, w.rule)
	}
	if w.lock != nil {
		w.lock.owner = o
		w.lock.depth++
		o.locks[w.lock]++
	}
	for l, d := range w.restore {
		l.owner = o
		l.depth = d
		o.locks[l] = d
	}
	w.restore = nil
	if !o.idle() {
		m.owners[o] = struct{}{}
	}
	o.waiting = nil
	w.done = true
	if w.granted != nil {
		close(w.granted)
	}
}

// wakeLocked grants queued requests in arrival order, skipping those that
// still conflict with current holds.
func (m *Manager) wakeLocked() {
	kept := m.waiters[:0]
	for _, w := range m.waiters {
		if len(m.blockersLocked(w)) == 0 {
			m.grantLocked(w)
			continue
		}
		kept = append(kept, w)
	}
	for i := len(kept); i < len(m.waiters); i++ {
		m.waiters[i] = nil
	}
	m.waiters = kept
}

func (m *Manager) removeWaiterLocked(w *waiter) {
	for i, q := range m.waiters {
		if q == w {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return
		}
	}
}

func (m *Manager) released() {
	if m.onRelease != nil {
		m.onRelease()
	}
}

func sameRule(a, b rule.Rule) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return rule.Covers(a, b) && rule.Covers(b, a)
}

// coveredBelow reports whether an outer scope still covers the rule at i,
// in which case releasing i frees nothing for other owners.
func coveredBelow(o *Owner, i int) bool {
	for j := i - 1; j >= 0; j-- {
		if o.rules[j].rule != nil {
			return true
		}
	}
	return false
}
