package lock

import (
	"strings"

	"jobmgr/pkg/logx"
)

// findCycleLocked walks owner -> awaited holds -> holder until it returns to
// start. It returns the owners on the cycle, start first, or nil.
func (m *Manager) findCycleLocked(start *Owner) []*Owner {
	visited := make(map[*Owner]bool)
	var path []*Owner
	var walk func(o *Owner) bool
	walk = func(o *Owner) bool {
		if o.waiting == nil || o.waiting.done {
			return false
		}
		visited[o] = true
		path = append(path, o)
		for _, b := range m.blockersLocked(o.waiting) {
			if b == start {
				return true
			}
			if !visited[b] && walk(b) {
				return true
			}
		}
		path = path[:len(path)-1]
		return false
	}
	if walk(start) {
		return path
	}
	return nil
}

// resolveLocked breaks every wait-for cycle through start by suspending the
// locks of one owner on the cycle. The suspended locks are handed back to
// that owner together with whatever it is waiting for.
func (m *Manager) resolveLocked(start *Owner) {
	for attempt := 0; attempt < 8; attempt++ {
		cycle := m.findCycleLocked(start)
		if cycle == nil {
			return
		}
		victim := pickVictim(cycle)
		if victim == nil {
			m.throttle.Error(m.log, "unresolved", "lock.deadlock.unresolved",
				logx.String("cycle", cycleString(cycle)))
			return
		}
		m.suspendLocked(victim)
		m.throttle.Warn(m.log, "resolved", "lock.deadlock.resolved",
			logx.String("victim", victim.String()),
			logx.String("kind", victim.kind.String()),
			logx.String("cycle", cycleString(cycle)))
		m.wakeLocked()
	}
}

// pickVictim prefers job owners, then plain callers, then UI owners. Only
// owners holding locks can be suspended; rules are never taken away.
func pickVictim(cycle []*Owner) *Owner {
	rank := func(k Kind) int {
		switch k {
		case KindJob:
			return 0
		case KindCaller:
			return 1
		default:
			return 2
		}
	}
	var best *Owner
	for _, o := range cycle {
		if len(o.locks) == 0 || o.waiting == nil {
			continue
		}
		if best == nil || rank(o.kind) < rank(best.kind) {
			best = o
		}
	}
	return best
}

func (m *Manager) suspendLocked(o *Owner) {
	w := o.waiting
	if w.restore == nil {
		w.restore = make(map[*Lock]int, len(o.locks))
	}
	for l, d := range o.locks {
		w.restore[l] = d
		l.owner = nil
		l.depth = 0
	}
	o.locks = make(map[*Lock]int)
	if o.idle() {
		delete(m.owners, o)
	}
}

func cycleString(cycle []*Owner) string {
	names := make([]string, 0, len(cycle))
	for _, o := range cycle {
		names = append(names, o.String())
	}
	return strings.Join(names, " -> ")
}
