package jobs

import (
	"fmt"
	"time"

	"jobmgr/internal/runtime/supervisor"
	"jobmgr/internal/status"
)

// HistoryItem records one job returning to NONE.
type HistoryItem struct {
	JobID    uint64
	Name     string
	Family   string
	Group    string
	Ran      bool
	Started  time.Time
	Ended    time.Time
	Duration time.Duration
	Severity string
	Message  string
}

// history is a ring of the most recent completions. Guarded by Manager.mu.
type history struct {
	items []HistoryItem
	next  int
	full  bool
}

func newHistory(size int) history {
	return history{items: make([]HistoryItem, size)}
}

func (h *history) add(j *Job, res *status.Status, ran bool, ended time.Time) {
	if len(h.items) == 0 {
		return
	}
	it := HistoryItem{
		JobID:    j.id,
		Name:     j.name,
		Family:   j.family,
		Ran:      ran,
		Ended:    ended,
		Severity: res.Severity.String(),
		Message:  res.String(),
	}
	if j.group != nil {
		it.Group = j.group.name
	}
	if ran {
		it.Started = j.lastStarted
		it.Duration = j.lastTook
	}
	h.items[h.next] = it
	h.next = (h.next + 1) % len(h.items)
	if h.next == 0 {
		h.full = true
	}
}

// list returns the items oldest first.
func (h *history) list() []HistoryItem {
	if !h.full {
		return append([]HistoryItem(nil), h.items[:h.next]...)
	}
	out := make([]HistoryItem, 0, len(h.items))
	out = append(out, h.items[h.next:]...)
	return append(out, h.items[:h.next]...)
}

// JobInfo describes a scheduled job.
type JobInfo struct {
	ID       uint64
	Name     string
	Family   string
	Group    string
	State    string
	Priority string
	Rule     string
	WakeAt   time.Time
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Workers   int
	Suspended bool
	Stopped   bool
	Waiting   int
	Sleeping  int
	Running   int

	// Live counts base and added workers; Blocked the job bodies waiting
	// in a join or an acquisition.
	Live    int
	Blocked int

	// Blocked rule and lock acquisitions.
	LockWaiters int

	Supervisor supervisor.Counters
	Jobs       []JobInfo
	History    []HistoryItem
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	snap := Snapshot{
		Workers:   m.cfg.Workers,
		Live:      m.workers,
		Blocked:   m.blocked,
		Suspended: m.suspended,
		Stopped:   m.stopped,
		Waiting:   m.waiting.len(),
		Sleeping:  len(m.sleeping),
		Running:   len(m.running),
		History:   m.history.list(),
	}
	for _, j := range m.findLocked("") {
		info := JobInfo{
			ID:       j.id,
			Name:     j.name,
			Family:   j.family,
			State:    j.state.public().String(),
			Priority: j.priority.String(),
			WakeAt:   j.wakeAt,
		}
		if j.group != nil {
			info.Group = j.group.name
		}
		if j.rule != nil {
			info.Rule = fmt.Sprint(j.rule)
		}
		snap.Jobs = append(snap.Jobs, info)
	}
	sup := m.sup
	m.mu.Unlock()

	snap.LockWaiters = m.locks.Waiting()
	snap.Supervisor = sup.Counters()
	return snap
}
