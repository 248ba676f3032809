// Package progress is the boundary between running jobs and whatever
// renders their progress. The job manager only needs the Monitor interface;
// Null and Counter are the two implementations it ships.
package progress

import (
	"sync"
	"sync/atomic"
)

// Unknown is passed to Begin when the amount of work is not known.
const Unknown = -1

// Monitor receives progress from a running job and carries its cooperative
// cancellation flag. All methods must be safe for concurrent use: the
// manager sets the flag from another goroutine while the body polls it.
type Monitor interface {
	Begin(name string, totalWork int)
	Worked(work int)
	Done()
	IsCanceled() bool
	SetCanceled(canceled bool)
}

// Null discards progress and keeps only the cancellation flag.
type Null struct {
	canceled atomic.Bool
}

func NewNull() *Null { return &Null{} }

func (*Null) Begin(string, int) {}
func (*Null) Worked(int)        {}
func (*Null) Done()             {}

func (m *Null) IsCanceled() bool  { return m.canceled.Load() }
func (m *Null) SetCanceled(v bool) { m.canceled.Store(v) }

// Counter records progress so callers can report or assert on it.
type Counter struct {
	Null

	mu     sync.Mutex
	name   string
	total  int
	worked int
	begins int
	dones  int
}

func NewCounter() *Counter { return &Counter{} }

func (c *Counter) Begin(name string, total int) {
	c.mu.Lock()
	c.name = name
	c.total = total
	c.begins++
	c.mu.Unlock()
}

func (c *Counter) Worked(n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	c.worked += n
	c.mu.Unlock()
}

func (c *Counter) Done() {
	c.mu.Lock()
	c.dones++
	c.mu.Unlock()
}

// Snapshot is a point-in-time copy of a Counter.
type Snapshot struct {
	Name     string
	Total    int
	Worked   int
	Begins   int
	Dones    int
	Canceled bool
}

func (c *Counter) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Name:     c.name,
		Total:    c.total,
		Worked:   c.worked,
		Begins:   c.begins,
		Dones:    c.dones,
		Canceled: c.IsCanceled(),
	}
}

// Fraction returns worked/total, or 0 when the total is unknown.
func (s Snapshot) Fraction() float64 {
	if s.Total <= 0 {
		return 0
	}
	f := float64(s.Worked) / float64(s.Total)
	if f > 1 {
		return 1
	}
	return f
}

// Canceled reports whether mon is non-nil and canceled.
func Canceled(mon Monitor) bool {
	return mon != nil && mon.IsCanceled()
}

// OrNull returns mon, or a fresh Null when mon is nil.
func OrNull(mon Monitor) Monitor {
	if mon == nil {
		return NewNull()
	}
	return mon
}
