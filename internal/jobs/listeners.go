package jobs

import (
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"jobmgr/internal/eventbus"
	"jobmgr/internal/status"
	"jobmgr/pkg/logx"
)

// Listener observes job lifecycle changes. Calls are synchronous and may
// come from any goroutine; the state seen through the Job may already have
// moved on.
type Listener interface {
	Scheduled(e Event)
	AboutToRun(e Event)
	Running(e Event)
	Sleeping(e Event)
	Awake(e Event)
	Done(e Event)
}

// Adapter implements Listener with optional callbacks.
type Adapter struct {
	OnScheduled  func(Event)
	OnAboutToRun func(Event)
	OnRunning    func(Event)
	OnSleeping   func(Event)
	OnAwake      func(Event)
	OnDone       func(Event)
}

func call(fn func(Event), e Event) {
	if fn != nil {
		fn(e)
	}
}

func (a *Adapter) Scheduled(e Event)  { call(a.OnScheduled, e) }
func (a *Adapter) AboutToRun(e Event) { call(a.OnAboutToRun, e) }
func (a *Adapter) Running(e Event)    { call(a.OnRunning, e) }
func (a *Adapter) Sleeping(e Event)   { call(a.OnSleeping, e) }
func (a *Adapter) Awake(e Event)      { call(a.OnAwake, e) }
func (a *Adapter) Done(e Event)       { call(a.OnDone, e) }

// EventFunc receives every event type through one function.
type EventFunc func(Event)

func (f EventFunc) Scheduled(e Event)  { f(e) }
func (f EventFunc) AboutToRun(e Event) { f(e) }
func (f EventFunc) Running(e Event)    { f(e) }
func (f EventFunc) Sleeping(e Event)   { f(e) }
func (f EventFunc) Awake(e Event)      { f(e) }
func (f EventFunc) Done(e Event)       { f(e) }

// listenerSet is copy-on-write: notify works on a snapshot so listeners can
// add or remove listeners while being called.
type listenerSet struct {
	mu   sync.Mutex
	seq  uint64
	list []listenerEntry
}

type listenerEntry struct {
	id uint64
	l  Listener
}

func (s *listenerSet) add(l Listener) func() {
	if l == nil {
		return func() {}
	}
	s.mu.Lock()
	s.seq++
	id := s.seq
	next := make([]listenerEntry, len(s.list), len(s.list)+1)
	copy(next, s.list)
	s.list = append(next, listenerEntry{id: id, l: l})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			next := make([]listenerEntry, 0, len(s.list))
			for _, e := range s.list {
				if e.id != id {
					next = append(next, e)
				}
			}
			s.list = next
			s.mu.Unlock()
		})
	}
}

func (s *listenerSet) snapshot() []listenerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list
}

// eventQueue keeps one job's pending notifications in lifecycle order.
// Whoever finds the queue idle drains it; a done event whose group result is
// still being computed holds back everything queued after it.
type eventQueue struct {
	mu       sync.Mutex
	pending  []*queuedEvent
	draining bool
}

type queuedEvent struct {
	ev    Event
	ready bool
}

// queueLocked appends an event. The caller holds the manager lock, which
// fixes the order between transitions of the same job.
func (m *Manager) queueLocked(j *Job, t EventType, delay time.Duration, result *status.Status, ready bool) *queuedEvent {
	if t != EventScheduled {
		delay = -1
	}
	qe := &queuedEvent{
		ev:    Event{Type: t, Job: j, Time: time.Now(), Delay: delay, Result: result},
		ready: ready,
	}
	j.events.mu.Lock()
	j.events.pending = append(j.events.pending, qe)
	j.events.mu.Unlock()
	return qe
}

// release marks a held-back event deliverable.
func (m *Manager) release(j *Job, qe *queuedEvent, groupResult *status.Status, reschedule bool) {
	j.events.mu.Lock()
	qe.ev.GroupResult = groupResult
	qe.ev.Reschedule = reschedule
	qe.ready = true
	j.events.mu.Unlock()
}

// flush delivers queued events for j unless another goroutine is already
// doing so. It must not be called with the manager lock held.
func (m *Manager) flush(j *Job) {
	q := &j.events
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	for len(q.pending) > 0 && q.pending[0].ready {
		qe := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		ev := qe.ev
		q.mu.Unlock()
		m.deliver(ev)
		q.mu.Lock()
	}
	q.draining = false
	q.mu.Unlock()
}

func (m *Manager) deliver(ev Event) {
	for _, e := range m.listeners.snapshot() {
		m.notifyOne(e.l, ev)
	}
	for _, e := range ev.Job.listeners.snapshot() {
		m.notifyOne(e.l, ev)
	}
	m.publish(ev)
}

func (m *Manager) notifyOne(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.throttle.Error(m.log, "listener."+ev.Type.String(), "listener.panic",
				logx.String("event", ev.Type.String()),
				logx.String("job", ev.Job.Name()),
				logx.String("listener", fmt.Sprintf("%T", l)),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())))
		}
	}()
	switch ev.Type {
	case EventScheduled:
		l.Scheduled(ev)
	case EventAboutToRun:
		l.AboutToRun(ev)
	case EventRunning:
		l.Running(ev)
	case EventSleeping:
		l.Sleeping(ev)
	case EventAwake:
		l.Awake(ev)
	case EventDone:
		l.Done(ev)
	}
}

// JobEvent is the bus payload for lifecycle events.
type JobEvent struct {
	ID          uint64        `json:"id"`
	Name        string        `json:"name"`
	Family      string        `json:"family,omitempty"`
	Group       string        `json:"group,omitempty"`
	Type        string        `json:"type"`
	Delay       time.Duration `json:"delay,omitempty"`
	Severity    string        `json:"severity,omitempty"`
	Message     string        `json:"message,omitempty"`
	GroupResult string        `json:"group_result,omitempty"`
	Reschedule  bool          `json:"reschedule,omitempty"`
	Started     time.Time     `json:"started,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
}

func (m *Manager) publish(ev Event) {
	if m.bus == nil {
		return
	}
	j := ev.Job
	data := JobEvent{
		ID:         j.ID(),
		Name:       j.Name(),
		Family:     j.Family(),
		Type:       ev.Type.String(),
		Reschedule: ev.Reschedule,
	}
	if g := j.Group(); g != nil {
		data.Group = g.Name()
	}
	if ev.Type == EventScheduled {
		data.Delay = ev.Delay
	}
	if ev.Result != nil {
		data.Severity = ev.Result.Severity.String()
		data.Message = ev.Result.Message
	}
	if ev.GroupResult != nil {
		data.GroupResult = ev.GroupResult.String()
	}
	if ev.Type == EventDone {
		data.Started, data.Duration = j.lastRun()
	}
	m.bus.Publish(eventbus.Event{Type: "job." + ev.Type.String(), Time: ev.Time, Data: data})
}
