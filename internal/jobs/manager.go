// Package jobs schedules jobs onto a worker pool. Jobs carry scheduling
// rules; the manager never runs two jobs with conflicting rules at once and
// coordinates with callers that take rules directly through BeginRule.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"jobmgr/internal/eventbus"
	"jobmgr/internal/lock"
	"jobmgr/internal/rule"
	"jobmgr/internal/runtime/supervisor"
	"jobmgr/internal/status"
	"jobmgr/pkg/logx"
)

// decorateStep delays rule-less decoration jobs per running job so they do
// not compete with real work.
const decorateStep = 100 * time.Millisecond

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l logx.Logger) Option { return func(m *Manager) { m.log = l } }

// WithBus publishes every lifecycle event as "job.<type>".
func WithBus(b eventbus.Bus) Option { return func(m *Manager) { m.bus = b } }

func WithProgressProvider(p ProgressProvider) Option {
	return func(m *Manager) {
		if p != nil {
			m.provider = p
		}
	}
}

// WithLockListener installs the listener consulted by blocked rule and lock
// acquisitions.
func WithLockListener(l lock.Listener) Option { return func(m *Manager) { m.lockListener = l } }

// Manager owns the wait and sleep queues, the worker pool and the lock
// manager shared by jobs and callers.
type Manager struct {
	cfg          Config
	log          logx.Logger
	throttle     *logx.Throttle
	bus          eventbus.Bus
	provider     ProgressProvider
	lockListener lock.Listener
	locks        *lock.Manager
	listeners    listenerSet

	mu        sync.Mutex
	sig       chan struct{}
	waiting   waitQueue
	sleeping  sleepQueue
	scheduled map[*Job]struct{}
	running   map[*Job]struct{}
	stamp     uint64
	suspended bool
	stopped   bool
	sup       *supervisor.Supervisor
	history   history

	// Worker pool accounting, see autoscale.go.
	workers int
	idle    int
	blocked int
	added   int
}

func NewManager(cfg Config, opts ...Option) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:       cfg,
		throttle:  logx.NewThrottle(time.Second, 5),
		provider:  nullProvider{},
		sig:       make(chan struct{}),
		scheduled: make(map[*Job]struct{}),
		running:   make(map[*Job]struct{}),
		history:   newHistory(cfg.HistorySize),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.log = m.log.With(logx.String("comp", "jobs"))
	m.locks = lock.NewManager(
		lock.WithLogger(m.log),
		lock.WithListener(m.lockListener),
		lock.WithPollInterval(cfg.LockPollInterval),
		lock.WithReleaseHook(m.wake),
		lock.WithBlockHook(m.ownerBlocked),
	)
	return m
}

var (
	defaultOnce sync.Once
	defaultMgr  *Manager
)

// Default returns the process-wide manager, started on first use.
func Default() *Manager {
	defaultOnce.Do(func() {
		defaultMgr = NewManager(Config{})
		_ = defaultMgr.Start(context.Background())
	})
	return defaultMgr
}

func (m *Manager) Config() Config { return m.cfg }

// Start launches the workers. Jobs scheduled before Start wait in the queue.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrStopped
	}
	if m.sup != nil {
		return nil
	}
	m.sup = supervisor.New(ctx, supervisor.WithLogger(m.log))
	m.workers = m.cfg.Workers
	for i := 0; i < m.cfg.Workers; i++ {
		m.sup.GoRestart(fmt.Sprintf("jobs.worker.%d", i), m.worker)
	}
	if m.cfg.MaxWorkers > m.cfg.Workers {
		m.sup.Go("jobs.autoscale", m.autoscale)
	}
	m.log.Info("jobs.started",
		logx.Int("workers", m.cfg.Workers),
		logx.Int("max_workers", m.cfg.MaxWorkers))
	return nil
}

// Stop cancels every waiting and sleeping job, asks running jobs to stop and
// waits for the workers until ctx ends. Schedule fails afterwards.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	var ended []*ending
	for _, j := range append([]*Job(nil), m.waiting.jobs...) {
		ended = append(ended, m.endLocked(j, status.Cancel))
	}
	for _, j := range append([]*Job(nil), m.sleeping...) {
		ended = append(ended, m.endLocked(j, status.Cancel))
	}
	var running []*Job
	for j := range m.running {
		running = append(running, j)
	}
	sup := m.sup
	m.signalLocked()
	m.mu.Unlock()

	for _, d := range ended {
		m.finish(d)
	}
	for _, j := range running {
		m.Cancel(j)
	}
	m.log.Info("jobs.stopping", logx.Int("canceled", len(ended)), logx.Int("running", len(running)))
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

// signalLocked wakes everything waiting for a state change.
func (m *Manager) signalLocked() {
	close(m.sig)
	m.sig = make(chan struct{})
}

func (m *Manager) wake() {
	m.mu.Lock()
	m.signalLocked()
	m.mu.Unlock()
}

// AddListener registers a listener for every job of m.
func (m *Manager) AddListener(l Listener) (remove func()) { return m.listeners.add(l) }

// Suspend stops dispatching waiting jobs. Running jobs are unaffected.
func (m *Manager) Suspend() {
	m.mu.Lock()
	m.suspended = true
	m.signalLocked()
	m.mu.Unlock()
}

func (m *Manager) Resume() {
	m.mu.Lock()
	m.suspended = false
	m.signalLocked()
	m.mu.Unlock()
}

func (m *Manager) IsSuspended() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.suspended
}

// IsIdle reports whether no job is waiting, sleeping or running.
func (m *Manager) IsIdle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.scheduled) == 0
}

// Schedule queues j after delay. A running job is queued again once its
// current run ends; a job already waiting or sleeping is left alone.
func (m *Manager) Schedule(j *Job, delay time.Duration) error {
	switch {
	case j == nil:
		return ErrNilJob
	case j.m != m:
		return ErrForeignJob
	case delay < 0:
		return ErrNegativeDelay
	}
	m.mu.Lock()
	stopped, veto := m.stopped, j.shouldSchedule
	m.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	if !m.callVeto(j, "should_schedule", veto) {
		return nil
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrStopped
	}
	switch j.state {
	case stRunning, stAboutToRun:
		j.reschedule = true
		j.rescheduleDelay = delay
		m.mu.Unlock()
		return nil
	case stWaiting, stSleeping:
		m.mu.Unlock()
		return nil
	}
	m.activateLocked(j, delay, false)
	m.mu.Unlock()
	m.flush(j)
	return nil
}

// activateLocked moves a NONE job into the wait or sleep queue. A member of
// a canceling group ends right away with a CANCEL result instead.
func (m *Manager) activateLocked(j *Job, delay time.Duration, rescheduled bool) bool {
	g := j.group
	if g != nil && g.state == GroupCanceling {
		j.result = status.Cancel
		m.queueLocked(j, EventDone, -1, status.Cancel, true)
		return false
	}
	j.aboutToRunCanceled = false
	j.runCanceled = false
	if j.priority == PriorityDecorate && j.rule == nil {
		delay = max(delay, time.Duration(len(m.running))*decorateStep)
	}
	if g != nil && !rescheduled {
		g.memberScheduledLocked(j)
		if g.seedRemaining == -1 {
			m.log.Debug("group.seed.exceeded", logx.String("group", g.name), logx.Int("seed", g.seed))
		}
	}
	m.scheduled[j] = struct{}{}
	if delay > 0 {
		j.state = stSleeping
		j.wakeAt = time.Now().Add(delay)
		m.sleeping.add(j)
	} else {
		m.enqueueLocked(j)
	}
	m.queueLocked(j, EventScheduled, delay, nil, true)
	m.signalLocked()
	return true
}

func (m *Manager) enqueueLocked(j *Job) {
	m.stamp++
	j.stamp = m.stamp
	j.state = stWaiting
	j.wakeAt = time.Time{}
	m.waiting.insert(j)
}

// Cancel ends a waiting or sleeping job with a CANCEL result and reports
// true. For a running job it raises the cancel flag on the monitor and the
// run context and reports false. It also reports false in the window
// between dispatch and the body starting; the job is then not run.
func (m *Manager) Cancel(j *Job) bool {
	if j == nil || j.m != m {
		return false
	}
	m.mu.Lock()
	j.aboutToRunCanceled = true
	switch j.state {
	case stNone:
		m.mu.Unlock()
		return true
	case stAboutToRun:
		m.mu.Unlock()
		return false
	case stRunning:
		first := !j.runCanceled
		j.runCanceled = true
		j.reschedule = false
		mon, cancel, hook := j.monitor, j.cancelRun, j.onCanceling
		m.mu.Unlock()
		if first {
			if mon != nil {
				mon.SetCanceled(true)
			}
			if cancel != nil {
				cancel()
			}
			if hook != nil {
				m.callHook(j, "on_canceling", hook)
			}
		}
		return false
	}
	d := m.endLocked(j, status.Cancel)
	m.mu.Unlock()
	m.finish(d)
	return true
}

// Sleep parks a waiting job until WakeUp. A running job cannot sleep.
func (m *Manager) Sleep(j *Job) bool {
	if j == nil || j.m != m {
		return false
	}
	m.mu.Lock()
	switch j.state {
	case stNone:
		m.mu.Unlock()
		return true
	case stRunning:
		m.mu.Unlock()
		return false
	case stSleeping:
		j.wakeAt = time.Time{}
		m.sleeping.fix(j)
		m.mu.Unlock()
		return true
	case stWaiting:
		m.waiting.remove(j)
	case stAboutToRun:
		// The dispatching worker releases the rule it took for this run.
		delete(m.running, j)
		if g := j.group; g != nil {
			g.running--
		}
		j.owner = nil
	}
	j.state = stSleeping
	j.wakeAt = time.Time{}
	m.sleeping.add(j)
	m.queueLocked(j, EventSleeping, -1, nil, true)
	m.signalLocked()
	m.mu.Unlock()
	m.flush(j)
	return true
}

// WakeUp moves a sleeping job back to the wait queue after delay. It does
// nothing for jobs in any other state.
func (m *Manager) WakeUp(j *Job, delay time.Duration) {
	if j == nil || j.m != m {
		return
	}
	if delay < 0 {
		delay = 0
	}
	m.mu.Lock()
	if j.state != stSleeping {
		m.mu.Unlock()
		return
	}
	m.sleeping.remove(j)
	if delay > 0 {
		j.wakeAt = time.Now().Add(delay)
		m.sleeping.add(j)
	} else {
		m.enqueueLocked(j)
		m.queueLocked(j, EventAwake, -1, nil, true)
	}
	m.signalLocked()
	m.mu.Unlock()
	m.flush(j)
}

// joinJob waits for j to return to NONE. While suspended it returns once j
// is not running.
func (m *Manager) joinJob(ctx context.Context, j *Job) error {
	if CurrentJob(ctx) == j {
		return ErrJoinSelf
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var unpark func()
	defer func() {
		if unpark != nil {
			unpark()
		}
	}()
	for {
		m.mu.Lock()
		done := j.state == stNone ||
			(m.suspended && j.state != stRunning && j.state != stAboutToRun)
		sig := m.sig
		m.mu.Unlock()
		if done {
			return nil
		}
		if unpark == nil {
			unpark = m.parkWorker(ctx)
		}
		select {
		case <-sig:
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrJoinInterrupted, ctx.Err())
		}
	}
}

// nextJobLocked picks the first waiting job that may run now and takes its
// rule. A job whose rule conflicts with an earlier blocked job is skipped so
// conflicting jobs keep their queue order.
func (m *Manager) nextJobLocked(now time.Time) *Job {
	if m.suspended || m.stopped {
		return nil
	}
	for _, j := range m.sleeping.due(now) {
		m.enqueueLocked(j)
	}
	var blocked []rule.Rule
	for i := 0; i < len(m.waiting.jobs); i++ {
		j := m.waiting.jobs[i]
		if conflictsAny(j.rule, blocked) {
			continue
		}
		if g := j.group; g != nil {
			if g.state == GroupCanceling || g.deciding > 0 || (g.throttle > 0 && g.running >= g.throttle) {
				continue
			}
		}
		owner := lock.NewOwner(j.name, lock.KindJob)
		if j.rule != nil && !m.locks.TryAcquire(owner, j.rule) {
			blocked = append(blocked, j.rule)
			continue
		}
		m.waiting.removeAt(i)
		j.state = stAboutToRun
		j.owner = owner
		m.running[j] = struct{}{}
		if g := j.group; g != nil {
			g.running++
		}
		return j
	}
	return nil
}

func conflictsAny(r rule.Rule, blocked []rule.Rule) bool {
	if r == nil {
		return false
	}
	for _, b := range blocked {
		if rule.Conflicts(r, b) {
			return true
		}
	}
	return false
}

// callVeto runs a should-schedule or should-run hook; a panic counts as a veto.
func (m *Manager) callVeto(j *Job, name string, fn func() bool) (ok bool) {
	if fn == nil {
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			m.throttle.Error(m.log, "hook."+name, "job.hook.panic",
				logx.String("job", j.name), logx.String("hook", name), logx.Any("panic", r))
			ok = false
		}
	}()
	return fn()
}

func (m *Manager) callHook(j *Job, name string, fn func()) {
	m.callVeto(j, name, func() bool { fn(); return true })
}
