package jobs

import (
	"context"
	"sync/atomic"
	"time"

	"jobmgr/internal/lock"
	"jobmgr/internal/progress"
	"jobmgr/internal/rule"
	"jobmgr/internal/status"
)

var jobSeq atomic.Uint64

// Job is a unit of work scheduled on a Manager. Configure it while it is not
// scheduled; a job can be scheduled again after it finishes.
type Job struct {
	m    *Manager
	id   uint64
	name string
	fn   Func

	listeners listenerSet
	events    eventQueue

	// Everything below is guarded by m.mu.
	rule      rule.Rule
	priority  Priority
	family    string
	group     *Group
	progGroup progress.Monitor
	progTicks int

	shouldSchedule func() bool
	shouldRun      func() bool
	onCanceling    func()

	state      jobState
	stamp      uint64
	wakeAt     time.Time
	sleepIndex int
	result     *status.Status

	owner       *lock.Owner
	monitor     progress.Monitor
	cancelRun   context.CancelFunc
	asyncCh     chan *status.Status
	startedAt   time.Time
	lastStarted time.Time
	lastTook    time.Duration

	aboutToRunCanceled bool
	runCanceled        bool
	reschedule         bool
	rescheduleDelay    time.Duration
}

// NewJob creates a job on m. fn must not be nil.
func (m *Manager) NewJob(name string, fn Func) *Job {
	if fn == nil {
		fn = func(context.Context, progress.Monitor) *status.Status { return status.OK }
	}
	return &Job{
		m:          m,
		id:         jobSeq.Add(1),
		name:       name,
		fn:         fn,
		priority:   PriorityLong,
		sleepIndex: -1,
	}
}

// NewJob creates a job on the default manager.
func NewJob(name string, fn Func) *Job { return Default().NewJob(name, fn) }

func (j *Job) ID() uint64        { return j.id }
func (j *Job) Name() string      { return j.name }
func (j *Job) Manager() *Manager { return j.m }
func (j *Job) String() string    { return j.name }

func (j *Job) State() State {
	j.m.mu.Lock()
	defer j.m.mu.Unlock()
	return j.state.public()
}

// Result returns the result of the last finished run, or nil.
func (j *Job) Result() *status.Status {
	j.m.mu.Lock()
	defer j.m.mu.Unlock()
	return j.result
}

func (j *Job) Rule() rule.Rule {
	j.m.mu.Lock()
	defer j.m.mu.Unlock()
	return j.rule
}

// SetRule changes the scheduling rule. The job must not be scheduled and
// the rule must pass rule.Validate.
func (j *Job) SetRule(r rule.Rule) error {
	if err := rule.Validate(r); err != nil {
		return err
	}
	j.m.mu.Lock()
	defer j.m.mu.Unlock()
	if j.state != stNone {
		return ErrRuleChange
	}
	j.rule = r
	return nil
}

func (j *Job) Priority() Priority {
	j.m.mu.Lock()
	defer j.m.mu.Unlock()
	return j.priority
}

// SetPriority changes the priority; a waiting job moves in the queue.
func (j *Job) SetPriority(p Priority) {
	m := j.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if j.priority == p {
		return
	}
	if j.state == stWaiting {
		m.waiting.remove(j)
		j.priority = p
		m.waiting.insert(j)
		m.signalLocked()
		return
	}
	j.priority = p
}

func (j *Job) Family() string {
	j.m.mu.Lock()
	defer j.m.mu.Unlock()
	return j.family
}

// SetFamily tags the job for Manager.Find and the other family operations.
func (j *Job) SetFamily(family string) {
	j.m.mu.Lock()
	j.family = family
	j.m.mu.Unlock()
}

func (j *Job) belongsTo(family string) bool {
	return family == "" || j.family == family
}

func (j *Job) Group() *Group {
	j.m.mu.Lock()
	defer j.m.mu.Unlock()
	return j.group
}

// SetGroup makes j a member of g. Membership is set once, before the job is
// first scheduled.
func (j *Job) SetGroup(g *Group) error {
	if g == nil {
		return nil
	}
	if g.m != j.m {
		return ErrForeignJob
	}
	j.m.mu.Lock()
	defer j.m.mu.Unlock()
	if j.group != nil || j.state != stNone {
		return ErrGroupAssigned
	}
	j.group = g
	return nil
}

// SetProgressGroup passes group and ticks to the progress provider on the
// next dispatch.
func (j *Job) SetProgressGroup(group progress.Monitor, ticks int) {
	j.m.mu.Lock()
	j.progGroup = group
	j.progTicks = ticks
	j.m.mu.Unlock()
}

// SetShouldSchedule installs a veto consulted on every schedule request.
func (j *Job) SetShouldSchedule(fn func() bool) {
	j.m.mu.Lock()
	j.shouldSchedule = fn
	j.m.mu.Unlock()
}

// SetShouldRun installs a veto consulted right before the job starts. A
// vetoed job ends with a CANCEL result.
func (j *Job) SetShouldRun(fn func() bool) {
	j.m.mu.Lock()
	j.shouldRun = fn
	j.m.mu.Unlock()
}

// SetOnCanceling installs a hook called once when cancellation is requested
// for the running job.
func (j *Job) SetOnCanceling(fn func()) {
	j.m.mu.Lock()
	j.onCanceling = fn
	j.m.mu.Unlock()
}

// AddListener registers a listener for this job only.
func (j *Job) AddListener(l Listener) (remove func()) { return j.listeners.add(l) }

// Schedule queues the job after delay.
func (j *Job) Schedule(delay time.Duration) error { return j.m.Schedule(j, delay) }

// Cancel requests cancellation. It reports true when the job will not run
// (or was not scheduled) and false when it is running and must notice the
// request itself.
func (j *Job) Cancel() bool { return j.m.Cancel(j) }

// Sleep parks a waiting job until WakeUp. It fails for a running job.
func (j *Job) Sleep() bool { return j.m.Sleep(j) }

// WakeUp moves a sleeping job back to the wait queue after delay.
func (j *Job) WakeUp(delay time.Duration) { j.m.WakeUp(j, delay) }

// Join waits until the job is not scheduled. While the manager is suspended
// it returns as soon as the job is not running.
func (j *Job) Join(ctx context.Context) error { return j.m.joinJob(ctx, j) }

// Done completes a run whose body returned status.AsyncFinish. It reports
// whether the result was accepted.
func (j *Job) Done(result *status.Status) bool {
	if result == nil {
		result = status.OK
	}
	j.m.mu.Lock()
	ch := j.asyncCh
	j.m.mu.Unlock()
	if ch == nil {
		return false
	}
	select {
	case ch <- result:
		return true
	default:
		return false
	}
}

// IsRunCanceled reports whether cancellation was requested for the current run.
func (j *Job) IsRunCanceled() bool {
	j.m.mu.Lock()
	defer j.m.mu.Unlock()
	return j.runCanceled
}

func (j *Job) lastRun() (time.Time, time.Duration) {
	j.m.mu.Lock()
	defer j.m.mu.Unlock()
	return j.lastStarted, j.lastTook
}

type jobKey struct{}

func withJob(ctx context.Context, j *Job) context.Context {
	return context.WithValue(ctx, jobKey{}, j)
}

// CurrentJob returns the job whose body is running with ctx, or nil.
func CurrentJob(ctx context.Context) *Job {
	if ctx == nil {
		return nil
	}
	j, _ := ctx.Value(jobKey{}).(*Job)
	return j
}
