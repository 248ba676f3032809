package jobs

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"jobmgr/internal/lock"
	"jobmgr/internal/progress"
	"jobmgr/internal/status"
	"jobmgr/pkg/logx"
)

// worker dispatches and runs jobs until the supervisor stops.
func (m *Manager) worker(ctx context.Context) error {
	for {
		j, owner := m.next(ctx, 0)
		if j == nil {
			return nil
		}
		m.startJob(ctx, j, owner)
	}
}

// next blocks until a job can be dispatched or ctx ends. With idleFor set it
// also gives up once it has found nothing to run for that long.
func (m *Manager) next(ctx context.Context, idleFor time.Duration) (*Job, *lock.Owner) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	var expired <-chan time.Time
	if idleFor > 0 {
		t := time.NewTimer(idleFor)
		defer t.Stop()
		expired = t.C
	}
	m.mu.Lock()
	for {
		if j := m.nextJobLocked(time.Now()); j != nil {
			owner := j.owner
			m.mu.Unlock()
			return j, owner
		}
		sig := m.sig
		wakeAt, ok := m.sleeping.next()
		m.idle++
		m.mu.Unlock()

		var due <-chan time.Time
		if ok {
			d := max(time.Until(wakeAt), 0)
			if timer == nil {
				timer = time.NewTimer(d)
			} else {
				timer.Reset(d)
			}
			due = timer.C
		}
		quit := false
		select {
		case <-sig:
		case <-due:
		case <-expired:
			quit = true
		case <-ctx.Done():
			quit = true
		}
		if timer != nil && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		m.mu.Lock()
		m.idle--
		if quit {
			m.mu.Unlock()
			return nil, nil
		}
	}
}

// startJob takes a dispatched job through about-to-run into its body. The
// job may be canceled, vetoed or put to sleep by a listener in between. The
// progress monitor is only created once the body will run.
func (m *Manager) startJob(ctx context.Context, j *Job, owner *lock.Owner) {
	m.mu.Lock()
	shouldRun := j.shouldRun
	progGroup, ticks := j.progGroup, j.progTicks
	m.queueLocked(j, EventAboutToRun, -1, nil, true)
	m.mu.Unlock()
	m.flush(j)

	run := m.callVeto(j, "should_run", shouldRun)
	if !m.stillAboutToRun(j, owner, run, nil) {
		return
	}
	mon := progress.OrNull(m.provider.CreateMonitor(j, progGroup, ticks))

	m.mu.Lock()
	if !m.aboutToRunLocked(j, owner, true, mon) {
		return
	}
	runCtx, cancel := context.WithCancel(lock.WithOwner(withJob(ctx, j), owner))
	j.state = stRunning
	j.monitor = mon
	j.cancelRun = cancel
	j.asyncCh = make(chan *status.Status, 1)
	j.startedAt = time.Now()
	j.runCanceled = false
	asyncCh := j.asyncCh
	m.queueLocked(j, EventRunning, -1, nil, true)
	m.mu.Unlock()
	m.flush(j)

	res := m.invoke(runCtx, j, mon)
	if !res.IsAsync() {
		m.endJob(j, owner, res)
		return
	}
	m.sup.Go("job.async."+j.name, func(context.Context) error {
		select {
		case r := <-asyncCh:
			m.endJob(j, owner, r)
		case <-runCtx.Done():
			m.endJob(j, owner, status.Cancel)
		}
		return nil
	})
}

// stillAboutToRun reports whether dispatch of j may go on. Otherwise it has
// already ended the run or given its rule back.
func (m *Manager) stillAboutToRun(j *Job, owner *lock.Owner, run bool, mon progress.Monitor) bool {
	m.mu.Lock()
	if !m.aboutToRunLocked(j, owner, run, mon) {
		return false
	}
	m.mu.Unlock()
	return true
}

// aboutToRunLocked checks j between dispatch and its body. On false m.mu has
// been released and mon, when set, has been handed to Done.
func (m *Manager) aboutToRunLocked(j *Job, owner *lock.Owner, run bool, mon progress.Monitor) bool {
	if j.state != stAboutToRun || j.owner != owner {
		// Put back to sleep while about to run.
		m.mu.Unlock()
		if mon != nil {
			mon.Done()
		}
		m.locks.ReleaseAll(owner)
		return false
	}
	g := j.group
	if !run || j.aboutToRunCanceled || m.stopped || (g != nil && g.state == GroupCanceling) {
		j.monitor = mon
		d := m.endLocked(j, status.Cancel)
		m.mu.Unlock()
		m.finish(d)
		return false
	}
	return true
}

// invoke runs the body. A panic becomes an ERROR result.
func (m *Manager) invoke(ctx context.Context, j *Job, mon progress.Monitor) (res *status.Status) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("job.panic",
				logx.String("job", j.name),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())))
			res = status.Error(fmt.Sprintf("job %s panicked: %v", j.name, r), nil)
		}
	}()
	res = j.fn(ctx, mon)
	if res == nil {
		res = status.OK
	}
	return res
}

// endJob completes the run of owner. A stale call for a run that already
// ended is ignored.
func (m *Manager) endJob(j *Job, owner *lock.Owner, res *status.Status) {
	if res.IsAsync() {
		res = status.OK
	}
	m.mu.Lock()
	if j.owner != owner || (j.state != stRunning && j.state != stAboutToRun) {
		m.mu.Unlock()
		return
	}
	d := m.endLocked(j, res)
	m.mu.Unlock()
	m.finish(d)
}

// ending carries the work left for finish after a job left its queue or run.
type ending struct {
	job    *Job
	result *status.Status
	owner  *lock.Owner
	mon    progress.Monitor
	event  *queuedEvent

	reschedule bool
	delay      time.Duration
	veto       func() bool

	group     *Group
	groupLast bool
	deciding  bool
	failed    int
	canceled  int
}

// endLocked returns j to NONE with result.
func (m *Manager) endLocked(j *Job, result *status.Status) *ending {
	if result == nil {
		result = status.OK
	}
	d := &ending{job: j, result: result}
	prev := j.state
	switch prev {
	case stNone:
		return nil
	case stWaiting:
		m.waiting.remove(j)
	case stSleeping:
		m.sleeping.remove(j)
	case stAboutToRun, stRunning:
		delete(m.running, j)
		if g := j.group; g != nil {
			g.running--
		}
		d.owner, d.mon = j.owner, j.monitor
		if j.cancelRun != nil {
			j.cancelRun()
		}
	}
	ended := time.Now()
	if prev == stRunning {
		j.lastStarted = j.startedAt
		j.lastTook = ended.Sub(j.startedAt)
	}
	j.state = stNone
	j.result = result
	j.owner, j.monitor, j.cancelRun, j.asyncCh = nil, nil, nil, nil
	j.wakeAt = time.Time{}
	delete(m.scheduled, j)
	m.history.add(j, result, prev == stRunning, ended)

	if prev == stRunning && j.reschedule && !m.stopped {
		d.reschedule, d.delay, d.veto = true, j.rescheduleDelay, j.shouldSchedule
	}
	j.reschedule, j.rescheduleDelay = false, 0
	if !d.reschedule {
		m.retireLocked(d)
	}
	d.event = m.queueLocked(j, EventDone, -1, result, false)
	m.signalLocked()
	return d
}

// retireLocked records the run in the job's group.
func (m *Manager) retireLocked(d *ending) {
	g := d.job.group
	if g == nil {
		return
	}
	d.group = g
	d.groupLast = g.memberDoneLocked(d.job, d.result)
	d.failed, d.canceled = g.failed, g.canceled
	// Hold back the group's waiting members until finish has asked the
	// cancel policy about this result.
	if !d.groupLast && g.state == GroupActive {
		d.deciding = true
		g.deciding++
	}
}

// finish does the part of ending a run that calls out: releasing rules,
// hooks, the group result and the done notification.
func (m *Manager) finish(d *ending) {
	if d == nil {
		return
	}
	j := d.job
	if d.owner != nil {
		m.locks.ReleaseAll(d.owner)
	}
	if d.mon != nil {
		d.mon.Done()
	}

	rescheduled := false
	if d.reschedule {
		ok := m.callVeto(j, "should_schedule", d.veto)
		m.mu.Lock()
		if ok && !m.stopped && j.state == stNone {
			rescheduled = m.activateLocked(j, d.delay, true)
		}
		if !rescheduled && j.state == stNone {
			m.retireLocked(d)
		}
		m.mu.Unlock()
	}

	var groupResult *status.Status
	if g := d.group; g != nil {
		if d.groupLast {
			groupResult = m.endGroup(g)
		} else if d.deciding {
			if g.policy(d.result, d.failed, d.canceled) {
				m.cancelGroup(g, true)
			}
			m.mu.Lock()
			g.deciding--
			m.signalLocked()
			m.mu.Unlock()
		}
	}

	m.release(j, d.event, groupResult, rescheduled)
	m.flush(j)

	if d.group == nil && d.result.Matches(status.SeverityError|status.SeverityWarning) {
		m.logResult("job.result", j.name, d.result, logx.String("job", j.name))
	}
}

// endGroup computes the group result and closes the round, unless a new
// member was scheduled in the meantime.
func (m *Manager) endGroup(g *Group) *status.Status {
	m.mu.Lock()
	results := append([]*status.Status(nil), g.results...)
	m.mu.Unlock()

	res := g.computeResult(results)

	m.mu.Lock()
	if g.state == GroupNone || len(g.active) > 0 {
		m.mu.Unlock()
		return nil
	}
	if g.userCanceled && !res.Matches(status.SeverityCancel) {
		res = status.Multi("group canceled", res, status.Cancel)
	}
	g.state = GroupNone
	g.result = res
	m.signalLocked()
	m.mu.Unlock()

	if res.Matches(status.SeverityError | status.SeverityWarning) {
		m.logResult("group.result", g.name, res, logx.String("group", g.name))
	}
	return res
}

func (m *Manager) logResult(msg, key string, res *status.Status, fields ...logx.Field) {
	fields = append(fields,
		logx.String("severity", res.Severity.String()),
		logx.String("result", res.String()))
	if res.Matches(status.SeverityError) {
		m.throttle.Error(m.log, msg+"."+key, msg, fields...)
		return
	}
	m.throttle.Warn(m.log, msg+"."+key, msg, fields...)
}

// cancelGroup moves g to CANCELING and cancels its active members. A user
// cancel wins over a cancel triggered by a failing member.
func (m *Manager) cancelGroup(g *Group, dueToError bool) {
	m.mu.Lock()
	if g.state == GroupNone {
		m.mu.Unlock()
		return
	}
	if !dueToError {
		g.userCanceled = true
	}
	if g.state == GroupCanceling {
		m.mu.Unlock()
		return
	}
	g.state = GroupCanceling
	members := make([]*Job, 0, len(g.active))
	for j := range g.active {
		members = append(members, j)
	}
	m.mu.Unlock()

	m.log.Info("group.canceling",
		logx.String("group", g.name),
		logx.Bool("due_to_error", dueToError),
		logx.Int("members", len(members)))
	for _, j := range members {
		m.Cancel(j)
	}
}
