package jobs

import (
	"context"
	"fmt"
	"time"

	"jobmgr/internal/progress"
	"jobmgr/internal/status"
	"jobmgr/pkg/logx"
)

// GroupState is the aggregate state of a job group.
type GroupState int

const (
	GroupNone GroupState = iota
	GroupActive
	GroupCanceling
)

func (s GroupState) String() string {
	switch s {
	case GroupActive:
		return "active"
	case GroupCanceling:
		return "canceling"
	default:
		return "none"
	}
}

// CancelPolicy decides, after a member finishes, whether the remaining
// members should be canceled. It is not consulted for the member whose
// completion ends the group.
type CancelPolicy func(last *status.Status, failed, canceled int) bool

// ResultCombiner builds the group result from the member results collected
// since the group became active.
type ResultCombiner func(results []*status.Status) *status.Status

// CancelOnError is the default policy: any ERROR result cancels the group.
func CancelOnError(_ *status.Status, failed, _ int) bool { return failed > 0 }

// NeverCancel keeps the group running regardless of failures.
func NeverCancel(*status.Status, int, int) bool { return false }

// CombineNonOK is the default combiner: a multi-status of the non-OK results.
func CombineNonOK(results []*status.Status) *status.Status {
	var bad []*status.Status
	for _, r := range results {
		if !r.IsOK() {
			bad = append(bad, r)
		}
	}
	return status.Multi("group finished", bad...)
}

// GroupOption configures a Group.
type GroupOption func(*Group)

func WithCancelPolicy(p CancelPolicy) GroupOption {
	return func(g *Group) {
		if p != nil {
			g.shouldCancel = p
		}
	}
}

func WithResultCombiner(c ResultCombiner) GroupOption {
	return func(g *Group) {
		if c != nil {
			g.combine = c
		}
	}
}

// Group aggregates member jobs: it throttles how many run at once, tracks
// completion against a seed count, cancels members by policy and reports one
// consolidated result.
//
// A group is finished once no member is active and at least seed members
// have been scheduled. Scheduling fewer than seed members leaves the group
// active; scheduling more after it finished starts a new round.
type Group struct {
	m            *Manager
	name         string
	throttle     int
	seed         int
	shouldCancel CancelPolicy
	combine      ResultCombiner

	// Guarded by m.mu.
	state         GroupState
	active        map[*Job]struct{}
	running       int
	deciding      int
	seedRemaining int
	failed        int
	canceled      int
	results       []*status.Status
	result        *status.Status
	userCanceled  bool
}

// NewGroup creates a group on m. throttle 0 means unlimited; seed is the
// number of members expected before the group can finish (minimum 1).
func (m *Manager) NewGroup(name string, throttle, seed int, opts ...GroupOption) *Group {
	if throttle < 0 {
		throttle = 0
	}
	if seed < 1 {
		seed = 1
	}
	g := &Group{
		m:             m,
		name:          name,
		throttle:      throttle,
		seed:          seed,
		shouldCancel:  CancelOnError,
		combine:       CombineNonOK,
		active:        make(map[*Job]struct{}),
		seedRemaining: seed,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// NewGroup creates a group on the default manager.
func NewGroup(name string, throttle, seed int, opts ...GroupOption) *Group {
	return Default().NewGroup(name, throttle, seed, opts...)
}

func (g *Group) Name() string  { return g.name }
func (g *Group) Throttle() int { return g.throttle }
func (g *Group) Seed() int     { return g.seed }

func (g *Group) String() string { return fmt.Sprintf("Group(%s)", g.name) }

func (g *Group) State() GroupState {
	g.m.mu.Lock()
	defer g.m.mu.Unlock()
	return g.state
}

// Result returns the consolidated result of the last finished round, or nil
// while the group is active.
func (g *Group) Result() *status.Status {
	g.m.mu.Lock()
	defer g.m.mu.Unlock()
	return g.result
}

// ActiveJobs returns the members that are waiting, sleeping or running.
func (g *Group) ActiveJobs() []*Job {
	g.m.mu.Lock()
	defer g.m.mu.Unlock()
	out := make([]*Job, 0, len(g.active))
	for j := range g.active {
		out = append(out, j)
	}
	return out
}

// Counters is a snapshot of the group bookkeeping.
type Counters struct {
	Active        int
	Running       int
	SeedRemaining int
	Failed        int
	Canceled      int
	Completed     int
}

func (g *Group) Counters() Counters {
	g.m.mu.Lock()
	defer g.m.mu.Unlock()
	return Counters{
		Active:        len(g.active),
		Running:       g.running,
		SeedRemaining: g.seedRemaining,
		Failed:        g.failed,
		Canceled:      g.canceled,
		Completed:     len(g.results),
	}
}

// Cancel cancels every active member. Waiting and sleeping members end at
// once; running members are asked to stop. Members scheduled while the group
// is canceling are canceled immediately.
func (g *Group) Cancel() { g.m.cancelGroup(g, false) }

// Join waits until the group finishes, timeout elapses (0 waits forever),
// ctx ends or mon is canceled. It reports whether the group finished. While
// the manager is suspended it returns once no member is running. mon, when
// set, counts one tick per member that leaves the group and is done on
// return.
func (g *Group) Join(ctx context.Context, timeout time.Duration, mon progress.Monitor) (bool, error) {
	m := g.m
	if cur := CurrentJob(ctx); cur != nil && cur.m == m {
		m.mu.Lock()
		member := cur.group == g
		m.mu.Unlock()
		if member && g.throttle > 0 {
			return false, ErrJoinSelf
		}
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	tick := time.NewTicker(m.cfg.PollInterval)
	defer tick.Stop()
	if mon != nil {
		defer mon.Done()
	}

	var unpark func()
	defer func() {
		if unpark != nil {
			unpark()
		}
	}()
	left := -1
	for {
		m.mu.Lock()
		finished := g.state == GroupNone || (m.suspended && g.running == 0)
		active := len(g.active)
		sig := m.sig
		m.mu.Unlock()

		if mon != nil {
			switch {
			case left < 0:
				mon.Begin(g.name, active)
				left = active
			case active < left:
				mon.Worked(left - active)
				left = active
			}
		}
		if finished {
			return true, nil
		}
		if unpark == nil {
			unpark = m.parkWorker(ctx)
		}

		select {
		case <-sig:
		case <-ctx.Done():
			return false, fmt.Errorf("%w: %w", ErrJoinInterrupted, ctx.Err())
		case <-deadline:
			return false, nil
		case <-tick.C:
			if progress.Canceled(mon) {
				return false, ErrCanceled
			}
		}
	}
}

// memberScheduledLocked records a member entering the wait or sleep queue
// from NONE.
func (g *Group) memberScheduledLocked(j *Job) {
	if g.state == GroupNone {
		g.state = GroupActive
		g.failed = 0
		g.canceled = 0
		g.results = nil
		g.result = nil
		g.userCanceled = false
	}
	g.active[j] = struct{}{}
	g.seedRemaining--
}

// memberDoneLocked records a member returning to NONE and reports whether
// the group has nothing left to wait for.
func (g *Group) memberDoneLocked(j *Job, result *status.Status) (last bool) {
	delete(g.active, j)
	switch {
	case result.Matches(status.SeverityError):
		g.failed++
	case result.Matches(status.SeverityCancel):
		g.canceled++
	}
	g.results = append(g.results, result)
	return g.state != GroupNone && len(g.active) == 0 &&
		(g.seedRemaining <= 0 || g.state == GroupCanceling)
}

func (g *Group) computeResult(results []*status.Status) (res *status.Status) {
	defer func() {
		if r := recover(); r != nil {
			res = status.Error(fmt.Sprintf("group %s: result combiner panicked: %v", g.name, r), nil)
		}
	}()
	res = g.combine(results)
	if res == nil {
		res = status.OK
	}
	return res
}

func (g *Group) policy(last *status.Status, failed, canceled int) (cancel bool) {
	defer func() {
		if r := recover(); r != nil {
			g.m.log.Error("group.policy.panic", logx.String("group", g.name), logx.Any("panic", r))
			cancel = false
		}
	}()
	return g.shouldCancel(last, failed, canceled)
}
