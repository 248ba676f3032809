package jobs

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobmgr/internal/progress"
	"jobmgr/internal/status"
)

func TestGroupThrottleCeiling(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, 6)
	g := m.NewGroup("indexers", 2, 6)

	var active, peak atomic.Int32
	body := func(context.Context, progress.Monitor) *status.Status {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(15 * time.Millisecond)
		active.Add(-1)
		return status.OK
	}
	for i := 0; i < 6; i++ {
		j := m.NewJob("index", body)
		require.NoError(t, j.SetGroup(g))
		require.NoError(t, j.Schedule(0))
	}
	assert.Equal(t, GroupActive, g.State())

	finished, err := g.Join(testCtx(t), 0, nil)
	require.NoError(t, err)
	require.True(t, finished)
	assert.Equal(t, int32(2), peak.Load())
	assert.Equal(t, GroupNone, g.State())
	assert.True(t, g.Result().IsOK())
	c := g.Counters()
	assert.Equal(t, 6, c.Completed)
	assert.Zero(t, c.Active)
	assert.Zero(t, c.SeedRemaining)
}

func TestGroupWaitsForSeed(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, 2)
	g := m.NewGroup("seeded", 0, 2)
	a, b := m.NewJob("a", nil), m.NewJob("b", nil)
	require.NoError(t, a.SetGroup(g))
	require.NoError(t, b.SetGroup(g))

	require.NoError(t, a.Schedule(0))
	require.NoError(t, a.Join(testCtx(t)))
	assert.Equal(t, GroupActive, g.State(), "one of two seed members finished")

	finished, err := g.Join(testCtx(t), 20*time.Millisecond, nil)
	require.NoError(t, err)
	assert.False(t, finished)

	require.NoError(t, b.Schedule(0))
	finished, err = g.Join(testCtx(t), 0, nil)
	require.NoError(t, err)
	assert.True(t, finished)
}

func TestGroupCancelOnFirstError(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, 4)
	rec := newRecorder()
	m.AddListener(rec.listener())
	g := m.NewGroup("build", 2, 5)

	var ran atomic.Int32
	secondStarted := make(chan struct{})
	names := []string{"m0", "m1", "m2", "m3", "m4"}
	for i, name := range names {
		var body Func
		switch i {
		case 0:
			body = func(context.Context, progress.Monitor) *status.Status {
				ran.Add(1)
				select {
				case <-secondStarted:
				case <-time.After(waitFor):
				}
				return status.Error("compile failed", nil)
			}
		case 1:
			body = func(ctx context.Context, mon progress.Monitor) *status.Status {
				ran.Add(1)
				close(secondStarted)
				return untilCanceled(ctx, mon)
			}
		default:
			body = func(context.Context, progress.Monitor) *status.Status {
				ran.Add(1)
				return status.OK
			}
		}
		j := m.NewJob(name, body)
		require.NoError(t, j.SetGroup(g))
		require.NoError(t, j.Schedule(0))
	}

	finished, err := g.Join(testCtx(t), 0, nil)
	require.NoError(t, err)
	require.True(t, finished)

	assert.Equal(t, int32(2), ran.Load(), "only the throttled pair ran")
	c := g.Counters()
	assert.Equal(t, 1, c.Failed)
	assert.Equal(t, 4, c.Canceled)

	res := g.Result()
	require.NotNil(t, res)
	assert.True(t, res.Matches(status.SeverityCancel))
	var sawError bool
	for _, child := range res.Children {
		sawError = sawError || child.Matches(status.SeverityError)
	}
	assert.True(t, sawError)

	// Exactly one done event carries the group result.
	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		n := 0
		for _, name := range names {
			for _, e := range rec.events[name] {
				if e.Type == EventDone && e.GroupResult != nil {
					n++
				}
			}
		}
		return n == 1
	}, waitFor, 5*time.Millisecond)
}

func TestGroupNeverCancelPolicy(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, 2)
	g := m.NewGroup("tolerant", 1, 3, WithCancelPolicy(NeverCancel))
	for i := 0; i < 3; i++ {
		fail := i == 0
		j := m.NewJob("t", func(context.Context, progress.Monitor) *status.Status {
			if fail {
				return status.Error("flaky", nil)
			}
			return status.OK
		})
		require.NoError(t, j.SetGroup(g))
		require.NoError(t, j.Schedule(0))
	}
	finished, err := g.Join(testCtx(t), 0, nil)
	require.NoError(t, err)
	require.True(t, finished)

	c := g.Counters()
	assert.Equal(t, 1, c.Failed)
	assert.Zero(t, c.Canceled)
	assert.True(t, g.Result().Matches(status.SeverityError))
	require.Len(t, g.Result().Children, 1)
}

func TestGroupCustomCombiner(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, 1)
	g := m.NewGroup("count", 0, 2, WithResultCombiner(func(results []*status.Status) *status.Status {
		return status.Info("merged")
	}))
	for i := 0; i < 2; i++ {
		j := m.NewJob("c", nil)
		require.NoError(t, j.SetGroup(g))
		require.NoError(t, j.Schedule(0))
	}
	finished, err := g.Join(testCtx(t), 0, nil)
	require.NoError(t, err)
	require.True(t, finished)
	assert.Equal(t, "merged", g.Result().Message)
}

func TestGroupUserCancel(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, 2)
	g := m.NewGroup("user", 0, 3)
	started := make(chan struct{}, 2)
	for i := 0; i < 3; i++ {
		j := m.NewJob("u", func(ctx context.Context, mon progress.Monitor) *status.Status {
			started <- struct{}{}
			return untilCanceled(ctx, mon)
		})
		require.NoError(t, j.SetGroup(g))
		require.NoError(t, j.Schedule(0))
	}
	<-started
	<-started

	g.Cancel()
	finished, err := g.Join(testCtx(t), 0, nil)
	require.NoError(t, err)
	require.True(t, finished)
	assert.True(t, g.Result().Matches(status.SeverityCancel))
	assert.Equal(t, 3, g.Counters().Canceled)
}

func TestScheduleIntoCancelingGroup(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, 2)
	g := m.NewGroup("closing", 0, 1)
	release := make(chan struct{})
	started := make(chan struct{})
	stubborn := m.NewJob("stubborn", func(context.Context, progress.Monitor) *status.Status {
		close(started)
		<-release
		return status.OK
	})
	require.NoError(t, stubborn.SetGroup(g))
	require.NoError(t, stubborn.Schedule(0))
	<-started

	g.Cancel()
	assert.Equal(t, GroupCanceling, g.State())

	var ran atomic.Bool
	late := m.NewJob("late", func(context.Context, progress.Monitor) *status.Status {
		ran.Store(true)
		return status.OK
	})
	require.NoError(t, late.SetGroup(g))
	require.NoError(t, late.Schedule(0))
	assert.Equal(t, StateNone, late.State())
	assert.Same(t, status.Cancel, late.Result())

	close(release)
	finished, err := g.Join(testCtx(t), 0, nil)
	require.NoError(t, err)
	require.True(t, finished)
	assert.False(t, ran.Load())
	assert.True(t, g.Result().Matches(status.SeverityCancel))
}

func TestGroupNewRoundAfterFinish(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, 1)
	g := m.NewGroup("rounds", 0, 1)
	j := m.NewJob("r", func(context.Context, progress.Monitor) *status.Status {
		return status.Warning("meh")
	})
	require.NoError(t, j.SetGroup(g))
	require.NoError(t, j.Schedule(0))
	_, err := g.Join(testCtx(t), 0, nil)
	require.NoError(t, err)
	assert.True(t, g.Result().Matches(status.SeverityWarning))

	require.NoError(t, j.Schedule(0))
	_, err = g.Join(testCtx(t), 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, g.Counters().Completed, "a new round resets the results")
	assert.ErrorIs(t, j.SetGroup(m.NewGroup("other", 0, 1)), ErrGroupAssigned)
}

func TestGroupJoinFromMember(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, 2)
	g := m.NewGroup("self", 1, 1)
	var joinErr error
	j := m.NewJob("member", func(ctx context.Context, mon progress.Monitor) *status.Status {
		_, joinErr = g.Join(ctx, 0, mon)
		return status.OK
	})
	require.NoError(t, j.SetGroup(g))
	require.NoError(t, j.Schedule(0))
	_, err := g.Join(testCtx(t), 0, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, joinErr, ErrJoinSelf)
}

func TestGroupJoinCanceledByMonitor(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, 1)
	g := m.NewGroup("slow", 0, 1)
	j := m.NewJob("s", nil)
	require.NoError(t, j.SetGroup(g))
	require.NoError(t, j.Schedule(time.Hour))

	mon := progress.NewNull()
	mon.SetCanceled(true)
	finished, err := g.Join(testCtx(t), 0, mon)
	assert.False(t, finished)
	assert.ErrorIs(t, err, ErrCanceled)
	g.Cancel()
}

func TestGroupJoinReportsMembersLeft(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, 3)
	g := m.NewGroup("batch", 0, 3)
	release := make(chan struct{})
	for _, name := range []string{"a", "b", "c"} {
		j := m.NewJob(name, func(ctx context.Context, _ progress.Monitor) *status.Status {
			select {
			case <-release:
				return status.OK
			case <-ctx.Done():
				return status.Cancel
			}
		})
		require.NoError(t, j.SetGroup(g))
		require.NoError(t, j.Schedule(0))
	}

	counter := progress.NewCounter()
	type joined struct {
		finished bool
		err      error
	}
	out := make(chan joined, 1)
	ctx := testCtx(t)
	go func() {
		finished, err := g.Join(ctx, 0, counter)
		out <- joined{finished, err}
	}()
	require.Eventually(t, func() bool { return counter.Snapshot().Begins == 1 }, waitFor, 5*time.Millisecond)
	close(release)

	res := <-out
	require.NoError(t, res.err)
	assert.True(t, res.finished)
	snap := counter.Snapshot()
	assert.Equal(t, "batch", snap.Name)
	assert.Equal(t, 3, snap.Total)
	assert.Equal(t, 3, snap.Worked)
	assert.Equal(t, 1, snap.Dones)
}

func TestGroupJoinMonitorDoneOnCancel(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, 1)
	g := m.NewGroup("parked", 0, 1)
	j := m.NewJob("p", nil)
	require.NoError(t, j.SetGroup(g))
	require.NoError(t, j.Schedule(time.Hour))
	defer g.Cancel()

	counter := progress.NewCounter()
	counter.SetCanceled(true)
	_, err := g.Join(testCtx(t), 0, counter)
	assert.ErrorIs(t, err, ErrCanceled)
	snap := counter.Snapshot()
	assert.Equal(t, 1, snap.Total)
	assert.Zero(t, snap.Worked)
	assert.Equal(t, 1, snap.Dones)
}
