package jobs

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobmgr/internal/progress"
	"jobmgr/internal/rule"
	"jobmgr/internal/status"
)

// nestedJoin returns a body that schedules a child job and joins it within
// limit.
func nestedJoin(m *Manager, limit time.Duration, ran *atomic.Bool, joinErr *error) Func {
	return func(ctx context.Context, _ progress.Monitor) *status.Status {
		inner := m.NewJob("inner", func(context.Context, progress.Monitor) *status.Status {
			ran.Store(true)
			return status.OK
		})
		if err := inner.Schedule(0); err != nil {
			return status.Error("schedule", err)
		}
		jctx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()
		if err := inner.Join(jctx); err != nil {
			*joinErr = err
			return status.Error("join", err)
		}
		return status.OK
	}
}

func TestNestedJoinWithOneWorker(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, 1)
	var (
		ran     atomic.Bool
		joinErr error
	)
	outer := m.NewJob("outer", nestedJoin(m, waitFor, &ran, &joinErr))
	require.NoError(t, outer.Schedule(0))
	require.NoError(t, outer.Join(testCtx(t)))

	require.NoError(t, joinErr)
	assert.True(t, outer.Result().IsOK(), outer.Result().String())
	assert.True(t, ran.Load())
}

func TestBodyBlockedOnRuleLeavesPoolServing(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, 1)
	r := rule.NewPath("/shared")
	holder := m.CallerContext(context.Background(), "holder")
	require.NoError(t, m.BeginRule(holder, r, nil))

	waiter := m.NewJob("waiter", func(ctx context.Context, mon progress.Monitor) *status.Status {
		if err := m.BeginRule(ctx, r, mon); err != nil {
			return status.Error("begin", err)
		}
		_ = m.EndRule(ctx, r)
		return status.OK
	})
	require.NoError(t, waiter.Schedule(0))
	require.Eventually(t, func() bool { return m.Snapshot().Blocked == 1 }, waitFor, 5*time.Millisecond)

	other := m.NewJob("other", nil)
	require.NoError(t, other.Schedule(0))
	require.NoError(t, other.Join(testCtx(t)))
	assert.True(t, other.Result().IsOK())
	assert.Equal(t, StateRunning, waiter.State())

	require.NoError(t, m.EndRule(holder, r))
	require.NoError(t, waiter.Join(testCtx(t)))
	assert.True(t, waiter.Result().IsOK())
}

func TestAddedWorkerRetires(t *testing.T) {
	t.Parallel()

	m := NewManager(Config{
		Workers:           1,
		PollInterval:      5 * time.Millisecond,
		IdleWorkerTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop(context.Background())

	var (
		ran     atomic.Bool
		joinErr error
	)
	outer := m.NewJob("outer", nestedJoin(m, waitFor, &ran, &joinErr))
	require.NoError(t, outer.Schedule(0))
	require.NoError(t, outer.Join(testCtx(t)))
	require.NoError(t, joinErr)
	assert.True(t, ran.Load())

	require.Eventually(t, func() bool {
		snap := m.Snapshot()
		return snap.Live == 1 && snap.Blocked == 0
	}, waitFor, 5*time.Millisecond)
	assert.GreaterOrEqual(t, m.Snapshot().Supervisor.Started, uint64(3))
}

func TestMaxWorkersCapsGrowth(t *testing.T) {
	t.Parallel()

	m := NewManager(Config{Workers: 1, MaxWorkers: 1, PollInterval: 5 * time.Millisecond})
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop(context.Background())
	assert.Equal(t, 1, m.Config().MaxWorkers)

	var (
		ran     atomic.Bool
		joinErr error
	)
	outer := m.NewJob("outer", nestedJoin(m, 50*time.Millisecond, &ran, &joinErr))
	require.NoError(t, outer.Schedule(0))
	require.NoError(t, outer.Join(testCtx(t)))
	assert.ErrorIs(t, joinErr, ErrJoinInterrupted)
	assert.True(t, outer.Result().Matches(status.SeverityError))

	// The child runs once the only worker is free again.
	require.Eventually(t, ran.Load, waitFor, 5*time.Millisecond)
}

func TestConfigDefaultsMaxWorkers(t *testing.T) {
	t.Parallel()

	cfg := Config{Workers: 3}.withDefaults()
	assert.Equal(t, 12, cfg.MaxWorkers)
	assert.Equal(t, 10*time.Second, cfg.IdleWorkerTimeout)

	cfg = Config{Workers: 3, MaxWorkers: 2}.withDefaults()
	assert.Equal(t, 3, cfg.MaxWorkers)
}
