package trigger

import (
	"context"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobmgr/internal/jobs"
	"jobmgr/internal/progress"
	"jobmgr/internal/status"
	"jobmgr/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in    string
		kind  Kind
		every time.Duration
		cron  string
	}{
		{in: "55m", kind: KindInterval, every: 55 * time.Minute},
		{in: "02:30", kind: KindInterval, every: 2*time.Hour + 30*time.Minute},
		{in: "every 30s", kind: KindInterval, every: 30 * time.Second},
		{in: "interval:1h", kind: KindInterval, every: time.Hour},
		{in: "every:10s", kind: KindInterval, every: 10 * time.Second},
		{in: "@every 5m", kind: KindInterval, every: 5 * time.Minute},
		{in: "*/5 * * * *", kind: KindCron, cron: "*/5 * * * *"},
		{in: "@hourly", kind: KindCron, cron: "@hourly"},
		{in: "cron: 0 0 * * *", kind: KindCron, cron: "0 0 * * *"},
	}
	for _, tc := range cases {
		got, err := ParseSchedule(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.kind, got.Kind, tc.in)
		assert.Equal(t, tc.every, got.Every, tc.in)
		assert.Equal(t, tc.cron, got.Cron, tc.in)
	}

	for _, bad := range []string{"", "soon", "0s", "-5m", "01:75", "cron:", "every "} {
		_, err := ParseSchedule(bad)
		assert.Error(t, err, bad)
	}
}

func TestAddRejectsBadCron(t *testing.T) {
	t.Parallel()

	m := jobs.NewManager(jobs.Config{Workers: 1})
	s := New(Config{}, logx.Nop())
	j := m.NewJob("x", nil)

	assert.Error(t, s.Add("bad", "61 * * * *", j))
	assert.Error(t, s.Add("", "1m", j))
	assert.ErrorIs(t, s.Add("nil", "1m", nil), jobs.ErrNilJob)
	assert.NoError(t, s.Add("ok", "0 */10 * * * *", j))
	assert.Equal(t, []string{"ok"}, s.Names())
	assert.True(t, s.Remove("ok"))
	assert.False(t, s.Remove("ok"))
}

func TestFireSkipsBusyJob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := jobs.NewManager(jobs.Config{Workers: 1})
	require.NoError(t, m.Start(ctx))
	defer m.Stop(ctx)

	release := make(chan struct{})
	j := m.NewJob("busy", func(context.Context, progress.Monitor) *status.Status {
		<-release
		return status.OK
	})

	s := New(Config{}, logx.Nop())
	require.NoError(t, s.Add("t", "1h", j))
	e := s.defs["t"]

	s.fire(e)
	require.Eventually(t, func() bool { return j.State() == jobs.StateRunning }, 2*time.Second, 5*time.Millisecond)
	s.fire(e)
	s.fire(e)
	close(release)
	require.NoError(t, j.Join(ctx))

	info := s.Snapshot()
	require.Len(t, info, 1)
	assert.Equal(t, uint64(1), info[0].Fired)
	assert.Equal(t, uint64(2), info[0].Skipped)
	assert.Equal(t, "busy", info[0].Job)
	assert.Equal(t, "every 1h0m0s", info[0].Spec)
}

func TestIntervalTriggerRuns(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := jobs.NewManager(jobs.Config{Workers: 1})
	require.NoError(t, m.Start(ctx))
	defer m.Stop(ctx)

	ran := make(chan struct{}, 8)
	j := m.NewJob("tick", func(context.Context, progress.Monitor) *status.Status {
		ran <- struct{}{}
		return status.OK
	})

	s := New(Config{Timezone: "UTC"}, logx.Nop())
	require.NoError(t, s.Add("tick", "every 1s", j))
	s.Start(ctx)
	defer s.Stop(ctx)

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("interval trigger never fired")
	}
	info := s.Snapshot()
	require.Len(t, info, 1)
	assert.False(t, info[0].Next.IsZero())
}

func TestSpreadDelaysFirstRun(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sched, jitter := intervalSchedule(time.Minute, now, true)
	assert.Less(t, jitter, 30*time.Second)
	first := sched.Next(now)
	assert.Equal(t, now.Add(time.Minute+jitter), first)
	assert.Equal(t, cron.Every(time.Minute).Next(first), sched.Next(first))

	_, jitter = intervalSchedule(time.Minute, now, false)
	assert.Zero(t, jitter)
}
