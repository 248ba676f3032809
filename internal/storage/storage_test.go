package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobmgr/internal/eventbus"
	"jobmgr/internal/jobs"
	"jobmgr/internal/progress"
	"jobmgr/internal/status"
	"jobmgr/pkg/logx"
)

func openTestStore(t *testing.T, driver string) (Store, Config) {
	t.Helper()
	cfg := Config{Driver: driver, Path: filepath.Join(t.TempDir(), "runs.db")}
	st, err := Open(cfg, logx.Nop())
	require.NoError(t, err)
	require.NotNil(t, st)
	return st, cfg
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()

	st, err := Open(Config{Driver: "none"}, logx.Nop())
	assert.NoError(t, err)
	assert.Nil(t, st)

	_, err = Open(Config{Driver: "tape"}, logx.Nop())
	assert.Error(t, err)

	_, err = Open(Config{Driver: "file"}, logx.Nop())
	assert.Error(t, err)
}

func TestStores(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st, cfg := openTestStore(t, driver)

			base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
			for i, name := range []string{"a", "b", "a", "a"} {
				require.NoError(t, st.AppendRun(ctx, RunRecord{
					ID:       name + string(rune('0'+i)),
					JobID:    uint64(i),
					Name:     name,
					Severity: "ok",
					EndedAt:  base.Add(time.Duration(i) * time.Second),
					TookMS:   int64(i),
				}))
			}

			runs, err := st.Recent(ctx, Query{Name: "a", Limit: 2})
			require.NoError(t, err)
			require.Len(t, runs, 2)
			assert.Equal(t, "a3", runs[0].ID)
			assert.Equal(t, "a2", runs[1].ID)

			all, err := st.Recent(ctx, Query{})
			require.NoError(t, err)
			assert.Len(t, all, 4)

			last, ok, err := st.LastRun(ctx, "b")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "b1", last.ID)
			assert.True(t, base.Add(time.Second).Equal(last.EndedAt))

			_, ok, err = st.LastRun(ctx, "zzz")
			require.NoError(t, err)
			assert.False(t, ok)

			// Reopening sees the same history.
			require.NoError(t, st.Close())
			st2, err := Open(cfg, logx.Nop())
			require.NoError(t, err)
			defer st2.Close()
			last, ok, err = st2.LastRun(ctx, "a")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "a3", last.ID)
		})
	}
}

func TestRecorderWritesDoneEvents(t *testing.T) {
	t.Parallel()

	st, _ := openTestStore(t, "file")
	defer st.Close()
	bus := eventbus.New()
	rec := NewRecorder(st, bus, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, rec.Attach())
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()

	m := jobs.NewManager(jobs.Config{Workers: 2, PollInterval: 10 * time.Millisecond}, jobs.WithBus(bus))
	require.NoError(t, m.Start(ctx))
	defer m.Stop(context.Background())

	j := m.NewJob("nightly", func(context.Context, progress.Monitor) *status.Status {
		return status.Warning("slow disk")
	})
	require.NoError(t, j.Schedule(0))
	require.NoError(t, j.Join(ctx))
	require.Eventually(t, func() bool {
		w, _ := rec.Stats()
		return w > 0
	}, 5*time.Second, 10*time.Millisecond)

	last, ok, err := st.LastRun(ctx, "nightly")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "warning", last.Severity)
	assert.Equal(t, "slow disk", last.Message)
	assert.NotEmpty(t, last.ID)

	cancel()
	assert.NoError(t, <-done)
}

func TestRecordFromEvent(t *testing.T) {
	t.Parallel()

	at := time.Now()
	r := RecordFromEvent(jobs.JobEvent{ID: 7, Name: "x", Group: "g", Severity: "error", Duration: 1500 * time.Millisecond}, at)
	assert.Len(t, r.ID, 36)
	assert.Equal(t, int64(1500), r.TookMS)
	assert.Equal(t, "g", r.Group)
	assert.Equal(t, at, r.EndedAt)
}
