package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"jobmgr/internal/config"
	"jobmgr/internal/jobs"
	"jobmgr/internal/progress"
	"jobmgr/internal/status"
	"jobmgr/internal/trigger"
	"jobmgr/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
logging:
  level: error
  console: false
engine:
  workers: 2
  poll_interval: 5ms
  lock_poll_interval: 5ms
  timezone: UTC
storage:
  driver: file
  path: %s
groups:
  - name: batch
    throttle: 1
workload:
  - name: solo
    duration: 10ms
  - name: first
    group: batch
    duration: 10ms
    fail: true
  - name: second
    group: batch
    duration: 10ms
  - name: ticker
    schedule: every 1h
`

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "jobsd.yaml")
	body := []byte(fmt.Sprintf(testConfig, filepath.Join(dir, "runs.jsonl")))
	require.NoError(t, os.WriteFile(path, body, 0o600))
	return path
}

func newTestTriggers() *trigger.Service { return trigger.New(trigger.Config{}, logx.Nop()) }

func TestAppRunsWorkloadAndRecordsHistory(t *testing.T) {
	a, err := New(writeConfig(t))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Start(ctx))
	defer a.Stop(context.Background(), StopAppStop)

	g := a.Group("batch")
	require.NotNil(t, g)
	finished, err := g.Join(ctx, 0, progress.NewNull())
	require.NoError(t, err)
	require.True(t, finished)
	assert.Equal(t, status.SeverityCancel, g.Result().Severity)

	require.Eventually(t, func() bool {
		recs, err := a.Recent(ctx, "solo", 10)
		return err == nil && len(recs) == 1
	}, 3*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		recs, err := a.Recent(ctx, "first", 10)
		return err == nil && len(recs) == 1 && recs[0].Severity == "error"
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"ticker"}, a.Triggers().Names())
	assert.NoError(t, a.Err())
	require.NoError(t, a.Stop(ctx, StopAppStop))
	select {
	case <-a.Done():
	default:
		t.Fatal("supervisor context still live after Stop")
	}
}

func TestNewRejectsBadSchedule(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workload:\n  - name: x\n    schedule: \"cron: nope nope\"\n"), 0o600))
	_, err := New(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		Engine:  config.EngineConfig{Timezone: "Not/AZone"},
		Storage: &config.StorageConfig{Driver: "sqlite"},
		Workload: []config.JobConfig{
			{Name: "a", Priority: "urgent"},
			{Name: "b", Schedule: "every -1s"},
		},
	}
	err := validate(cfg)
	require.Error(t, err)
	for _, want := range []string{"engine.timezone", "storage.path", "workload[0].priority", "workload[1].schedule"} {
		assert.Contains(t, err.Error(), want)
	}

	ok := &config.Config{Workload: []config.JobConfig{{Name: "a", Priority: "long", Rule: "/data", Schedule: "@hourly"}}}
	assert.NoError(t, validate(ok))
}

func TestMapEngineConfig(t *testing.T) {
	t.Parallel()

	ec, err := mapEngineConfig(&config.Config{Engine: config.EngineConfig{
		Workers:           2,
		MaxWorkers:        6,
		IdleWorkerTimeout: "3s",
		PollInterval:      "20ms",
	}})
	require.NoError(t, err)
	assert.Equal(t, 6, ec.MaxWorkers)
	assert.Equal(t, 3*time.Second, ec.IdleWorkerTimeout)
	assert.Equal(t, 20*time.Millisecond, ec.PollInterval)

	_, err = mapEngineConfig(&config.Config{Engine: config.EngineConfig{IdleWorkerTimeout: "-1s"}})
	assert.Error(t, err)
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()

	_, enabled, err := mapStorageConfig(&config.Config{})
	require.NoError(t, err)
	assert.False(t, enabled)

	sc, enabled, err := mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "SQLite", Path: "x.db"}})
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, time.Second, sc.BusyTimeout)

	_, _, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "redis", Path: "x"}})
	assert.Error(t, err)
}

func TestWorkloadReconcile(t *testing.T) {
	t.Parallel()

	m := jobs.NewManager(jobs.Config{Workers: 1, PollInterval: 5 * time.Millisecond})
	trig := newTestTriggers()
	w := newWorkload(m, trig, logx.Nop())

	cfg := &config.Config{Workload: []config.JobConfig{
		{Name: "keep", Schedule: "every 1h"},
		{Name: "drop", Schedule: "every 1h"},
		{Name: "once", Delay: "1h"},
	}}
	require.NoError(t, w.apply(cfg))
	assert.Equal(t, []string{"drop", "keep"}, trig.Names())
	assert.Len(t, w.all(), 3)

	var keep *jobs.Job
	for _, j := range w.all() {
		if j.Name() == "keep" {
			keep = j
		}
	}
	require.NotNil(t, keep)

	next := &config.Config{Workload: []config.JobConfig{
		{Name: "keep", Schedule: "every 1h"},
		{Name: "once", Delay: "1h"},
	}}
	require.NoError(t, w.apply(next))
	assert.Equal(t, []string{"keep"}, trig.Names())
	assert.Len(t, w.all(), 2)
	for _, j := range w.all() {
		if j.Name() == "keep" {
			assert.Same(t, keep, j)
		}
	}
}

func TestWorkloadBodyHonoursCancel(t *testing.T) {
	t.Parallel()

	body := workloadBody(config.JobConfig{Name: "slow"}, time.Hour)
	mon := progress.NewNull()
	mon.SetCanceled(true)
	assert.Equal(t, status.SeverityCancel, body(context.Background(), mon).Severity)

	fail := workloadBody(config.JobConfig{Name: "bad", Fail: true}, 0)
	res := fail(context.Background(), progress.NewNull())
	assert.Equal(t, status.SeverityError, res.Severity)
	assert.ErrorIs(t, res.Err, errWorkloadFailed)
}
