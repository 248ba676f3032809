package app

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"jobmgr/internal/config"
	"jobmgr/internal/jobs"
	"jobmgr/internal/progress"
	"jobmgr/internal/rule"
	"jobmgr/internal/status"
	"jobmgr/internal/trigger"
	"jobmgr/pkg/logx"
)

var errWorkloadFailed = errors.New("workload configured to fail")

const workloadSteps = 10

type workloadEntry struct {
	cfg   config.JobConfig
	job   *jobs.Job
	delay time.Duration
}

// workload turns the configured jobs and groups into jobs on the manager.
// Entries with a schedule are driven by triggers; the rest run once.
type workload struct {
	m    *jobs.Manager
	trig *trigger.Service
	log  logx.Logger

	mu      sync.Mutex
	groups  map[string]*jobs.Group
	gcfg    map[string]config.GroupConfig
	entries map[string]*workloadEntry
	pending []*workloadEntry
}

func newWorkload(m *jobs.Manager, trig *trigger.Service, log logx.Logger) *workload {
	return &workload{
		m:       m,
		trig:    trig,
		log:     log.With(logx.String("comp", "workload")),
		groups:  map[string]*jobs.Group{},
		gcfg:    map[string]config.GroupConfig{},
		entries: map[string]*workloadEntry{},
	}
}

// apply reconciles the workload with cfg. Unchanged entries keep their job;
// changed or removed entries are canceled and unregistered. One-shot jobs
// are queued in pending until flush.
func (w *workload) apply(cfg *config.Config) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	seeds := map[string]int{}
	for _, jc := range cfg.Workload {
		if jc.Group != "" {
			seeds[jc.Group]++
		}
	}
	for _, gc := range cfg.Groups {
		name := strings.TrimSpace(gc.Name)
		if old, ok := w.gcfg[name]; ok {
			if !reflect.DeepEqual(old, gc) {
				w.log.Warn("group settings changed; restart required", logx.String("group", name))
			}
			continue
		}
		seed := gc.Seed
		if seed <= 0 {
			seed = max(seeds[name], 1)
		}
		var opts []jobs.GroupOption
		if !gc.CancelsOnError() {
			opts = append(opts, jobs.WithCancelPolicy(jobs.NeverCancel))
		}
		w.groups[name] = w.m.NewGroup(name, gc.Throttle, seed, opts...)
		w.gcfg[name] = gc
	}

	var errs []error
	seen := map[string]bool{}
	for _, jc := range cfg.Workload {
		name := strings.TrimSpace(jc.Name)
		seen[name] = true
		if old, ok := w.entries[name]; ok {
			if reflect.DeepEqual(old.cfg, jc) {
				continue
			}
			w.retireLocked(old)
		}
		e, err := w.buildLocked(jc)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		w.entries[name] = e
		if s := strings.TrimSpace(jc.Schedule); s != "" {
			if err := w.trig.Add(name, s, e.job); err != nil {
				errs = append(errs, fmt.Errorf("workload %s: %w", name, err))
			}
			continue
		}
		w.pending = append(w.pending, e)
	}
	for name, e := range w.entries {
		if !seen[name] {
			w.retireLocked(e)
			delete(w.entries, name)
		}
	}
	return errors.Join(errs...)
}

func (w *workload) retireLocked(e *workloadEntry) {
	w.trig.Remove(e.cfg.Name)
	e.job.Cancel()
	w.log.Debug("workload.retired", logx.String("job", e.cfg.Name))
}

func (w *workload) buildLocked(jc config.JobConfig) (*workloadEntry, error) {
	d, err := config.ParseDurationField("workload.duration", jc.Duration)
	if err != nil {
		return nil, err
	}
	delay, err := config.ParseDurationField("workload.delay", jc.Delay)
	if err != nil {
		return nil, err
	}
	j := w.m.NewJob(jc.Name, workloadBody(jc, d))
	j.SetFamily(jc.Family)
	p, _ := jobs.ParsePriority(strings.TrimSpace(jc.Priority))
	j.SetPriority(p)
	if r := strings.TrimSpace(jc.Rule); r != "" {
		if err := j.SetRule(rule.NewPath(r)); err != nil {
			return nil, fmt.Errorf("workload %s: %w", jc.Name, err)
		}
	}
	if jc.Group != "" {
		g, ok := w.groups[jc.Group]
		if !ok {
			return nil, fmt.Errorf("workload %s: unknown group %q", jc.Name, jc.Group)
		}
		if err := j.SetGroup(g); err != nil {
			return nil, fmt.Errorf("workload %s: %w", jc.Name, err)
		}
	}
	return &workloadEntry{cfg: jc, job: j, delay: delay}, nil
}

// flush schedules the one-shot jobs queued by apply.
func (w *workload) flush() {
	w.mu.Lock()
	pending := w.pending
	w.pending = nil
	w.mu.Unlock()
	for _, e := range pending {
		if err := e.job.Schedule(e.delay); err != nil {
			w.log.Warn("workload.schedule.failed", logx.String("job", e.cfg.Name), logx.Err(err))
		}
	}
}

func (w *workload) all() []*jobs.Job {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*jobs.Job, 0, len(w.entries))
	for _, e := range w.entries {
		out = append(out, e.job)
	}
	return out
}

func (w *workload) group(name string) *jobs.Group {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.groups[name]
}

// workloadBody sleeps for d in steps, reporting progress and stopping early
// on cancellation.
func workloadBody(jc config.JobConfig, d time.Duration) jobs.Func {
	return func(ctx context.Context, mon progress.Monitor) *status.Status {
		mon.Begin(jc.Name, workloadSteps)
		step := d / workloadSteps
		for i := 0; i < workloadSteps; i++ {
			if mon.IsCanceled() {
				return status.Cancel
			}
			if step > 0 {
				select {
				case <-ctx.Done():
					return status.Cancel
				case <-time.After(step):
				}
			}
			mon.Worked(1)
		}
		if jc.Fail {
			return status.Error(jc.Name+" failed", errWorkloadFailed)
		}
		return status.OK
	}
}
