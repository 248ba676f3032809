package jobs

import (
	"context"
	"fmt"
	"sort"
	"time"

	"jobmgr/internal/progress"
)

// Find returns the waiting, sleeping and running jobs of family, oldest job
// first. An empty family matches every job.
func (m *Manager) Find(family string) []*Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findLocked(family)
}

func (m *Manager) findLocked(family string) []*Job {
	var out []*Job
	for j := range m.scheduled {
		if j.belongsTo(family) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].id < out[k].id })
	return out
}

// CancelFamily cancels every job of family.
func (m *Manager) CancelFamily(family string) {
	for _, j := range m.Find(family) {
		m.Cancel(j)
	}
}

// SleepFamily puts every waiting job of family to sleep.
func (m *Manager) SleepFamily(family string) {
	for _, j := range m.Find(family) {
		m.Sleep(j)
	}
}

// WakeUpFamily wakes every sleeping job of family after delay.
func (m *Manager) WakeUpFamily(family string, delay time.Duration) {
	for _, j := range m.Find(family) {
		m.WakeUp(j, delay)
	}
}

// JoinFamily waits until no job of family is scheduled, including jobs
// scheduled after the call. While suspended it returns once none of them is
// running.
func (m *Manager) JoinFamily(ctx context.Context, family string, mon progress.Monitor) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if cur := CurrentJob(ctx); cur != nil && cur.m == m && family != "" && cur.Family() == family {
		return ErrJoinSelf
	}
	tick := time.NewTicker(m.cfg.PollInterval)
	defer tick.Stop()
	var unpark func()
	defer func() {
		if unpark != nil {
			unpark()
		}
	}()
	for {
		m.mu.Lock()
		done := true
		for _, j := range m.findLocked(family) {
			if !m.suspended || j.state == stRunning || j.state == stAboutToRun {
				done = false
				break
			}
		}
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
		case <-tick.C:
			if progress.Canceled(mon) {
				return ErrCanceled
			}
		}
	}
}
