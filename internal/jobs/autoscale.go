package jobs

import (
	"context"
	"fmt"
	"time"

	"jobmgr/internal/lock"
	"jobmgr/pkg/logx"
)

// A job body that joins another job or waits for a rule keeps its worker.
// autoscale lends the pool one more worker for every such body, so up to
// cfg.Workers bodies keep running, and never grows it past cfg.MaxWorkers.
// An added worker retires after cfg.IdleWorkerTimeout without work.
func (m *Manager) autoscale(ctx context.Context) error {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		m.mu.Lock()
		var (
			j     *Job
			owner *lock.Owner
		)
		if m.shortLocked() {
			if j = m.nextJobLocked(time.Now()); j != nil {
				owner = j.owner
				m.workers++
				m.added++
			}
		}
		workers, blocked, seq := m.workers, m.blocked, m.added
		wakeAt, ok := m.sleeping.next()
		ok = ok && blocked > 0
		sig := m.sig
		m.mu.Unlock()

		if j != nil {
			m.log.Debug("jobs.worker.added",
				logx.String("job", j.name),
				logx.Int("workers", workers),
				logx.Int("blocked", blocked))
			m.sup.Go(fmt.Sprintf("jobs.worker.extra.%d", seq), func(c context.Context) error {
				return m.extraWorker(c, j, owner)
			})
			continue
		}

		// A sleeping job may come due while every worker is blocked.
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
		select {
		case <-ctx.Done():
			return nil
		case <-sig:
		case <-due:
		}
		if timer != nil && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
}

// shortLocked reports whether blocked bodies leave fewer than cfg.Workers
// workers able to pick up a job and there is room to add one.
func (m *Manager) shortLocked() bool {
	if m.stopped || m.idle > 0 || m.workers >= m.cfg.MaxWorkers {
		return false
	}
	return m.workers-m.blocked < m.cfg.Workers
}

// extraWorker runs j, then serves the queue like any worker until it idles
// out.
func (m *Manager) extraWorker(ctx context.Context, j *Job, owner *lock.Owner) error {
	defer m.retireWorker()
	for j != nil {
		m.startJob(ctx, j, owner)
		j, owner = m.next(ctx, m.cfg.IdleWorkerTimeout)
	}
	return nil
}

func (m *Manager) retireWorker() {
	m.mu.Lock()
	m.workers--
	workers := m.workers
	m.signalLocked()
	m.mu.Unlock()
	m.log.Debug("jobs.worker.retired", logx.Int("workers", workers))
}

// parkWorker counts the job body running with ctx as blocked until unpark
// is called. It does nothing outside a job of m.
func (m *Manager) parkWorker(ctx context.Context) (unpark func()) {
	if j := CurrentJob(ctx); j == nil || j.m != m {
		return func() {}
	}
	m.addBlocked(1)
	return func() { m.addBlocked(-1) }
}

// ownerBlocked is the lock manager's block hook. Only job owners hold a
// worker.
func (m *Manager) ownerBlocked(o *lock.Owner, blocked bool) {
	if o.Kind() != lock.KindJob {
		return
	}
	if blocked {
		m.addBlocked(1)
	} else {
		m.addBlocked(-1)
	}
}

func (m *Manager) addBlocked(n int) {
	m.mu.Lock()
	m.blocked += n
	m.signalLocked()
	m.mu.Unlock()
}
