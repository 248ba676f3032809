package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"jobmgr/internal/eventbus"
	"jobmgr/internal/jobs"
	"jobmgr/pkg/logx"
)

// Recorder appends a RunRecord for every job.done event on the bus.
type Recorder struct {
	store    Store
	bus      eventbus.Bus
	log      logx.Logger
	throttle *logx.Throttle
	timeout  time.Duration

	mu    sync.Mutex
	ch    <-chan eventbus.Event
	unsub func()

	written atomic.Uint64
	failed  atomic.Uint64
}

func NewRecorder(store Store, bus eventbus.Bus, log logx.Logger) *Recorder {
	return &Recorder{
		store:    store,
		bus:      bus,
		log:      log.With(logx.String("comp", "recorder")),
		throttle: logx.NewThrottle(10*time.Second, 3),
		timeout:  2 * time.Second,
	}
}

// Attach subscribes to the bus. Run attaches on its own; call Attach first
// when events published before Run starts must not be missed.
func (r *Recorder) Attach() error {
	if r.store == nil || r.bus == nil {
		return ErrDisabled
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ch == nil {
		r.ch, r.unsub = r.bus.Subscribe(256, "job."+jobs.EventDone.String())
	}
	return nil
}

// Run consumes events until ctx ends.
func (r *Recorder) Run(ctx context.Context) error {
	if err := r.Attach(); err != nil {
		return err
	}
	r.mu.Lock()
	ch, unsub := r.ch, r.unsub
	r.mu.Unlock()
	defer func() {
		unsub()
		r.mu.Lock()
		r.ch, r.unsub = nil, nil
		r.mu.Unlock()
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			r.record(ctx, e)
		}
	}
}

func (r *Recorder) record(ctx context.Context, e eventbus.Event) {
	ev, ok := e.Data.(jobs.JobEvent)
	if !ok {
		return
	}
	rec := RecordFromEvent(ev, e.Time)
	wctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.store.AppendRun(wctx, rec); err != nil {
		r.failed.Add(1)
		r.throttle.Warn(r.log, "append", "storage.append.failed", logx.String("job", ev.Name), logx.Err(err))
		return
	}
	r.written.Add(1)
}

// RecordFromEvent converts a done event into a RunRecord with a fresh ID.
func RecordFromEvent(ev jobs.JobEvent, at time.Time) RunRecord {
	rec := RunRecord{
		ID:          uuid.NewString(),
		JobID:       ev.ID,
		Name:        ev.Name,
		Family:      ev.Family,
		Group:       ev.Group,
		Severity:    ev.Severity,
		Message:     ev.Message,
		GroupResult: ev.GroupResult,
		Reschedule:  ev.Reschedule,
		StartedAt:   ev.Started,
		EndedAt:     at,
		TookMS:      ev.Duration.Milliseconds(),
	}
	if rec.EndedAt.IsZero() {
		rec.EndedAt = time.Now()
	}
	return rec
}

// Stats reports how many records were written and how many failed.
func (r *Recorder) Stats() (written, failed uint64) {
	return r.written.Load(), r.failed.Load()
}
