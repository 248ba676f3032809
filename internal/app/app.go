// Package app wires the job manager to its configuration, logging, run
// history and triggers.
package app

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"jobmgr/internal/config"
	"jobmgr/internal/eventbus"
	"jobmgr/internal/jobs"
	"jobmgr/internal/observability/debug"
	"jobmgr/internal/runtime/supervisor"
	"jobmgr/internal/storage"
	"jobmgr/internal/trigger"
	"jobmgr/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	stopOnce sync.Once

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	rec   *storage.Recorder

	mgr  *jobs.Manager
	trig *trigger.Service
	wl   *workload
	dbg  *debug.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var (
		store storage.Store
		rec   *storage.Recorder
	)
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, logSvc.Logger())
		if err != nil {
			return nil, err
		}
		store = st
		rec = storage.NewRecorder(store, bus, logSvc.Logger())
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	mgr := jobs.NewManager(engCfg, jobs.WithLogger(logSvc.Logger()), jobs.WithBus(bus))
	trig := trigger.New(mapTriggerConfig(cfg), logSvc.Logger())
	wl := newWorkload(mgr, trig, logSvc.Logger())
	if err := wl.apply(cfg); err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, err
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		rec:     rec,
		mgr:     mgr,
		trig:    trig,
		wl:      wl,
	}
	a.dbg = debug.New(mapDebugConfig(cfg), debug.Sources{
		Jobs:     func() any { return mgr.Snapshot() },
		Triggers: func() any { return trig.Snapshot() },
		Supervisor: func() any {
			if a.sup == nil {
				return nil
			}
			return a.sup.Snapshot()
		},
		Runs: func(ctx context.Context, job string, limit int) (any, error) {
			return a.Recent(ctx, job, limit)
		},
	}, logSvc.Logger())
	return a, nil
}

// DebugAddr reports the diagnostics server address, empty when disabled.
func (a *App) DebugAddr() string { return a.dbg.Addr() }

func (a *App) Manager() *jobs.Manager     { return a.mgr }
func (a *App) Triggers() *trigger.Service { return a.trig }

// Group returns the configured group called name, or nil.
func (a *App) Group(name string) *jobs.Group { return a.wl.group(name) }

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first error recorded by a supervised goroutine.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Recent returns stored runs, newest first. name filters by job name.
func (a *App) Recent(ctx context.Context, name string, limit int) ([]storage.RunRecord, error) {
	if a.store == nil {
		return nil, storage.ErrDisabled
	}
	return a.store.Recent(ctx, storage.Query{Name: name, Limit: limit})
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	a.cfgm.SetLogger(a.log)
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	if a.rec != nil {
		if err := a.rec.Attach(); err != nil {
			return err
		}
		a.sup.Go("storage.recorder", a.rec.Run)
	}

	if err := a.mgr.Start(a.sup.Context()); err != nil {
		return err
	}
	a.logLastRuns(ctx)
	a.wl.flush()
	a.trig.Start(a.sup.Context())
	a.dbg.Start(a.sup.Context())

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Int("jobs", len(a.wl.all())), logx.Int("triggers", len(a.trig.Names())))
	return nil
}

// applyConfig reapplies the settings that can change at runtime: logging,
// the trigger timezone, the debug server and the workload.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.logs.Apply(mapLogConfig(newCfg))
	a.trig.Apply(mapTriggerConfig(newCfg))
	a.dbg.Reconfigure(a.sup.Context(), mapDebugConfig(newCfg))

	if slices.Contains(sections, "workload") || slices.Contains(sections, "groups") {
		if err := a.wl.apply(newCfg); err != nil {
			a.log.Warn("workload reload incomplete", logx.Err(err))
		}
		a.wl.flush()
	}
	if config.RequiresRestart(oldCfg, newCfg) {
		a.log.Warn("engine or storage config changed; restart required for changes to take effect")
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) logLastRuns(ctx context.Context) {
	if a.store == nil {
		return
	}
	qctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	for _, j := range a.wl.all() {
		last, ok, err := a.store.LastRun(qctx, j.Name())
		if err != nil {
			a.log.Debug("last run lookup failed", logx.String("job", j.Name()), logx.Err(err))
			return
		}
		if ok {
			a.log.Info("previous run",
				logx.String("job", last.Name),
				logx.String("severity", last.Severity),
				logx.Time("ended", last.EndedAt))
		}
	}
}

// Stop shuts the app down once. Before Start it only releases the store and
// log outputs.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.stopOnce.Do(func() {
		if a.sup == nil {
			if a.store != nil {
				_ = a.store.Close()
			}
			_ = a.logs.Close()
			return
		}
		a.stop(ctx, reason)
	})
	return nil
}

func (a *App) stop(ctx context.Context, reason StopReason) {
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if limit > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok && time.Until(dl) < limit {
				limit = max(time.Until(dl), 0)
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("debug", time.Second, func(c context.Context) error { a.dbg.Stop(c); return nil })
	step("triggers", 2*time.Second, func(c context.Context) error { a.trig.Stop(c); return nil })
	step("jobs", 5*time.Second, a.mgr.Stop)
	step("supervisor", 2*time.Second, a.sup.Stop)
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
}
