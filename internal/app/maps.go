package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"jobmgr/internal/config"
	"jobmgr/internal/jobs"
	"jobmgr/internal/observability/debug"
	"jobmgr/internal/rule"
	"jobmgr/internal/storage"
	"jobmgr/internal/trigger"
	"jobmgr/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapEngineConfig(cfg *config.Config) (jobs.Config, error) {
	poll, err := config.ParseDurationField("engine.poll_interval", cfg.Engine.PollInterval)
	if err != nil {
		return jobs.Config{}, err
	}
	lockPoll, err := config.ParseDurationField("engine.lock_poll_interval", cfg.Engine.LockPollInterval)
	if err != nil {
		return jobs.Config{}, err
	}
	idle, err := config.ParseDurationField("engine.idle_worker_timeout", cfg.Engine.IdleWorkerTimeout)
	if err != nil {
		return jobs.Config{}, err
	}
	// Zero values fall back to the manager defaults.
	return jobs.Config{
		Workers:           cfg.Engine.Workers,
		HistorySize:       cfg.Engine.HistorySize,
		PollInterval:      poll,
		LockPollInterval:  lockPoll,
		MaxWorkers:        cfg.Engine.MaxWorkers,
		IdleWorkerTimeout: idle,
	}, nil
}

func mapDebugConfig(cfg *config.Config) debug.Config {
	d := cfg.Debug
	return debug.Config{
		Enabled:              d.Enabled,
		Addr:                 strings.TrimSpace(d.Addr),
		Token:                strings.TrimSpace(d.Token),
		AllowInsecure:        d.AllowInsecure,
		MutexProfileFraction: d.MutexProfileFraction,
		BlockProfileRate:     d.BlockProfileRate,
	}
}

func mapTriggerConfig(cfg *config.Config) trigger.Config {
	return trigger.Config{Timezone: strings.TrimSpace(cfg.Engine.Timezone), Spread: true}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// validate covers what config.Validate leaves to the components: schedules,
// priorities, rule paths and the timezone.
func validate(cfg *config.Config) error {
	var errs []error
	if tz := strings.TrimSpace(cfg.Engine.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("engine.timezone: invalid %q: %w", tz, err))
		}
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	for i, j := range cfg.Workload {
		if _, ok := jobs.ParsePriority(strings.TrimSpace(j.Priority)); !ok {
			errs = append(errs, fmt.Errorf("workload[%d].priority: unknown %q", i, j.Priority))
		}
		if r := strings.TrimSpace(j.Rule); r != "" {
			if err := rule.Validate(rule.NewPath(r)); err != nil {
				errs = append(errs, fmt.Errorf("workload[%d].rule: %w", i, err))
			}
		}
		if s := strings.TrimSpace(j.Schedule); s != "" {
			if _, err := trigger.ParseSchedule(s); err != nil {
				errs = append(errs, fmt.Errorf("workload[%d].schedule: %w", i, err))
			}
		}
	}
	return errors.Join(errs...)
}
