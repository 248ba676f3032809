package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a non-negative Go duration; empty means zero.
// path names the field in errors.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Validate checks references and durations. Schedules and priorities are
// checked by the components that interpret them.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.Engine.Workers < 0 {
		add(errors.New("engine.workers: must be >= 0"))
	}
	_, err := ParseDurationField("engine.poll_interval", cfg.Engine.PollInterval)
	add(err)
	_, err = ParseDurationField("engine.lock_poll_interval", cfg.Engine.LockPollInterval)
	add(err)
	if cfg.Engine.MaxWorkers < 0 {
		add(errors.New("engine.max_workers: must be >= 0"))
	}
	_, err = ParseDurationField("engine.idle_worker_timeout", cfg.Engine.IdleWorkerTimeout)
	add(err)
	if s := cfg.Storage; s != nil {
		_, err = ParseDurationField("storage.busy_timeout", s.BusyTimeout)
		add(err)
	}

	groups := map[string]bool{}
	for i, g := range cfg.Groups {
		name := strings.TrimSpace(g.Name)
		switch {
		case name == "":
			add(fmt.Errorf("groups[%d].name: required", i))
		case groups[name]:
			add(fmt.Errorf("groups[%d].name: duplicate %q", i, name))
		}
		if g.Throttle < 0 || g.Seed < 0 {
			add(fmt.Errorf("groups[%d]: throttle and seed must be >= 0", i))
		}
		groups[name] = true
	}

	jobs := map[string]bool{}
	for i, j := range cfg.Workload {
		name := strings.TrimSpace(j.Name)
		switch {
		case name == "":
			add(fmt.Errorf("workload[%d].name: required", i))
		case jobs[name]:
			add(fmt.Errorf("workload[%d].name: duplicate %q", i, name))
		}
		jobs[name] = true
		if j.Group != "" && !groups[j.Group] {
			add(fmt.Errorf("workload[%d].group: unknown group %q", i, j.Group))
		}
		if j.Group != "" && j.Schedule != "" {
			add(fmt.Errorf("workload[%d]: grouped jobs cannot have a schedule", i))
		}
		_, err = ParseDurationField(fmt.Sprintf("workload[%d].delay", i), j.Delay)
		add(err)
		_, err = ParseDurationField(fmt.Sprintf("workload[%d].duration", i), j.Duration)
		add(err)
	}
	return errors.Join(errs...)
}
