// Package trigger schedules jobs from cron expressions and fixed intervals.
// A trigger only calls Job.Schedule; execution, rules and groups stay with
// the jobs manager.
package trigger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"jobmgr/internal/jobs"
	"jobmgr/pkg/logx"
)

type Config struct {
	// Timezone is an IANA name; empty means the local zone.
	Timezone string
	// Spread delays the first firing of interval triggers by a random jitter.
	Spread bool
}

// Info describes one registered trigger.
type Info struct {
	Name    string    `json:"name"`
	Spec    string    `json:"spec"`
	Job     string    `json:"job"`
	Next    time.Time `json:"next,omitempty"`
	Prev    time.Time `json:"prev,omitempty"`
	Fired   uint64    `json:"fired"`
	Skipped uint64    `json:"skipped"`
}

type entry struct {
	name string
	raw  string
	spec Spec
	job  *jobs.Job
	id   cron.EntryID

	fired   atomic.Uint64
	skipped atomic.Uint64
}

type Service struct {
	log      logx.Logger
	throttle *logx.Throttle
	parser   cron.Parser

	mu   sync.Mutex
	cfg  Config
	c    *cron.Cron
	loc  *time.Location
	defs map[string]*entry
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg,
		log:      log.With(logx.String("comp", "trigger")),
		throttle: logx.NewThrottle(30*time.Second, 1),
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:   map[string]*entry{},
	}
}

// Apply swaps the config. A timezone change re-registers every trigger.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.c != nil && oldTZ != strings.TrimSpace(cfg.Timezone) {
		s.restartLocked()
	}
}

// Add registers (or replaces) the trigger name, scheduling job each time
// raw fires. A firing while job is still waiting, sleeping or running is
// skipped.
func (s *Service) Add(name, raw string, job *jobs.Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("trigger name required")
	}
	if job == nil {
		return jobs.ErrNilJob
	}
	spec, err := ParseSchedule(raw)
	if err != nil {
		return err
	}
	if spec.Kind == KindCron {
		if _, err := s.parser.Parse(spec.Cron); err != nil {
			return fmt.Errorf("invalid cron %q: %w", spec.Cron, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.defs[name]; ok && s.c != nil {
		s.c.Remove(old.id)
	}
	e := &entry{name: name, raw: raw, spec: spec, job: job}
	s.defs[name] = e
	if s.c != nil {
		return s.addCronLocked(e)
	}
	return nil
}

// Remove drops the trigger. Jobs it already scheduled are not affected.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.defs[name]
	if !ok {
		return false
	}
	if s.c != nil {
		s.c.Remove(e.id)
	}
	delete(s.defs, name)
	return true
}

// Names lists registered trigger names in order.
func (s *Service) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.defs))
	for n := range s.defs {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (s *Service) Start(ctx context.Context) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, e := range s.defs {
		_ = s.addCronLocked(e)
	}
	s.c.Start()
	s.log.Info("trigger.started", logx.String("tz", s.loc.String()), logx.Int("triggers", len(s.defs)))
}

// Stop halts firing and waits for in-flight callbacks until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("trigger.stopped")
}

func (s *Service) Snapshot() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.defs))
	for _, e := range s.defs {
		info := Info{
			Name:    e.name,
			Spec:    e.spec.String(),
			Job:     e.job.Name(),
			Fired:   e.fired.Load(),
			Skipped: e.skipped.Load(),
		}
		if s.c != nil && e.id != 0 {
			ce := s.c.Entry(e.id)
			info.Next, info.Prev = ce.Next, ce.Prev
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

func (s *Service) addCronLocked(e *entry) error {
	fire := cron.FuncJob(func() { s.fire(e) })
	switch e.spec.Kind {
	case KindInterval:
		sched, jitter := intervalSchedule(e.spec.Every, time.Now(), s.cfg.Spread)
		e.id = s.c.Schedule(sched, fire)
		if jitter > 0 {
			s.log.Debug("trigger.spread", logx.String("trigger", e.name), logx.Duration("jitter", jitter))
		}
		return nil
	default:
		id, err := s.c.AddJob(e.spec.Cron, fire)
		if err != nil {
			s.log.Warn("trigger.add.failed", logx.String("trigger", e.name), logx.Err(err))
			return err
		}
		e.id = id
		return nil
	}
}

func (s *Service) restartLocked() {
	old := s.c
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, e := range s.defs {
		_ = s.addCronLocked(e)
	}
	s.c.Start()
	if old != nil {
		old.Stop()
	}
	s.log.Info("trigger.restarted", logx.String("tz", s.loc.String()))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("trigger.timezone.invalid", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) fire(e *entry) {
	if st := e.job.State(); st != jobs.StateNone {
		e.skipped.Add(1)
		s.log.Debug("trigger.skipped", logx.String("trigger", e.name), logx.String("state", st.String()))
		return
	}
	if err := e.job.Schedule(0); err != nil {
		s.throttle.Warn(s.log, "schedule:"+e.name, "trigger.schedule.failed",
			logx.String("trigger", e.name), logx.Err(err))
		return
	}
	e.fired.Add(1)
}
