package jobs

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"jobmgr/internal/progress"
	"jobmgr/internal/status"
)

// Func is a job body. It should poll mon.IsCanceled or watch ctx and return
// status.Cancel when asked to stop. Returning status.AsyncFinish hands
// completion to a later Job.Done call.
type Func func(ctx context.Context, mon progress.Monitor) *status.Status

// State is the externally visible job state.
type State int

const (
	StateNone State = iota
	StateSleeping
	StateWaiting
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateSleeping:
		return "sleeping"
	case StateWaiting:
		return "waiting"
	case StateRunning:
		return "running"
	default:
		return "none"
	}
}

// internal states add the window between dispatch and the body starting.
type jobState int

const (
	stNone jobState = iota
	stSleeping
	stWaiting
	stAboutToRun
	stRunning
)

func (s jobState) public() State {
	switch s {
	case stSleeping:
		return StateSleeping
	case stWaiting:
		return StateWaiting
	case stAboutToRun, stRunning:
		return StateRunning
	default:
		return StateNone
	}
}

// Priority orders the wait queue. Lower values run first.
type Priority int

const (
	PriorityInteractive Priority = 10
	PriorityShort       Priority = 20
	PriorityLong        Priority = 30
	PriorityBuild       Priority = 40
	PriorityDecorate    Priority = 50
)

func (p Priority) String() string {
	switch p {
	case PriorityInteractive:
		return "interactive"
	case PriorityShort:
		return "short"
	case PriorityLong:
		return "long"
	case PriorityBuild:
		return "build"
	case PriorityDecorate:
		return "decorate"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority maps a config name onto a Priority. Unknown names yield
// PriorityLong and false.
func ParsePriority(s string) (Priority, bool) {
	switch s {
	case "interactive":
		return PriorityInteractive, true
	case "short":
		return PriorityShort, true
	case "", "long":
		return PriorityLong, true
	case "build":
		return PriorityBuild, true
	case "decorate":
		return PriorityDecorate, true
	default:
		return PriorityLong, false
	}
}

// EventType names a lifecycle notification.
type EventType int

const (
	EventScheduled EventType = iota
	EventAboutToRun
	EventRunning
	EventSleeping
	EventAwake
	EventDone
)

func (t EventType) String() string {
	switch t {
	case EventScheduled:
		return "scheduled"
	case EventAboutToRun:
		return "about_to_run"
	case EventRunning:
		return "running"
	case EventSleeping:
		return "sleeping"
	case EventAwake:
		return "awake"
	case EventDone:
		return "done"
	default:
		return "unknown"
	}
}

// Event is delivered to listeners. Delay is -1 except for scheduled events.
// Result is set for done events only; GroupResult only on the done event
// that completes the job's group.
type Event struct {
	Type        EventType
	Job         *Job
	Time        time.Time
	Delay       time.Duration
	Result      *status.Status
	GroupResult *status.Status
	Reschedule  bool
}

// Config holds the manager settings.
type Config struct {
	// Workers is the number of goroutines running job bodies.
	Workers int
	// HistorySize bounds the completed-run ring kept for snapshots.
	HistorySize int
	// PollInterval is how often joins re-check their monitor.
	PollInterval time.Duration
	// LockPollInterval is how often blocked rule and lock waiters re-check
	// their monitor and the wait-for graph.
	LockPollInterval time.Duration
	// MaxWorkers caps the pool while workers are added for job bodies that
	// block in a join or a rule or lock acquisition. A value below Workers
	// turns growth off.
	MaxWorkers int
	// IdleWorkerTimeout retires an added worker that found nothing to run.
	IdleWorkerTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = max(4, runtime.NumCPU())
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.LockPollInterval <= 0 {
		c.LockPollInterval = 50 * time.Millisecond
	}
	if c.MaxWorkers == 0 {
		c.MaxWorkers = 4 * c.Workers
	}
	c.MaxWorkers = max(c.MaxWorkers, c.Workers)
	if c.IdleWorkerTimeout <= 0 {
		c.IdleWorkerTimeout = 10 * time.Second
	}
	return c
}

// ProgressProvider hands a monitor to each dispatched job. group and ticks
// come from Job.SetProgressGroup and are zero when unset.
type ProgressProvider interface {
	CreateMonitor(j *Job, group progress.Monitor, ticks int) progress.Monitor
}

// ProgressProviderFunc adapts a function to ProgressProvider.
type ProgressProviderFunc func(j *Job, group progress.Monitor, ticks int) progress.Monitor

func (f ProgressProviderFunc) CreateMonitor(j *Job, group progress.Monitor, ticks int) progress.Monitor {
	return f(j, group, ticks)
}

type nullProvider struct{}

func (nullProvider) CreateMonitor(*Job, progress.Monitor, int) progress.Monitor {
	return progress.NewNull()
}
