package config

// Config is the jobsd configuration. Unknown keys are rejected.
type Config struct {
	Logging LoggingConfig  `json:"logging"`
	Engine  EngineConfig   `json:"engine"`
	Storage *StorageConfig `json:"storage,omitempty"`
	Debug   DebugConfig    `json:"debug"`

	// Groups declares job groups that workload entries can join.
	Groups []GroupConfig `json:"groups,omitempty"`
	// Workload declares the jobs jobsd runs.
	Workload []JobConfig `json:"workload,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// EngineConfig controls the job manager.
//
// All durations are Go duration strings (e.g. "50ms", "1s").
//
// Defaults (when fields are omitted/zero):
//   - workers: max(4, NumCPU)
//   - history_size: 200
//   - poll_interval: "100ms"
//   - lock_poll_interval: "50ms"
//   - max_workers: 4 * workers
//   - idle_worker_timeout: "10s"
//   - timezone: local time
type EngineConfig struct {
	Workers          int    `json:"workers,omitempty"`
	HistorySize      int    `json:"history_size,omitempty"`
	PollInterval     string `json:"poll_interval,omitempty"`
	LockPollInterval string `json:"lock_poll_interval,omitempty"`

	// MaxWorkers bounds the workers added for job bodies blocked in a join
	// or a rule. Set it to workers to keep the pool fixed.
	MaxWorkers        int    `json:"max_workers,omitempty"`
	IdleWorkerTimeout string `json:"idle_worker_timeout,omitempty"`

	// Timezone applies to cron schedules.
	Timezone string `json:"timezone,omitempty"`
}

// StorageConfig controls the run-history store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./jobsd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// DebugConfig controls the diagnostics HTTP server (snapshots and pprof).
// Non-loopback addresses require a token unless allow_insecure is set.
type DebugConfig struct {
	Enabled              bool   `json:"enabled"`
	Addr                 string `json:"addr,omitempty"`
	Token                string `json:"token,omitempty"`
	AllowInsecure        bool   `json:"allow_insecure,omitempty"`
	MutexProfileFraction int    `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int    `json:"block_profile_rate,omitempty"`
}

// GroupConfig declares a job group. Seed defaults to the number of workload
// entries that name the group.
type GroupConfig struct {
	Name     string `json:"name"`
	Throttle int    `json:"throttle,omitempty"`
	Seed     int    `json:"seed,omitempty"`

	// CancelOnError cancels the remaining members after a failure.
	// Defaults to true.
	CancelOnError *bool `json:"cancel_on_error,omitempty"`
}

// JobConfig describes one workload job. The body sleeps for Duration while
// polling for cancellation and then reports OK, or ERROR when Fail is set.
type JobConfig struct {
	Name     string `json:"name"`
	Family   string `json:"family,omitempty"`
	Rule     string `json:"rule,omitempty"` // path rule, e.g. "/data/reports"
	Priority string `json:"priority,omitempty"`
	Group    string `json:"group,omitempty"`
	Delay    string `json:"delay,omitempty"`
	Duration string `json:"duration,omitempty"`
	Fail     bool   `json:"fail,omitempty"`

	// Schedule repeats the job: a cron expression ("*/5 * * * *"), a
	// descriptor ("@hourly") or an interval ("every 30s"). Empty runs once.
	Schedule string `json:"schedule,omitempty"`
}

func (g GroupConfig) CancelsOnError() bool {
	return g.CancelOnError == nil || *g.CancelOnError
}
