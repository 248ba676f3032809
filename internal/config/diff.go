package config

import (
	"reflect"
	"strings"

	"jobmgr/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and a few structured
// fields describing the new values, for the reload log line.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Engine != newCfg.Engine {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Int("engine.workers", newCfg.Engine.Workers),
			logx.Int("engine.max_workers", newCfg.Engine.MaxWorkers),
			logx.Int("engine.history_size", newCfg.Engine.HistorySize),
			logx.String("engine.timezone", strings.TrimSpace(newCfg.Engine.Timezone)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		if newCfg.Storage != nil {
			attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
		}
	}

	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", newCfg.Debug.Addr),
			logx.Bool("debug.token_set", newCfg.Debug.Token != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Groups, newCfg.Groups) {
		changed = append(changed, "groups")
		attrs = append(attrs, logx.Int("groups.count", len(newCfg.Groups)))
	}

	if !reflect.DeepEqual(oldCfg.Workload, newCfg.Workload) {
		changed = append(changed, "workload")
		attrs = append(attrs, logx.Int("workload.count", len(newCfg.Workload)))
	}
	return changed, attrs
}

// RequiresRestart reports whether the change touches settings that only
// take effect at startup.
func RequiresRestart(oldCfg, newCfg *Config) bool {
	if oldCfg == nil || newCfg == nil {
		return false
	}
	return oldCfg.Engine.Workers != newCfg.Engine.Workers ||
		oldCfg.Engine.MaxWorkers != newCfg.Engine.MaxWorkers ||
		oldCfg.Engine.IdleWorkerTimeout != newCfg.Engine.IdleWorkerTimeout ||
		oldCfg.Engine.HistorySize != newCfg.Engine.HistorySize ||
		!reflect.DeepEqual(oldCfg.Storage, newCfg.Storage)
}
