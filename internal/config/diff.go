package config

import (
	"reflect"
	"sort"
	"strings"

	logx "pipesched/pkg/logx"
)

// Sections applied without a restart. runner.timeout is also applied live,
// the rest of the runner section is not. The scheduler warns on its own
// about loop settings that need a restart.
var liveSections = map[string]bool{
	"logging":   true,
	"retention": true,
	"scheduler": true,
	"debug":     true,
}

// SummarizeConfigChange lists the changed top-level sections, log fields
// describing the new values, and the subset of sections that need a restart.
// Environment entries are never logged, only counted.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	add := func(section string, fields ...logx.Field) {
		changed = append(changed, section)
		attrs = append(attrs, fields...)
		if !liveSections[section] {
			restart = append(restart, section)
		}
	}

	if oldCfg.Logging != newCfg.Logging {
		add("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.json", newCfg.Logging.JSON),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		add("storage",
			logx.String("storage.path", strings.TrimSpace(newCfg.Storage.Path)),
			logx.String("storage.busy_timeout", newCfg.Storage.BusyTimeout),
		)
	}
	if oldCfg.Retry != newCfg.Retry {
		add("retry",
			logx.Int("retry.max_retries", newCfg.Retry.MaxRetries),
			logx.String("retry.base_delay", newCfg.Retry.BaseDelay),
		)
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		add("scheduler",
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.tick", newCfg.Scheduler.Tick),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}
	if !reflect.DeepEqual(oldCfg.Runner, newCfg.Runner) {
		add("runner",
			logx.String("runner.command", strings.Join(newCfg.Runner.Command, " ")),
			logx.String("runner.timeout", newCfg.Runner.Timeout),
			logx.Int("runner.env_count", len(newCfg.Runner.Env)),
		)
	}
	if oldCfg.Retention != newCfg.Retention {
		add("retention",
			logx.String("retention.max_age", newCfg.Retention.MaxAge),
			logx.String("retention.interval", newCfg.Retention.Interval),
		)
	}
	if oldCfg.HTTP != newCfg.HTTP {
		add("http",
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTP.Addr),
		)
	}
	if oldCfg.Metrics != newCfg.Metrics {
		add("metrics",
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.path", newCfg.Metrics.Path),
		)
	}
	if oldCfg.Debug != newCfg.Debug {
		add("debug",
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", newCfg.Debug.Addr),
			logx.Bool("debug.token_set", newCfg.Debug.Token != ""),
		)
	}

	sort.Strings(changed)
	sort.Strings(restart)
	return changed, attrs, restart
}
