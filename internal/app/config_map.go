package app

import (
	"strings"

	"pipesched/internal/config"
	"pipesched/internal/observability/pprof"
	"pipesched/internal/runner"
	"pipesched/internal/scheduler"
	"pipesched/internal/storage"
	logx "pipesched/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config, r config.Resolved) storage.Config {
	return storage.Config{
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: r.BusyTimeout,
		MaxRetries:  r.RetryMaxRetries,
		RetryBase:   r.RetryBase,
	}
}

func mapRunnerConfig(cfg *config.Config, r config.Resolved) runner.Config {
	return runner.Config{
		Command:        append([]string(nil), cfg.Runner.Command...),
		Dir:            cfg.Runner.Workdir,
		Env:            append([]string(nil), cfg.Runner.Env...),
		DefaultTimeout: r.RunTimeout,
		MaxOutputBytes: cfg.Runner.MaxOutputBytes,
		AbortPoll:      r.AbortPoll,
	}
}

func mapSchedulerConfig(cfg *config.Config, r config.Resolved) scheduler.Config {
	return scheduler.Config{
		Tick:              r.Tick,
		SyncInterval:      r.SyncInterval,
		Timezone:          strings.TrimSpace(cfg.Scheduler.Timezone),
		HistoryLimit:      cfg.Scheduler.HistoryLimit,
		RunTimeout:        r.RunTimeout,
		RetentionMaxAge:   r.RetentionMaxAge,
		RetentionInterval: r.RetentionInterval,
	}
}

func mapDebugConfig(cfg *config.Config) pprof.Config {
	return pprof.Config{
		Enabled:       cfg.Debug.Enabled,
		Addr:          cfg.Debug.Addr,
		Token:         cfg.Debug.Token,
		AllowInsecure: cfg.Debug.AllowInsecure,
	}
}
