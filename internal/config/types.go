package config

// Config is the on-disk configuration (JSON or YAML). Durations are Go
// duration strings ("1s", "30m") and are parsed by Resolve.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Retry     RetryConfig     `json:"retry"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Runner    RunnerConfig    `json:"runner"`
	Retention RetentionConfig `json:"retention"`
	HTTP      HTTPConfig      `json:"http"`
	Metrics   MetricsConfig   `json:"metrics"`
	Debug     DebugConfig     `json:"debug"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	// JSON writes raw JSON lines to the console instead of the pretty writer.
	JSON bool              `json:"json"`
	File LoggingFileConfig `json:"file"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout"`
}

type RetryConfig struct {
	MaxRetries int    `json:"max_retries"`
	BaseDelay  string `json:"base_delay"`
}

type SchedulerConfig struct {
	Enabled      bool   `json:"enabled"`
	Tick         string `json:"tick"`
	SyncInterval string `json:"sync_interval"`
	Timezone     string `json:"timezone"` // IANA TZ, e.g. "Europe/Amsterdam"
	HistoryLimit int    `json:"history_limit"`
}

type RunnerConfig struct {
	// Command is the report entry point, e.g. ["python3", "scripts/power_bi_engine.py"].
	Command        []string `json:"command"`
	Workdir        string   `json:"workdir"`
	Timeout        string   `json:"timeout"`
	MaxOutputBytes int      `json:"max_output_bytes"`
	AbortPoll      string   `json:"abort_poll"`
	Env            []string `json:"env"`
}

type RetentionConfig struct {
	MaxAge   string `json:"max_age"`
	Interval string `json:"interval"`
}

type HTTPConfig struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr"`
	ReadTimeout  string `json:"read_timeout"`
	WriteTimeout string `json:"write_timeout"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// DebugConfig controls the pprof server. A non-loopback Addr needs Token
// unless AllowInsecure is set.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr"`
	Token         string `json:"token"`
	AllowInsecure bool   `json:"allow_insecure"`
}

// Default is the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Storage: StorageConfig{Path: "pipesched.db", BusyTimeout: "5s"},
		Retry:   RetryConfig{MaxRetries: 3, BaseDelay: "1s"},
		Scheduler: SchedulerConfig{
			Enabled:      true,
			Tick:         "1s",
			SyncInterval: "30s",
			HistoryLimit: 10,
		},
		Runner: RunnerConfig{
			Command:        []string{"python3", "scripts/power_bi_engine.py"},
			Timeout:        "1h",
			MaxOutputBytes: 64 << 10,
			AbortPoll:      "1s",
		},
		Retention: RetentionConfig{Interval: "1h"},
		HTTP:      HTTPConfig{Enabled: true, Addr: "127.0.0.1:8080", ReadTimeout: "15s", WriteTimeout: "30s"},
		Metrics:   MetricsConfig{Enabled: true, Path: "/metrics"},
		Debug:     DebugConfig{Addr: "127.0.0.1:6060"},
	}
}
