package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Resolved holds the parsed form of every duration and the defaults applied
// to zero values.
type Resolved struct {
	BusyTimeout time.Duration

	RetryMaxRetries int
	RetryBase       time.Duration

	Tick         time.Duration
	SyncInterval time.Duration
	Timezone     *time.Location

	RunTimeout time.Duration
	AbortPoll  time.Duration

	RetentionMaxAge   time.Duration
	RetentionInterval time.Duration

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
}

// Resolve validates cfg and parses its durations.
func (c *Config) Resolve() (Resolved, error) {
	var (
		r    Resolved
		errs []error
	)
	dur := func(dst *time.Duration, path, raw string, def time.Duration) {
		d, err := ParseDurationOrDefault(path, raw, def)
		if err != nil {
			errs = append(errs, err)
			return
		}
		*dst = d
	}

	dur(&r.BusyTimeout, "storage.busy_timeout", c.Storage.BusyTimeout, 5*time.Second)
	dur(&r.RetryBase, "retry.base_delay", c.Retry.BaseDelay, time.Second)
	dur(&r.Tick, "scheduler.tick", c.Scheduler.Tick, time.Second)
	dur(&r.SyncInterval, "scheduler.sync_interval", c.Scheduler.SyncInterval, 0)
	dur(&r.RunTimeout, "runner.timeout", c.Runner.Timeout, time.Hour)
	dur(&r.AbortPoll, "runner.abort_poll", c.Runner.AbortPoll, time.Second)
	dur(&r.RetentionMaxAge, "retention.max_age", c.Retention.MaxAge, 0)
	dur(&r.RetentionInterval, "retention.interval", c.Retention.Interval, time.Hour)
	dur(&r.HTTPReadTimeout, "http.read_timeout", c.HTTP.ReadTimeout, 15*time.Second)
	dur(&r.HTTPWriteTimeout, "http.write_timeout", c.HTTP.WriteTimeout, 30*time.Second)

	r.RetryMaxRetries = c.Retry.MaxRetries
	if r.RetryMaxRetries < 0 {
		errs = append(errs, errors.New("retry.max_retries must be >= 0"))
	}

	r.Timezone = time.Local
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			errs = append(errs, errors.Wrapf(err, "scheduler.timezone %q", tz))
		} else {
			r.Timezone = loc
		}
	}

	if strings.TrimSpace(c.Storage.Path) == "" {
		errs = append(errs, errors.New("storage.path is required"))
	}
	if c.HTTP.Enabled && strings.TrimSpace(c.HTTP.Addr) == "" {
		errs = append(errs, errors.New("http.addr is required when http is enabled"))
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, errors.Newf("metrics.path %q must start with /", c.Metrics.Path))
	}
	if c.Runner.MaxOutputBytes < 0 {
		errs = append(errs, errors.New("runner.max_output_bytes must be >= 0"))
	}

	if len(errs) > 0 {
		return Resolved{}, errors.Join(errs...)
	}
	return r, nil
}
