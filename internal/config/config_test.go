package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestParseYAMLKeepsDefaults(t *testing.T) {
	t.Setenv("PIPESCHED_TEST_DB", "/var/lib/pipesched/jobs.db")
	path := filepath.Join(t.TempDir(), "pipesched.yaml")
	writeFile(t, path, `
storage:
  path: ${PIPESCHED_TEST_DB}
scheduler:
  enabled: true
  timezone: UTC
runner:
  command: ["python3", "engine.py"]
  timeout: 90m
`)
	cfg, err := NewManager(path).Parse()
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/pipesched/jobs.db", cfg.Storage.Path)
	assert.Equal(t, []string{"python3", "engine.py"}, cfg.Runner.Command)
	assert.Equal(t, "info", cfg.Logging.Level, "untouched sections keep defaults")
	assert.Equal(t, 3, cfg.Retry.MaxRetries)

	r, err := cfg.Resolve()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, r.RunTimeout)
	assert.Equal(t, time.UTC, r.Timezone)
	assert.Equal(t, time.Second, r.Tick)
	assert.Equal(t, 5*time.Second, r.BusyTimeout)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	yml := filepath.Join(dir, "c.yml")
	writeFile(t, yml, "scheduler:\n  workers: 4\n")
	_, err := NewManager(yml).Parse()
	assert.Error(t, err)

	js := filepath.Join(dir, "c.json")
	writeFile(t, js, `{"logging":{"level":"debug"}} {"again":true}`)
	_, err = NewManager(js).Parse()
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := m.Load(false)
	assert.ErrorIs(t, err, os.ErrNotExist)

	cfg, err := m.Load(true)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Same(t, cfg, m.Get())
}

func TestResolveReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Scheduler.Tick = "soon"
	cfg.Scheduler.Timezone = "Mars/Olympus"
	cfg.Storage.Path = ""
	cfg.Retry.MaxRetries = -1
	cfg.Metrics.Path = "metrics"

	_, err := cfg.Resolve()
	require.Error(t, err)
	for _, want := range []string{"scheduler.tick", "scheduler.timezone", "storage.path", "retry.max_retries", "metrics.path"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestParseDurationField(t *testing.T) {
	d, err := ParseDurationField("x", "")
	require.NoError(t, err)
	assert.Zero(t, d)

	_, err = ParseDurationField("x", "-1s")
	assert.Error(t, err)

	d, err = ParseDurationOrDefault("x", "0s", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	writeFile(t, path, "logging:\n  level: info\n")
	m := NewManager(path)
	_, err := m.Load(false)
	require.NoError(t, err)
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)
	ctx := context.Background()

	published, err := m.Reload(ctx)
	require.NoError(t, err)
	assert.False(t, published)

	writeFile(t, path, "logging:\n  level: debug\n")
	published, err = m.Reload(ctx)
	require.NoError(t, err)
	assert.True(t, published)
	assert.Equal(t, "debug", (<-ch).Logging.Level)

	m.SetValidator(func(context.Context, *Config) error { return assert.AnError })
	writeFile(t, path, "logging:\n  level: warn\n")
	_, err = m.Reload(ctx)
	assert.Error(t, err)
	assert.Equal(t, "debug", m.Get().Logging.Level)
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	writeFile(t, path, "logging:\n  level: info\n")
	m := NewManager(path)
	_, err := m.Load(false)
	require.NoError(t, err)
	ch := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// The watcher may not be registered yet; rewrite until a reload lands.
	var got *Config
	for attempt := 0; attempt < 10 && got == nil; attempt++ {
		writeFile(t, path, "logging:\n  level: error\n")
		select {
		case got = <-ch:
		case <-time.After(time.Second):
		}
	}
	require.NotNil(t, got)
	assert.Equal(t, "error", got.Logging.Level)
}

func TestSummarizeConfigChange(t *testing.T) {
	a := Default()
	b := Default()
	b.Logging.Level = "debug"
	b.Scheduler.Timezone = "UTC"
	b.Runner.Env = []string{"SECRET=hunter2"}
	b.Storage.Path = "/srv/jobs.db"

	changed, attrs, restart := SummarizeConfigChange(a, b)
	assert.Equal(t, []string{"logging", "runner", "scheduler", "storage"}, changed)
	assert.Equal(t, []string{"runner", "storage"}, restart)
	assert.NotEmpty(t, attrs)

	changed, _, restart = SummarizeConfigChange(a, Default())
	assert.Empty(t, changed)
	assert.Empty(t, restart)
}
