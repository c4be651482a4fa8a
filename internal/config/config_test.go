package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentd/pkg/logx"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func noEnv(string) (string, bool) { return "", false }

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  max_concurrent_agents: 8
  agent_timeout: 45s
  dependency_failure: skip
health:
  interval: 10s
storage:
  driver: sqlite
triggers:
  run_all:
    schedule: "@every 5m"
plugins:
  echo:
    enabled: true
    config:
      greeting: hi
      repeat: 2
`

func TestParseYAMLAppliesDefaults(t *testing.T) {
	t.Parallel()

	p := writeFile(t, t.TempDir(), "agentd.yaml", sampleYAML)
	m := NewManager(p, WithLookupEnv(noEnv))
	cfg, err := m.Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 8, cfg.Scheduler.MaxConcurrentAgents)
	assert.Equal(t, 45*time.Second, cfg.Scheduler.AgentTimeoutDuration())
	assert.Equal(t, 10*time.Second, cfg.Scheduler.ShutdownTimeoutDuration())
	assert.Equal(t, "skip", cfg.Scheduler.DependencyFailure)
	assert.Equal(t, 10*time.Second, cfg.Health.IntervalDuration())
	assert.Equal(t, 5*time.Second, cfg.Health.TimeoutDuration())
	assert.Equal(t, time.Hour, cfg.Recovery.SeverityWindowDuration())
	assert.Equal(t, 720*time.Hour, cfg.Recovery.RetentionDuration())
	assert.Equal(t, 5, cfg.CircuitBreaker.FailureThreshold)
	assert.Equal(t, "./agentd_data/history.db", cfg.Storage.Path)
	assert.Equal(t, "parallel", cfg.Triggers.RunAll.Mode)

	assert.True(t, cfg.PluginEnabled("echo"))
	assert.False(t, cfg.PluginEnabled("system"))
	assert.JSONEq(t, `{"greeting":"hi","repeat":2}`, string(m.PluginConfig("echo")))
	assert.Nil(t, m.PluginConfig("missing"))
	assert.Same(t, cfg, m.Get())
}

func TestParseJSONStrict(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for name, body := range map[string]string{
		"unknown_top.json":    `{"logging":{"level":"info"},"telemetry":{}}`,
		"unknown_plugin.json": `{"plugins":{"echo":{"enabled":true,"timeout":"1s"}}}`,
		"trailing.json":       `{"logging":{"level":"info"}}{"logging":{}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewManager(writeFile(t, dir, name, body), WithLookupEnv(noEnv)).Parse()
			require.Error(t, err)
		})
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name string
		mut  func(c *Config)
		want string
	}{
		{"zero concurrency", func(c *Config) { c.Scheduler.MaxConcurrentAgents = -1 }, "scheduler.max_concurrent_agents"},
		{"bad duration", func(c *Config) { c.Health.Interval = "soon" }, "health.interval"},
		{"negative duration", func(c *Config) { c.Retry.BaseBackoff = "-1s" }, "retry.base_backoff"},
		{"policy", func(c *Config) { c.Scheduler.DependencyFailure = "abort" }, "scheduler.dependency_failure"},
		{"driver", func(c *Config) { c.Storage.Driver = "postgres" }, "storage.driver"},
		{"notifier token", func(c *Config) { c.Notifier.Enabled = true }, "notifier.telegram_token"},
		{"mode", func(c *Config) { c.Triggers.RunAll.Mode = "random" }, "triggers.run_all.mode"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := Default()
			tc.mut(c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
	require.NoError(t, Default().Validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Parallel()

	env := map[string]string{
		"AGENTD_LOG_LEVEL":             "warn",
		"AGENTD_MAX_CONCURRENT_AGENTS": "2",
		"AGENTD_AGENT_TIMEOUT":         "5s",
		"AGENTD_STORAGE_DRIVER":        "memory",
		"AGENTD_TELEGRAM_TOKEN":        "123:abc",
		"AGENTD_TELEGRAM_CHAT_ID":      "-1001",
		"AGENTD_HTTP_LISTEN":           "127.0.0.1:9999",
	}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	p := writeFile(t, t.TempDir(), "agentd.json", `{"logging":{"level":"debug"}}`)
	cfg, err := NewManager(p, WithLookupEnv(lookup)).Parse()
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 2, cfg.Scheduler.MaxConcurrentAgents)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.AgentTimeoutDuration())
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, "123:abc", cfg.Notifier.TelegramToken)
	assert.EqualValues(t, -1001, cfg.Notifier.ChatID)
	assert.True(t, cfg.HTTP.Enabled)
	assert.Equal(t, "127.0.0.1:9999", cfg.HTTP.Listen)

	env["AGENTD_MAX_CONCURRENT_AGENTS"] = "many"
	_, err = NewManager(p, WithLookupEnv(lookup)).Parse()
	require.ErrorContains(t, err, "AGENTD_MAX_CONCURRENT_AGENTS")
}

func TestLoadEnvIgnoresMissingFile(t *testing.T) {
	require.NoError(t, LoadEnv(filepath.Join(t.TempDir(), "absent.env")))

	p := writeFile(t, t.TempDir(), "test.env", "AGENTD_TEST_LOADENV=from-file\n")
	t.Setenv("AGENTD_TEST_LOADENV", "")
	os.Unsetenv("AGENTD_TEST_LOADENV")
	require.NoError(t, LoadEnv(p))
	assert.Equal(t, "from-file", os.Getenv("AGENTD_TEST_LOADENV"))
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := writeFile(t, dir, "agentd.json", `{"scheduler":{"max_concurrent_agents":2}}`)
	m := NewManager(p, WithLookupEnv(noEnv))
	_, err := m.Load()
	require.NoError(t, err)

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	require.NoError(t, m.Reload(context.Background()))
	select {
	case <-ch:
		t.Fatal("unchanged config was published")
	default:
	}

	writeFile(t, dir, "agentd.json", `{"scheduler":{"max_concurrent_agents":6}}`)
	require.NoError(t, m.Reload(context.Background()))
	select {
	case cfg := <-ch:
		assert.Equal(t, 6, cfg.Scheduler.MaxConcurrentAgents)
	default:
		t.Fatal("changed config was not published")
	}

	writeFile(t, dir, "agentd.json", `{"scheduler":{"max_concurrent_agents":0,"agent_timeout":"never"}}`)
	require.Error(t, m.Reload(context.Background()))
	assert.Equal(t, 6, m.Get().Scheduler.MaxConcurrentAgents)
}

func TestReloadHonoursValidator(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := writeFile(t, dir, "agentd.json", `{}`)
	m := NewManager(p, WithLookupEnv(noEnv), WithValidator(func(_ context.Context, c *Config) error {
		if c.Storage.Driver == "redis" {
			return assert.AnError
		}
		return nil
	}))
	_, err := m.Load()
	require.NoError(t, err)

	writeFile(t, dir, "agentd.json", `{"storage":{"driver":"redis"}}`)
	require.ErrorIs(t, m.Reload(context.Background()), assert.AnError)
	assert.Equal(t, "file", m.Get().Storage.Driver)
}

func TestWatchPicksUpEdits(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := writeFile(t, dir, "agentd.yaml", "health:\n  interval: 30s\n")
	m := NewManager(p, WithLookupEnv(noEnv))
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	// Give the watcher a moment to register before editing.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, dir, "agentd.yaml", "health:\n  interval: 15s\n")

	select {
	case cfg := <-ch:
		assert.Equal(t, 15*time.Second, cfg.Health.IntervalDuration())
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not publish the edit")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()

	a := Default()
	a.Plugins["echo"] = PluginConfigRaw{Enabled: true, Config: []byte(`{"a":1,"b":2}`)}
	a.Plugins["system"] = PluginConfigRaw{Enabled: true}

	b := Default()
	b.Logging.Level = "debug"
	b.Notifier.TelegramToken = "secret"
	b.Plugins["echo"] = PluginConfigRaw{Enabled: true, Config: []byte(`{ "b": 2, "a": 1 }`)}
	b.Plugins["system"] = PluginConfigRaw{Enabled: false}

	sections, attrs, plugins := SummarizeChange(a, b)
	assert.Equal(t, []string{"logging", "notifier", "plugins"}, sections)
	assert.Equal(t, []string{"system"}, plugins)
	var buf bytes.Buffer
	logx.New(&buf, "debug").Info("config.changed", attrs...)
	assert.Contains(t, buf.String(), `"notifier.token_set":true`)
	assert.NotContains(t, buf.String(), "secret")
}
