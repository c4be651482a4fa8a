package config

import (
	"bytes"
	"encoding/json"
)

// Config is the whole agentd configuration file. Durations are Go duration
// strings ("500ms", "30s", "60m").
type Config struct {
	Logging        LoggingConfig              `json:"logging"`
	Scheduler      SchedulerConfig            `json:"scheduler"`
	Retry          RetryConfig                `json:"retry"`
	CircuitBreaker BreakerConfig              `json:"circuit_breaker"`
	Health         HealthConfig               `json:"health"`
	Recovery       RecoveryConfig             `json:"recovery"`
	Storage        StorageConfig              `json:"storage"`
	Notifier       NotifierConfig             `json:"notifier"`
	HTTP           HTTPConfig                 `json:"http"`
	Triggers       TriggersConfig             `json:"triggers"`
	Plugins        map[string]PluginConfigRaw `json:"plugins"`
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

type SchedulerConfig struct {
	MaxConcurrentAgents int    `json:"max_concurrent_agents"`
	AgentTimeout        string `json:"agent_timeout"`
	InitTimeout         string `json:"init_timeout"`
	ShutdownTimeout     string `json:"shutdown_timeout"`
	// DependencyFailure is "run" (dependents of a failed plugin still run)
	// or "skip".
	DependencyFailure string `json:"dependency_failure"`
}

type RetryConfig struct {
	MaxAttempts int    `json:"max_attempts"`
	BaseBackoff string `json:"base_backoff"`
}

type BreakerConfig struct {
	FailureThreshold int    `json:"failure_threshold"`
	RecoveryTimeout  string `json:"recovery_timeout"`
}

type HealthConfig struct {
	Interval    string `json:"interval"`
	Timeout     string `json:"timeout"`
	LoopBackoff string `json:"loop_backoff"`
}

type RecoveryConfig struct {
	SeverityWindow    string `json:"severity_window"`
	CriticalThreshold int    `json:"critical_threshold"`
	Retention         string `json:"retention"`
	RetryAttempts     int    `json:"retry_attempts"`
	RetryBackoff      string `json:"retry_backoff"`
	HistoryLimit      int    `json:"history_limit"`
}

// StorageConfig selects the history backend.
//
//	"storage": { "driver": "sqlite", "path": "./agentd_data/history.db" }
type StorageConfig struct {
	Driver        string `json:"driver"`
	Path          string `json:"path,omitempty"`
	BusyTimeout   string `json:"busy_timeout,omitempty"` // sqlite
	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty"` // do not log
	RedisDB       int    `json:"redis_db,omitempty"`
	KeyPrefix     string `json:"key_prefix,omitempty"`
}

type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	TelegramToken string `json:"telegram_token,omitempty"` // do not log
	ChatID        int64  `json:"chat_id,omitempty"`
	ThreadID      int    `json:"thread_id,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
}

// HTTPConfig controls the operations API. Prefer a loopback listen address;
// the API can run and reinstate plugins.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Listen  string `json:"listen,omitempty"`
	Pprof   bool   `json:"pprof,omitempty"`
	// Token, when set, is required as a bearer token on /v1 and /debug.
	Token string `json:"token,omitempty"`
}

type TriggersConfig struct {
	RunAll RunAllTrigger `json:"run_all"`
	Prune  PruneTrigger  `json:"prune"`
}

// RunAllTrigger runs every plugin on a schedule. An empty schedule disables it.
type RunAllTrigger struct {
	Schedule string `json:"schedule,omitempty"`
	Mode     string `json:"mode,omitempty"`
}

type PruneTrigger struct {
	Schedule string `json:"schedule,omitempty"`
}

type PluginConfigRaw struct {
	Enabled bool            `json:"enabled"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// UnmarshalJSON disallows unknown fields so typos in plugin blocks are
// caught at load time.
func (p *PluginConfigRaw) UnmarshalJSON(b []byte) error {
	type tmp struct {
		Enabled bool            `json:"enabled"`
		Config  json.RawMessage `json:"config,omitempty"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*p = PluginConfigRaw{Enabled: t.Enabled, Config: t.Config}
	return nil
}

// PluginEnabled reports whether name is listed and enabled.
func (c *Config) PluginEnabled(name string) bool {
	if c == nil {
		return false
	}
	p, ok := c.Plugins[name]
	return ok && p.Enabled
}
