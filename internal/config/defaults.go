package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	defaultLogFile     = "./agentd.log"
	defaultStoragePath = "./agentd_data"
	defaultListen      = "127.0.0.1:8080"
	defaultRedisAddr   = "127.0.0.1:6379"
	defaultKeyPrefix   = "agentd"
)

// Default is the configuration used for every omitted field.
func Default() *Config {
	c := &Config{Logging: LoggingConfig{Console: true}}
	c.applyDefaults()
	return c
}

func setStr(dst *string, def string) {
	if strings.TrimSpace(*dst) == "" {
		*dst = def
	}
}

func setInt[T int | int64](dst *T, def T) {
	if *dst == 0 {
		*dst = def
	}
}

func (c *Config) applyDefaults() {
	setStr(&c.Logging.Level, "info")
	setStr(&c.Logging.File.Path, defaultLogFile)

	setInt(&c.Scheduler.MaxConcurrentAgents, 4)
	setStr(&c.Scheduler.AgentTimeout, "30s")
	setStr(&c.Scheduler.InitTimeout, "30s")
	setStr(&c.Scheduler.ShutdownTimeout, "10s")
	setStr(&c.Scheduler.DependencyFailure, "run")

	setInt(&c.Retry.MaxAttempts, 3)
	setStr(&c.Retry.BaseBackoff, "1s")

	setInt(&c.CircuitBreaker.FailureThreshold, 5)
	setStr(&c.CircuitBreaker.RecoveryTimeout, "60s")

	setStr(&c.Health.Interval, "30s")
	setStr(&c.Health.Timeout, "5s")
	setStr(&c.Health.LoopBackoff, "60s")

	setStr(&c.Recovery.SeverityWindow, "60m")
	setInt(&c.Recovery.CriticalThreshold, 5)
	setStr(&c.Recovery.Retention, "720h")
	setInt(&c.Recovery.RetryAttempts, 3)
	setStr(&c.Recovery.RetryBackoff, "1s")
	setInt(&c.Recovery.HistoryLimit, 5)

	setStr(&c.Storage.Driver, "file")
	switch strings.ToLower(c.Storage.Driver) {
	case "file":
		setStr(&c.Storage.Path, defaultStoragePath)
	case "sqlite", "sqlite3":
		setStr(&c.Storage.Path, defaultStoragePath+"/history.db")
	case "redis":
		setStr(&c.Storage.RedisAddr, defaultRedisAddr)
		setStr(&c.Storage.KeyPrefix, defaultKeyPrefix)
	}

	setInt(&c.Notifier.RatePerSec, 1)
	setInt(&c.Notifier.QueueSize, 64)

	setStr(&c.HTTP.Listen, defaultListen)
	setStr(&c.Triggers.RunAll.Mode, "parallel")

	if c.Plugins == nil {
		c.Plugins = map[string]PluginConfigRaw{}
	}
}

// Validate checks every count is positive, every duration parses and is
// positive, and enum fields hold known values.
func (c *Config) Validate() error {
	var errs []error
	positive := func(path string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s: must be > 0", path))
		}
	}
	duration := func(path, raw string) {
		d, err := ParseDurationField(path, raw)
		if err != nil {
			errs = append(errs, err)
			return
		}
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s: must be > 0", path))
		}
	}
	oneOf := func(path, v string, allowed ...string) {
		v = strings.ToLower(strings.TrimSpace(v))
		for _, a := range allowed {
			if v == a {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s: %q is not one of %s", path, v, strings.Join(allowed, ", ")))
	}

	oneOf("logging.level", c.Logging.Level, "trace", "debug", "info", "warn", "warning", "error")

	positive("scheduler.max_concurrent_agents", c.Scheduler.MaxConcurrentAgents)
	duration("scheduler.agent_timeout", c.Scheduler.AgentTimeout)
	duration("scheduler.init_timeout", c.Scheduler.InitTimeout)
	duration("scheduler.shutdown_timeout", c.Scheduler.ShutdownTimeout)
	oneOf("scheduler.dependency_failure", c.Scheduler.DependencyFailure, "run", "skip")

	positive("retry.max_attempts", c.Retry.MaxAttempts)
	duration("retry.base_backoff", c.Retry.BaseBackoff)

	positive("circuit_breaker.failure_threshold", c.CircuitBreaker.FailureThreshold)
	duration("circuit_breaker.recovery_timeout", c.CircuitBreaker.RecoveryTimeout)

	duration("health.interval", c.Health.Interval)
	duration("health.timeout", c.Health.Timeout)
	duration("health.loop_backoff", c.Health.LoopBackoff)

	duration("recovery.severity_window", c.Recovery.SeverityWindow)
	positive("recovery.critical_threshold", c.Recovery.CriticalThreshold)
	duration("recovery.retention", c.Recovery.Retention)
	positive("recovery.retry_attempts", c.Recovery.RetryAttempts)
	duration("recovery.retry_backoff", c.Recovery.RetryBackoff)
	positive("recovery.history_limit", c.Recovery.HistoryLimit)

	oneOf("storage.driver", c.Storage.Driver, "memory", "mem", "file", "sqlite", "sqlite3", "redis")
	if c.Storage.BusyTimeout != "" {
		duration("storage.busy_timeout", c.Storage.BusyTimeout)
	}
	if c.Storage.RedisDB < 0 {
		errs = append(errs, errors.New("storage.redis_db: must be >= 0"))
	}

	if c.Notifier.Enabled {
		if strings.TrimSpace(c.Notifier.TelegramToken) == "" {
			errs = append(errs, errors.New("notifier.telegram_token: required when notifier is enabled"))
		}
		if c.Notifier.ChatID == 0 {
			errs = append(errs, errors.New("notifier.chat_id: required when notifier is enabled"))
		}
	}
	positive("notifier.rate_per_sec", c.Notifier.RatePerSec)
	positive("notifier.queue_size", c.Notifier.QueueSize)

	oneOf("triggers.run_all.mode", c.Triggers.RunAll.Mode, "sequential", "parallel")

	return errors.Join(errs...)
}

func mustDuration(raw string, def time.Duration) time.Duration {
	d, err := ParseDurationOrDefault("", raw, def)
	if err != nil {
		return def
	}
	return d
}

func (s SchedulerConfig) AgentTimeoutDuration() time.Duration {
	return mustDuration(s.AgentTimeout, 30*time.Second)
}

func (s SchedulerConfig) InitTimeoutDuration() time.Duration {
	return mustDuration(s.InitTimeout, 30*time.Second)
}

func (s SchedulerConfig) ShutdownTimeoutDuration() time.Duration {
	return mustDuration(s.ShutdownTimeout, 10*time.Second)
}

func (r RetryConfig) BaseBackoffDuration() time.Duration {
	return mustDuration(r.BaseBackoff, time.Second)
}

func (b BreakerConfig) RecoveryTimeoutDuration() time.Duration {
	return mustDuration(b.RecoveryTimeout, 60*time.Second)
}

func (h HealthConfig) IntervalDuration() time.Duration {
	return mustDuration(h.Interval, 30*time.Second)
}
func (h HealthConfig) TimeoutDuration() time.Duration { return mustDuration(h.Timeout, 5*time.Second) }
func (h HealthConfig) LoopBackoffDuration() time.Duration {
	return mustDuration(h.LoopBackoff, 60*time.Second)
}

func (r RecoveryConfig) SeverityWindowDuration() time.Duration {
	return mustDuration(r.SeverityWindow, time.Hour)
}

func (r RecoveryConfig) RetentionDuration() time.Duration {
	return mustDuration(r.Retention, 30*24*time.Hour)
}

func (r RecoveryConfig) RetryBackoffDuration() time.Duration {
	return mustDuration(r.RetryBackoff, time.Second)
}

func (s StorageConfig) BusyTimeoutDuration() time.Duration {
	return mustDuration(s.BusyTimeout, 5*time.Second)
}
