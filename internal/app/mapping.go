package app

import (
	"strings"
	"time"

	"agentd/internal/config"
	"agentd/internal/failure"
	"agentd/internal/health"
	"agentd/internal/httpapi"
	"agentd/internal/notifier"
	"agentd/internal/recovery"
	"agentd/internal/resilience"
	"agentd/internal/scheduler"
	"agentd/internal/storage"
	"agentd/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorage(cfg *config.Config) storage.Config {
	sc := cfg.Storage
	return storage.Config{
		Driver:        strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:          strings.TrimSpace(sc.Path),
		BusyTimeout:   sc.BusyTimeoutDuration(),
		RedisAddr:     sc.RedisAddr,
		RedisPassword: sc.RedisPassword,
		RedisDB:       sc.RedisDB,
		KeyPrefix:     sc.KeyPrefix,
	}
}

// mapScheduler assumes cfg passed Validate; the enum parse cannot fail then.
func mapScheduler(cfg *config.Config) scheduler.Config {
	policy, err := scheduler.ParseDependencyPolicy(cfg.Scheduler.DependencyFailure)
	if err != nil {
		policy = scheduler.RunDependents
	}
	return scheduler.Config{
		MaxConcurrentAgents: cfg.Scheduler.MaxConcurrentAgents,
		AgentTimeout:        cfg.Scheduler.AgentTimeoutDuration(),
		InitTimeout:         cfg.Scheduler.InitTimeoutDuration(),
		ShutdownTimeout:     cfg.Scheduler.ShutdownTimeoutDuration(),
		DependencyFailure:   policy,
		Retry: resilience.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseBackoff: cfg.Retry.BaseBackoffDuration(),
		},
		Breaker: resilience.BreakerConfig{
			FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
			RecoveryTimeout:  cfg.CircuitBreaker.RecoveryTimeoutDuration(),
		},
		Health: health.Config{
			Interval:    cfg.Health.IntervalDuration(),
			Timeout:     cfg.Health.TimeoutDuration(),
			LoopBackoff: cfg.Health.LoopBackoffDuration(),
		},
	}
}

func mapRecovery(cfg *config.Config) recovery.Config {
	rc := cfg.Recovery
	high := rc.CriticalThreshold * 3 / 5
	if high < 1 {
		high = 1
	}
	return recovery.Config{
		Severity: failure.SeverityPolicy{
			Window:            rc.SeverityWindowDuration(),
			CriticalThreshold: rc.CriticalThreshold,
			HighThreshold:     high,
		},
		Retention:    rc.RetentionDuration(),
		HistoryLimit: rc.HistoryLimit,
	}
}

func mapRecoveryRetry(cfg *config.Config) resilience.RetryPolicy {
	return resilience.RetryPolicy{
		MaxAttempts: cfg.Recovery.RetryAttempts,
		BaseBackoff: cfg.Recovery.RetryBackoffDuration(),
	}
}

func mapNotifier(cfg *config.Config) (notifier.Config, notifier.TelegramConfig) {
	nc := cfg.Notifier
	return notifier.Config{
			Enabled:    nc.Enabled,
			QueueSize:  nc.QueueSize,
			RatePerSec: nc.RatePerSec,
			RetryMax:   3,
			// one alert per plugin, kind and message every few minutes
			DedupWindow: 5 * time.Minute,
		}, notifier.TelegramConfig{
			Token:    nc.TelegramToken,
			ChatID:   nc.ChatID,
			ThreadID: nc.ThreadID,
		}
}

func mapHTTP(cfg *config.Config) httpapi.Config {
	return httpapi.Config{
		Listen: cfg.HTTP.Listen,
		Token:  cfg.HTTP.Token,
		Pprof:  cfg.HTTP.Pprof,
	}
}
