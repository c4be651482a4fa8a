package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "AGENTD_"

// LoadEnv loads .env style files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load env file %s: %w", p, err)
		}
	}
	return nil
}

// applyEnv overlays AGENTD_* variables onto cfg.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(key string) (string, bool) {
		v, ok := lookup(EnvPrefix + key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	var errs []error
	atoi := func(key string, dst *int) {
		if v, ok := get(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	str := func(key string, dst *string) {
		if v, ok := get(key); ok {
			*dst = v
		}
	}

	str("LOG_LEVEL", &cfg.Logging.Level)
	atoi("MAX_CONCURRENT_AGENTS", &cfg.Scheduler.MaxConcurrentAgents)
	str("AGENT_TIMEOUT", &cfg.Scheduler.AgentTimeout)
	str("HEALTH_INTERVAL", &cfg.Health.Interval)
	str("STORAGE_DRIVER", &cfg.Storage.Driver)
	str("STORAGE_PATH", &cfg.Storage.Path)
	str("REDIS_ADDR", &cfg.Storage.RedisAddr)
	str("REDIS_PASSWORD", &cfg.Storage.RedisPassword)
	str("TELEGRAM_TOKEN", &cfg.Notifier.TelegramToken)
	str("HTTP_TOKEN", &cfg.HTTP.Token)
	if v, ok := get("TELEGRAM_CHAT_ID"); ok {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sTELEGRAM_CHAT_ID: %w", EnvPrefix, err))
		} else {
			cfg.Notifier.ChatID = id
		}
	}
	if v, ok := get("HTTP_LISTEN"); ok {
		cfg.HTTP.Listen = v
		cfg.HTTP.Enabled = true
	}
	return errors.Join(errs...)
}
