package config

import (
	"reflect"
	"sort"
	"strings"

	"agentd/pkg/logx"
)

// SummarizeChange returns the changed section names, log fields that are
// safe to print (never secrets), and the plugins whose enablement or
// config blob changed.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Int("scheduler.max_concurrent_agents", newCfg.Scheduler.MaxConcurrentAgents),
			logx.String("scheduler.agent_timeout", newCfg.Scheduler.AgentTimeout),
			logx.String("scheduler.dependency_failure", newCfg.Scheduler.DependencyFailure),
		)
	}
	if oldCfg.Retry != newCfg.Retry {
		changed = append(changed, "retry")
	}
	if oldCfg.CircuitBreaker != newCfg.CircuitBreaker {
		changed = append(changed, "circuit_breaker")
	}
	if oldCfg.Health != newCfg.Health {
		changed = append(changed, "health")
		attrs = append(attrs, logx.String("health.interval", newCfg.Health.Interval))
	}
	if oldCfg.Recovery != newCfg.Recovery {
		changed = append(changed, "recovery")
	}

	// Storage and notifier carry secrets; only presence is logged.
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.Bool("storage.redis_password_set", newCfg.Storage.RedisPassword != ""),
		)
	}
	if oldCfg.Notifier != newCfg.Notifier {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newCfg.Notifier.Enabled),
			logx.Bool("notifier.token_set", strings.TrimSpace(newCfg.Notifier.TelegramToken) != ""),
			logx.Int("notifier.rate_per_sec", newCfg.Notifier.RatePerSec),
		)
	}
	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.listen", newCfg.HTTP.Listen),
			logx.Bool("http.token_set", newCfg.HTTP.Token != ""),
		)
	}
	if oldCfg.Triggers != newCfg.Triggers {
		changed = append(changed, "triggers")
		attrs = append(attrs,
			logx.String("triggers.run_all", newCfg.Triggers.RunAll.Schedule),
			logx.String("triggers.prune", newCfg.Triggers.Prune.Schedule),
		)
	}

	plugins := diffPlugins(oldCfg.Plugins, newCfg.Plugins)
	if len(plugins) > 0 {
		changed = append(changed, "plugins")
		attrs = append(attrs,
			logx.Int("plugins.changed_count", len(plugins)),
			logx.Int("plugins.enabled_count", countEnabled(newCfg.Plugins)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, plugins
}

func countEnabled(m map[string]PluginConfigRaw) int {
	n := 0
	for _, v := range m {
		if v.Enabled {
			n++
		}
	}
	return n
}

func diffPlugins(oldM, newM map[string]PluginConfigRaw) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o, n := oldM[name], newM[name]
		if o.Enabled != n.Enabled || digestJSON(o.Config) != digestJSON(n.Config) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
