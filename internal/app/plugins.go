package app

import (
	"fmt"
	"slices"

	"agentd/internal/config"
	"agentd/internal/plugin"
	"agentd/internal/scheduler"
	"agentd/plugins/bandwidth"
	"agentd/plugins/echo"
	"agentd/plugins/system"
	"agentd/plugins/units"
)

// Factory builds a plugin given the enabled plugin names. Plugins that watch
// the host depend on "system" only when it is enabled.
type Factory func(enabled map[string]bool) plugin.Plugin

func hostDeps(enabled map[string]bool) []string {
	if enabled[system.Name] {
		return []string{system.Name}
	}
	return nil
}

type NamedFactory struct {
	Name string
	New  Factory
}

// Builtin is the catalog of plugins shipped with agentd, in registration order.
func Builtin() []NamedFactory {
	return []NamedFactory{
		{system.Name, func(map[string]bool) plugin.Plugin { return system.New() }},
		{echo.Name, func(map[string]bool) plugin.Plugin { return echo.New() }},
		{units.Name, func(en map[string]bool) plugin.Plugin { return units.New(hostDeps(en)) }},
		{bandwidth.Name, func(en map[string]bool) plugin.Plugin { return bandwidth.New(hostDeps(en), nil) }},
	}
}

// registerEnabled registers every catalog plugin the config enables and
// reports enabled names the catalog does not know.
func registerEnabled(s *scheduler.Scheduler, catalog []NamedFactory, cfg *config.Config) ([]string, error) {
	known := map[string]bool{}
	enabled := map[string]bool{}
	for _, f := range catalog {
		known[f.Name] = true
		if cfg.PluginEnabled(f.Name) {
			enabled[f.Name] = true
		}
	}

	var registered []string
	for _, f := range catalog {
		if !enabled[f.Name] {
			continue
		}
		if err := s.Register(f.New(enabled)); err != nil {
			return registered, fmt.Errorf("register %s: %w", f.Name, err)
		}
		registered = append(registered, f.Name)
	}

	var unknown []string
	for name, p := range cfg.Plugins {
		if p.Enabled && !known[name] {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		slices.Sort(unknown)
		return registered, fmt.Errorf("unknown plugins enabled: %v", unknown)
	}
	return registered, nil
}
