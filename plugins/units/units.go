// Package units watches an allowlist of systemd services. Run fails while
// any of them is down; the recovery hook restarts down units with per-unit
// exponential backoff so a unit that refuses to start is not hammered.
package units

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"strings"
	"sync"
	"time"

	"agentd/internal/plugin"
	"agentd/pkg/logx"
	"agentd/pkg/unitctl"
)

const Name = "units"

type Config struct {
	Units []string `json:"units"`
	// MinDown is how long a unit must be down before it is restarted.
	MinDown        string `json:"min_down,omitempty"`
	RestartTimeout string `json:"restart_timeout,omitempty"`
	BackoffBase    string `json:"backoff_base,omitempty"`
	BackoffMax     string `json:"backoff_max,omitempty"`
}

type settings struct {
	units          []string
	minDown        time.Duration
	restartTimeout time.Duration
	backoffBase    time.Duration
	backoffMax     time.Duration
}

func (c Config) settings() (settings, error) {
	s := settings{units: unitctl.Normalize(c.Units)}
	var errs []error
	dur := func(field, v string, def time.Duration) time.Duration {
		if strings.TrimSpace(v) == "" {
			return def
		}
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("units config: %s: invalid duration %q", field, v))
			return def
		}
		return d
	}
	s.minDown = dur("min_down", c.MinDown, 3*time.Second)
	s.restartTimeout = dur("restart_timeout", c.RestartTimeout, 15*time.Second)
	s.backoffBase = dur("backoff_base", c.BackoffBase, 5*time.Second)
	s.backoffMax = dur("backoff_max", c.BackoffMax, 5*time.Minute)
	return s, errors.Join(errs...)
}

// Controller is the systemd surface the plugin needs; *unitctl.Manager
// implements it.
type Controller interface {
	Status(ctx context.Context, unit string) (unitctl.Status, error)
	Restart(ctx context.Context, unit string) error
	Close() error
}

type unitState struct {
	failStreak int
	nextTry    time.Time
	lastErr    string
}

type Report struct {
	Units   []unitctl.Status `json:"units"`
	Down    []string         `json:"down"`
	Missing []string         `json:"missing,omitempty"`
}

type Plugin struct {
	plugin.Base
	dial func(ctx context.Context) (Controller, error)
	now  func() time.Time

	mu   sync.Mutex
	set  settings
	ctl  Controller
	last Report
	rec  map[string]*unitState
	rng  *rand.Rand
}

type Option func(*Plugin)

// WithController replaces the D-Bus connection, mostly for tests.
func WithController(c Controller) Option {
	return func(p *Plugin) { p.dial = func(context.Context) (Controller, error) { return c, nil } }
}

func WithClock(now func() time.Time) Option { return func(p *Plugin) { p.now = now } }

func New(deps []string, opts ...Option) *Plugin {
	p := &Plugin{
		Base: plugin.NewBase(Name, deps...),
		dial: func(ctx context.Context) (Controller, error) { return unitctl.New(ctx) },
		now:  time.Now,
		rec:  map[string]*unitState{},
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Plugin) Initialize(ctx context.Context, env plugin.Env) error {
	p.InitBase(env)
	var cfg Config
	if err := p.DecodeConfig(&cfg); err != nil {
		return err
	}
	set, err := cfg.settings()
	if err != nil {
		return err
	}
	if len(set.units) == 0 {
		return errors.New("units config: units list is empty")
	}
	ctl, err := p.dial(ctx)
	if err != nil {
		return err
	}

	p.mu.Lock()
	old := p.ctl
	p.ctl, p.set = ctl, set
	p.rec = map[string]*unitState{}
	p.mu.Unlock()
	if old != nil && old != ctl {
		_ = old.Close()
	}
	p.Log().Info("units.initialized", logx.Strings("units", set.units))
	return nil
}

func (p *Plugin) snapshot() (Controller, settings) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ctl, p.set
}

// Run reports every allowlisted unit and fails when one is down. Units that
// do not exist are reported but never fail the run.
func (p *Plugin) Run(ctx context.Context) (any, error) {
	ctl, set := p.snapshot()
	if ctl == nil {
		return nil, errors.New("units: not initialized")
	}
	rep := Report{Units: make([]unitctl.Status, 0, len(set.units)), Down: []string{}}
	for _, u := range set.units {
		st, err := ctl.Status(ctx, u)
		if err != nil {
			return nil, err
		}
		rep.Units = append(rep.Units, st)
		switch {
		case st.Missing():
			rep.Missing = append(rep.Missing, u)
		case !st.Up():
			rep.Down = append(rep.Down, u)
		}
	}

	p.mu.Lock()
	p.last = rep
	p.mu.Unlock()

	if len(rep.Down) > 0 {
		return rep, fmt.Errorf("units down: %s", strings.Join(rep.Down, ", "))
	}
	return rep, nil
}

func (p *Plugin) HealthCheck(ctx context.Context) (plugin.HealthCheckResult, error) {
	if !p.Initialized() {
		return plugin.NewHealth(plugin.Unknown, "not initialized"), nil
	}
	p.mu.Lock()
	rep := p.last
	p.mu.Unlock()
	switch {
	case rep.Units == nil:
		return plugin.NewHealth(plugin.Unknown, "no run yet"), nil
	case len(rep.Down) == 0:
		return plugin.NewHealth(plugin.Healthy, "all units active"), nil
	case len(rep.Down) == len(rep.Units)-len(rep.Missing):
		return plugin.NewHealth(plugin.Unhealthy, "all units down").WithDetail("down", rep.Down), nil
	default:
		return plugin.NewHealth(plugin.Degraded, "some units down").WithDetail("down", rep.Down), nil
	}
}

// AutoRecover implements plugin.RecoveryHook. It restarts every unit that
// has been down for at least min_down and is past its backoff, and reports
// success only when no unit is left down.
func (p *Plugin) AutoRecover(ctx context.Context, cause error) bool {
	ctl, set := p.snapshot()
	if ctl == nil {
		return false
	}
	log := p.Log()
	healed := true
	for _, u := range set.units {
		st, err := ctl.Status(ctx, u)
		if err != nil {
			healed = false
			continue
		}
		if st.Missing() {
			continue
		}
		us := p.state(u)
		if st.Up() {
			p.clear(us)
			continue
		}

		now := p.now()
		down := st.DownSince()
		if down.IsZero() {
			down = now
		}
		if now.Sub(down) < set.minDown || p.waiting(us, now) {
			healed = false
			continue
		}

		rctx, cancel := context.WithTimeout(ctx, set.restartTimeout)
		err = ctl.Restart(rctx, u)
		cancel()
		if err == nil {
			p.clear(us)
			log.Info("units.restarted", logx.String("unit", u), logx.Duration("down_for", now.Sub(down)))
			continue
		}
		healed = false
		backoff, next := p.fail(us, set, now, err)
		log.Warn("units.restart_failed",
			logx.String("unit", u),
			logx.Duration("backoff", backoff),
			logx.Time("next_try", next),
			logx.Err(err),
		)
	}
	return healed
}

func (p *Plugin) state(unit string) *unitState {
	p.mu.Lock()
	defer p.mu.Unlock()
	us, ok := p.rec[unit]
	if !ok {
		us = &unitState{}
		p.rec[unit] = us
	}
	return us
}

func (p *Plugin) clear(us *unitState) {
	p.mu.Lock()
	*us = unitState{}
	p.mu.Unlock()
}

func (p *Plugin) waiting(us *unitState, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !us.nextTry.IsZero() && now.Before(us.nextTry)
}

// fail records a failed restart and schedules the next try at
// base*2^(streak-1), capped, with 0.7..1.3 jitter.
func (p *Plugin) fail(us *unitState, set settings, now time.Time, err error) (time.Duration, time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	us.failStreak++
	us.lastErr = err.Error()
	backoff := set.backoffBase << min(us.failStreak-1, 30)
	if backoff <= 0 || backoff > set.backoffMax {
		backoff = set.backoffMax
	}
	us.nextTry = now.Add(time.Duration(float64(backoff) * (0.7 + p.rng.Float64()*0.6)))
	return backoff, us.nextTry
}

// Configure implements plugin.Configurable; the D-Bus connection is kept.
func (p *Plugin) Configure(ctx context.Context, raw json.RawMessage) error {
	var cfg Config
	if err := plugin.DecodeStrict(raw, &cfg); err != nil {
		return err
	}
	set, err := cfg.settings()
	if err != nil {
		return err
	}
	if len(set.units) == 0 {
		return errors.New("units config: units list is empty")
	}
	p.mu.Lock()
	changed := !slices.Equal(p.set.units, set.units)
	p.set = set
	if changed {
		p.rec = map[string]*unitState{}
		p.last = Report{}
	}
	p.mu.Unlock()
	p.SetRawConfig(raw)
	p.Log().Info("units.reconfigured", logx.Strings("units", set.units), logx.Bool("allowlist_changed", changed))
	return nil
}

func (p *Plugin) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	ctl := p.ctl
	p.ctl = nil
	p.mu.Unlock()
	_ = p.Base.Shutdown(ctx)
	if ctl != nil {
		return ctl.Close()
	}
	return nil
}

var (
	_ plugin.RecoveryHook = (*Plugin)(nil)
	_ plugin.Configurable = (*Plugin)(nil)
)
