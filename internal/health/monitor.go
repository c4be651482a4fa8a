// Package health polls plugin health checks in the background and rolls
// them up into a system score.
package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"agentd/internal/eventbus"
	"agentd/internal/metrics"
	"agentd/internal/plugin"
	"agentd/internal/runtime/supervisor"
	"agentd/pkg/logx"
)

// Weight of the healthy-plugin fraction when blended with the recovery
// success rate.
const healthWeight = 0.7

type Config struct {
	Interval    time.Duration
	Timeout     time.Duration
	LoopBackoff time.Duration
	Parallelism int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.LoopBackoff <= 0 {
		c.LoopBackoff = 60 * time.Second
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 8
	}
	return c
}

// Source lists the plugins that should be polled right now.
type Source interface {
	HealthTargets() []plugin.Plugin
}

// RecoveryRater reports the overall recovery success rate; ok is false
// without history.
type RecoveryRater interface {
	OverallSuccessRate(ctx context.Context) (rate float64, ok bool)
}

type Report struct {
	Plugin string                   `json:"plugin"`
	Result plugin.HealthCheckResult `json:"result"`
}

type Summary struct {
	At           time.Time `json:"at"`
	Reports      []Report  `json:"reports"`
	Healthy      int       `json:"healthy"`
	Total        int       `json:"total"`
	Score        float64   `json:"score"`
	RecoveryRate *float64  `json:"recovery_rate,omitempty"`
}

type Monitor struct {
	cfg     Config
	src     Source
	reg     *metrics.Registry
	rater   RecoveryRater
	log     logx.Logger
	bus     eventbus.Bus
	onCycle func(Summary)

	mu   sync.Mutex
	sup  *supervisor.Supervisor
	last Summary
}

type Option func(*Monitor)

func WithLogger(log logx.Logger) Option        { return func(m *Monitor) { m.log = log } }
func WithBus(bus eventbus.Bus) Option          { return func(m *Monitor) { m.bus = bus } }
func WithRecoveryRater(r RecoveryRater) Option { return func(m *Monitor) { m.rater = r } }

// WithOnCycle registers a callback run after every completed poll.
func WithOnCycle(fn func(Summary)) Option { return func(m *Monitor) { m.onCycle = fn } }

func New(cfg Config, src Source, reg *metrics.Registry, opts ...Option) *Monitor {
	m := &Monitor{cfg: cfg.withDefaults(), src: src, reg: reg, log: logx.Nop(), bus: eventbus.Nop()}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start launches the polling loop. Calling Start on a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sup != nil {
		return
	}
	m.sup = supervisor.New(ctx, supervisor.WithLogger(m.log))
	m.sup.GoRestart("health.monitor", m.loop,
		supervisor.WithRestartBackoff(m.cfg.LoopBackoff, m.cfg.LoopBackoff))
	m.log.Info("health.monitor_started", logx.Duration("interval", m.cfg.Interval))
}

// Stop cancels the loop and waits for it, bounded by ctx.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	sup := m.sup
	m.sup = nil
	m.mu.Unlock()
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	m.log.Info("health.monitor_stopped")
	return err
}

func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sup != nil
}

// Last is the most recent summary.
func (m *Monitor) Last() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func (m *Monitor) loop(ctx context.Context) error {
	t := time.NewTicker(m.cfg.Interval)
	defer t.Stop()
	for {
		if _, err := m.CheckAll(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// CheckAll polls every target once. Per-plugin failures become unhealthy
// results; only a failure of the poll itself is returned.
func (m *Monitor) CheckAll(ctx context.Context) (sum Summary, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("health poll panicked: %v", r)
		}
	}()

	targets := m.src.HealthTargets()
	reports := make([]Report, len(targets))

	var g errgroup.Group
	g.SetLimit(m.cfg.Parallelism)
	for i, p := range targets {
		g.Go(func() error {
			reports[i] = Report{Plugin: p.Name(), Result: m.checkOne(ctx, p)}
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() != nil {
		return Summary{}, ctx.Err()
	}

	sum = Summary{At: time.Now(), Reports: reports, Total: len(reports)}
	for _, r := range reports {
		if r.Result.Status == plugin.Healthy {
			sum.Healthy++
		}
	}
	sum.Score = m.Score(ctx)
	if m.rater != nil {
		if rate, ok := m.rater.OverallSuccessRate(ctx); ok {
			sum.RecoveryRate = &rate
		}
	}
	if c := m.reg.Collector(); c != nil {
		c.ObserveSystemHealth(sum.Score)
	}

	m.mu.Lock()
	m.last = sum
	m.mu.Unlock()
	if m.onCycle != nil {
		m.onCycle(sum)
	}
	return sum, nil
}

func (m *Monitor) checkOne(ctx context.Context, p plugin.Plugin) plugin.HealthCheckResult {
	name := p.Name()
	res, err := plugin.CallValue(ctx, "health."+name, m.cfg.Timeout, 0, p.HealthCheck)
	switch {
	case err != nil:
		var pe *plugin.PanicError
		if errors.As(err, &pe) {
			m.log.Error("health.check_panicked", logx.String("plugin", name), logx.Any("panic", pe.Value), logx.Stack(pe.Stack))
		}
		res = plugin.NewHealth(plugin.Unhealthy, err.Error())
	case res.Status == "":
		res.Status = plugin.Unknown
	}
	if res.Timestamp.IsZero() {
		res.Timestamp = time.Now()
	}

	m.reg.RecordHealth(name, res)
	m.bus.Publish(eventbus.Event{Type: eventbus.HealthChecked, Data: Report{Plugin: name, Result: res}})
	if res.Status == plugin.Unhealthy {
		m.log.Warn("health.unhealthy", logx.String("plugin", name), logx.String("message", res.Message))
	} else {
		m.log.Debug("health.checked", logx.String("plugin", name), logx.String("status", string(res.Status)))
	}
	return res
}

// Score is the fraction of monitored plugins that are healthy, blended with
// the recovery success rate when there is recovery history. Isolated and
// shut-down plugins are not monitored. With nothing monitored it is 1.
func (m *Monitor) Score(ctx context.Context) float64 {
	targets := m.src.HealthTargets()
	names := make([]string, 0, len(targets))
	for _, p := range targets {
		names = append(names, p.Name())
	}
	frac, ok := m.reg.HealthyFraction(names)
	if !ok {
		frac = 1
	}
	if m.rater == nil {
		return frac
	}
	rate, ok := m.rater.OverallSuccessRate(ctx)
	if !ok {
		return frac
	}
	return healthWeight*frac + (1-healthWeight)*rate
}
