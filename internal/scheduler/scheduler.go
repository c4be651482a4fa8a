// Package scheduler is the orchestration facade: it registers plugins,
// orders them by dependency, runs them under bounded concurrency with a
// circuit breaker, retry and timeout per call, and hands failures to the
// recovery dispatcher.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"agentd/internal/eventbus"
	"agentd/internal/graph"
	"agentd/internal/health"
	"agentd/internal/metrics"
	"agentd/internal/plugin"
	"agentd/internal/recovery"
	"agentd/internal/resilience"
	"agentd/pkg/logx"
)

type Config struct {
	MaxConcurrentAgents int
	// AgentTimeout bounds one Run call when RunOne gets no explicit timeout.
	AgentTimeout      time.Duration
	InitTimeout       time.Duration
	ShutdownTimeout   time.Duration
	DependencyFailure DependencyPolicy

	Retry   resilience.RetryPolicy
	Breaker resilience.BreakerConfig
	Health  health.Config
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentAgents <= 0 {
		c.MaxConcurrentAgents = 4
	}
	if c.AgentTimeout <= 0 {
		c.AgentTimeout = 30 * time.Second
	}
	if c.InitTimeout <= 0 {
		c.InitTimeout = 30 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.DependencyFailure == "" {
		c.DependencyFailure = RunDependents
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.BaseBackoff <= 0 {
		c.Retry.BaseBackoff = time.Second
	}
	return c
}

// Recoverer handles a failed run. *recovery.Dispatcher implements it.
type Recoverer interface {
	Handle(ctx context.Context, host recovery.Host, name string, cause error) recovery.Outcome
	OverallSuccessRate(ctx context.Context) (float64, bool)
}

// ConfigSource supplies plugin config blobs and can re-read them from disk.
type ConfigSource interface {
	PluginConfig(name string) json.RawMessage
	Reload(ctx context.Context) error
}

type entry struct {
	p    plugin.Plugin
	caps plugin.Capabilities

	mu             sync.Mutex
	state          State
	inflight       int
	initFailed     bool
	initErr        string
	isolated       bool
	isolatedReason string
	isolatedAt     time.Time
	fallback       bool
	closed         bool
}

func (e *entry) descriptor() Descriptor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Descriptor{
		Name:           e.p.Name(),
		Dependencies:   e.p.Dependencies(),
		State:          e.state,
		InitFailed:     e.initFailed,
		InitError:      e.initErr,
		Isolated:       e.isolated,
		IsolatedReason: e.isolatedReason,
		IsolatedAt:     e.isolatedAt,
		Fallback:       e.fallback,
		Capabilities:   e.caps,
	}
}

type Scheduler struct {
	cfg      Config
	log      logx.Logger
	bus      eventbus.Bus
	metrics  *metrics.Registry
	breakers *resilience.Breakers
	recover  Recoverer
	cfgSrc   ConfigSource
	sem      *semaphore.Weighted
	monitor  *health.Monitor
	now      func() time.Time

	breakerOpts []resilience.BreakerOption
	healthOpts  []health.Option

	mu      sync.RWMutex
	entries map[string]*entry
	order   []string // registration order
	graph   atomic.Pointer[graph.Graph]

	shutOnce sync.Once
	shut     atomic.Bool
}

type Option func(*Scheduler)

func WithLogger(log logx.Logger) Option        { return func(s *Scheduler) { s.log = log } }
func WithBus(bus eventbus.Bus) Option          { return func(s *Scheduler) { s.bus = bus } }
func WithMetrics(reg *metrics.Registry) Option { return func(s *Scheduler) { s.metrics = reg } }
func WithRecovery(r Recoverer) Option          { return func(s *Scheduler) { s.recover = r } }
func WithConfigSource(src ConfigSource) Option { return func(s *Scheduler) { s.cfgSrc = src } }
func WithClock(now func() time.Time) Option    { return func(s *Scheduler) { s.now = now } }
func WithHealthOptions(o ...health.Option) Option {
	return func(s *Scheduler) { s.healthOpts = append(s.healthOpts, o...) }
}

func WithBreakerOptions(o ...resilience.BreakerOption) Option {
	return func(s *Scheduler) { s.breakerOpts = append(s.breakerOpts, o...) }
}

func New(cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:     cfg.withDefaults(),
		log:     logx.Nop(),
		bus:     eventbus.Nop(),
		now:     time.Now,
		entries: map[string]*entry{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.NewRegistry(nil)
	}
	s.sem = semaphore.NewWeighted(int64(s.cfg.MaxConcurrentAgents))
	s.breakers = resilience.NewBreakers(s.cfg.Breaker, s.breakerOpts...)

	retry := s.cfg.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = func(attempt int, delay time.Duration, err error) {
			s.log.Debug("scheduler.retrying", logx.Int("attempt", attempt), logx.Duration("backoff", delay), logx.Err(err))
		}
	}
	s.cfg.Retry = retry

	hopts := []health.Option{health.WithLogger(s.log), health.WithBus(s.bus)}
	if s.recover != nil {
		hopts = append(hopts, health.WithRecoveryRater(s.recover))
	}
	s.monitor = health.New(s.cfg.Health, s, s.metrics, append(hopts, s.healthOpts...)...)

	g, _ := graph.Build(nil)
	s.graph.Store(g)
	return s
}

func (s *Scheduler) Metrics() *metrics.Registry { return s.metrics }
func (s *Scheduler) Monitor() *health.Monitor   { return s.monitor }
func (s *Scheduler) Config() Config             { return s.cfg }

// Register adds p to the registry. The dependency graph is rebuilt; if p
// closes a cycle the registration is rolled back and the *graph.CycleError
// is returned.
func (s *Scheduler) Register(p plugin.Plugin) error {
	if p == nil {
		return fmt.Errorf("register: nil plugin")
	}
	name := p.Name()
	if name == "" {
		return fmt.Errorf("register: plugin has no name")
	}
	if s.shut.Load() {
		return ErrShutDown
	}

	s.mu.Lock()
	if _, dup := s.entries[name]; dup {
		s.mu.Unlock()
		return fmt.Errorf("register %s: %w", name, ErrDuplicatePlugin)
	}
	specs := make([]graph.Spec, 0, len(s.order)+1)
	for _, n := range s.order {
		specs = append(specs, graph.Spec{Name: n, Dependencies: s.entries[n].p.Dependencies()})
	}
	specs = append(specs, graph.Spec{Name: name, Dependencies: p.Dependencies()})
	g, err := graph.Build(specs)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("register %s: %w", name, err)
	}
	e := &entry{p: p, caps: plugin.Probe(p), state: StateRegistered}
	s.entries[name] = e
	s.order = append(s.order, name)
	s.graph.Store(g)
	s.mu.Unlock()

	s.metrics.Ensure(name)
	s.breakers.Get(name)
	s.bus.Publish(eventbus.Event{Type: eventbus.PluginRegistered, Data: e.descriptor()})
	s.log.Info("plugin.registered",
		logx.String("plugin", name),
		logx.Strings("dependencies", p.Dependencies()),
		logx.Any("capabilities", e.caps),
	)
	return nil
}

func (s *Scheduler) entry(name string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[name]
	return e, ok
}

func (s *Scheduler) all() []*entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*entry, 0, len(s.order))
	for _, n := range s.order {
		out = append(out, s.entries[n])
	}
	return out
}

// Plugin implements recovery.Host.
func (s *Scheduler) Plugin(name string) (plugin.Plugin, bool) {
	e, ok := s.entry(name)
	if !ok {
		return nil, false
	}
	return e.p, true
}

// Descriptors lists every plugin in registration order.
func (s *Scheduler) Descriptors() []Descriptor {
	entries := s.all()
	out := make([]Descriptor, len(entries))
	for i, e := range entries {
		out[i] = e.descriptor()
	}
	return out
}

func (s *Scheduler) Descriptor(name string) (Descriptor, bool) {
	e, ok := s.entry(name)
	if !ok {
		return Descriptor{}, false
	}
	return e.descriptor(), true
}

// Plan is the current sequential order and parallel levels.
func (s *Scheduler) Plan() Plan {
	g := s.graph.Load()
	return Plan{Order: g.TopologicalOrder(), Levels: g.ExecutionLevels()}
}

// HealthTargets implements health.Source: initialized plugins that are
// neither isolated nor shut down.
func (s *Scheduler) HealthTargets() []plugin.Plugin {
	var out []plugin.Plugin
	for _, e := range s.all() {
		e.mu.Lock()
		ok := !e.isolated && !e.initFailed && !e.closed && e.state != StateRegistered
		e.mu.Unlock()
		if ok {
			out = append(out, e.p)
		}
	}
	return out
}

// StartMonitoring starts the background health loop.
func (s *Scheduler) StartMonitoring(ctx context.Context) {
	if s.shut.Load() {
		return
	}
	s.monitor.Start(ctx)
}

// SystemMetrics aggregates plugin metrics, breaker state and health.
func (s *Scheduler) SystemMetrics(ctx context.Context) SystemMetrics {
	sm := SystemMetrics{
		Plugins:      s.metrics.All(),
		Breakers:     s.breakers.Snapshot(),
		OpenCircuits: []string{},
		Isolated:     []string{},
		HealthScore:  s.monitor.Score(ctx),
		Monitoring:   s.monitor.Running(),
	}
	for _, m := range sm.Plugins {
		sm.TotalExecutions += m.TotalExecutions
		sm.SuccessfulExecutions += m.SuccessfulRuns
		sm.FailedExecutions += m.FailedRuns
	}
	if sm.TotalExecutions > 0 {
		sm.SuccessRate = float64(sm.SuccessfulExecutions) / float64(sm.TotalExecutions)
	}
	for _, b := range sm.Breakers {
		if b.State != resilience.StateClosed {
			sm.OpenCircuits = append(sm.OpenCircuits, b.Name)
		}
	}
	for _, d := range s.Descriptors() {
		sm.TotalPlugins++
		if d.Isolated {
			sm.Isolated = append(sm.Isolated, d.Name)
		}
	}
	slices.Sort(sm.Isolated)
	if s.recover != nil {
		if rate, ok := s.recover.OverallSuccessRate(ctx); ok {
			sm.RecoveryRate = &rate
		}
	}
	return sm
}
