package recovery

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentd/internal/eventbus"
	"agentd/internal/failure"
	"agentd/internal/plugin"
	"agentd/pkg/logx"
)

// defaultRate is assumed for a (strategy, plugin) pair with no history.
const defaultRate = 0.5

type Config struct {
	Severity failure.SeverityPolicy
	// Retention bounds how long failure events are kept.
	Retention time.Duration
	// HistoryLimit is how many recent actions an incident report carries.
	HistoryLimit int
	// StrategyTimeout bounds a single strategy execution.
	StrategyTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Retention <= 0 {
		c.Retention = 30 * 24 * time.Hour
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 5
	}
	if c.StrategyTimeout <= 0 {
		c.StrategyTimeout = 30 * time.Second
	}
	c.Severity = c.Severity.WithDefaults()
	return c
}

// Observer is told about every recovery action and escalation.
type Observer interface {
	ObserveRecovery(a Action)
	ObserveEscalation(plugin string, sev failure.Severity)
}

type Dispatcher struct {
	cfg        Config
	history    History
	strategies []Strategy
	log        logx.Logger
	bus        eventbus.Bus
	alerter    Alerter
	observer   Observer
	now        func() time.Time

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

type Option func(*Dispatcher)

func WithLogger(log logx.Logger) Option     { return func(d *Dispatcher) { d.log = log } }
func WithBus(bus eventbus.Bus) Option       { return func(d *Dispatcher) { d.bus = bus } }
func WithAlerter(a Alerter) Option          { return func(d *Dispatcher) { d.alerter = a } }
func WithObserver(o Observer) Option        { return func(d *Dispatcher) { d.observer = o } }
func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

// WithStrategies replaces the strategy list. Order breaks success-rate ties.
func WithStrategies(s ...Strategy) Option {
	return func(d *Dispatcher) { d.strategies = s }
}

func NewDispatcher(cfg Config, history History, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		cfg:     cfg.withDefaults(),
		history: history,
		log:     logx.Nop(),
		bus:     eventbus.Nop(),
		now:     time.Now,
		locks:   map[string]*sync.Mutex{},
	}
	for _, o := range opts {
		o(d)
	}
	if d.strategies == nil {
		d.strategies = DefaultStrategies(defaultRetryPolicy)
	}
	return d
}

func (d *Dispatcher) lockFor(name string) *sync.Mutex {
	d.locksMu.Lock()
	defer d.locksMu.Unlock()
	mu := d.locks[name]
	if mu == nil {
		mu = &sync.Mutex{}
		d.locks[name] = mu
	}
	return mu
}

// Handle records the failure of name caused by cause, runs the best
// matching strategy and escalates when it fails or nothing matches.
// Handle never returns an error; problems with persistence are logged.
func (d *Dispatcher) Handle(ctx context.Context, host Host, name string, cause error) Outcome {
	mu := d.lockFor(name)
	mu.Lock()
	defer mu.Unlock()

	log := d.log.With(logx.String("plugin", name))
	now := d.now()

	kind := failure.Classify(cause)
	recent, err := d.history.Failures(ctx, FailureQuery{Plugin: name, Since: now.Add(-d.cfg.Severity.Window)})
	if err != nil {
		log.Warn("recovery.history_read_failed", logx.Err(err))
	}
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	ev := failure.NewEvent(name, kind, msg, now)
	ev.Severity = d.cfg.Severity.Assess(name, kind, recent, now)
	if err := d.history.AppendFailure(ctx, ev); err != nil {
		log.Warn("recovery.failure_persist_failed", logx.Err(err))
	}
	log.Warn("recovery.failure_recorded",
		logx.String("kind", string(kind)),
		logx.String("severity", string(ev.Severity)),
		logx.String("failure_id", ev.ID),
		logx.Err(cause),
	)

	out := Outcome{Event: ev}
	p, ok := host.Plugin(name)
	if !ok {
		out.Escalated = true
		out.IncidentID = d.escalate(ctx, host, ev, "plugin is not registered")
		return out
	}

	strategy := d.selectStrategy(ctx, ev, p)
	if strategy == nil {
		out.Escalated = true
		out.IncidentID = d.escalate(ctx, host, ev, "no recovery strategy matched")
		return out
	}

	action := d.execute(ctx, strategy, Request{Event: ev, Cause: cause, Plugin: p, Host: host})
	out.Action = &action
	if action.Success {
		ev.Resolve(string(strategy.Name()), d.now())
		if err := d.history.UpdateFailure(ctx, ev); err != nil {
			log.Warn("recovery.failure_update_failed", logx.Err(err))
		}
		out.Event = ev
		out.Recovered = true
		return out
	}

	out.Escalated = true
	out.IncidentID = d.escalate(ctx, host, ev, fmt.Sprintf("%s strategy failed: %s", strategy.Name(), action.Notes))
	return out
}

// selectStrategy returns the applicable strategy with the best success
// rate, or nil.
func (d *Dispatcher) selectStrategy(ctx context.Context, ev failure.Event, p plugin.Plugin) Strategy {
	type candidate struct {
		s    Strategy
		rate float64
	}
	var cands []candidate
	for _, s := range d.strategies {
		if s.CanHandle(ev, p) {
			cands = append(cands, candidate{s: s, rate: d.SuccessRate(ctx, s.Name(), ev.Plugin)})
		}
	}
	if len(cands) == 0 {
		return nil
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].rate > cands[j].rate })
	d.log.Debug("recovery.strategy_selected",
		logx.String("plugin", ev.Plugin),
		logx.String("strategy", string(cands[0].s.Name())),
		logx.Float64("success_rate", cands[0].rate),
		logx.Int("candidates", len(cands)),
	)
	return cands[0].s
}

func (d *Dispatcher) execute(ctx context.Context, s Strategy, req Request) Action {
	start := d.now()
	notes, err := plugin.CallValue(ctx, "recovery."+string(s.Name()), d.cfg.StrategyTimeout, 0, func(ctx context.Context) (string, error) {
		return s.Recover(ctx, req)
	})
	a := Action{
		ID:              uuid.NewString(),
		Strategy:        s.Name(),
		Plugin:          req.Event.Plugin,
		FailureID:       req.Event.ID,
		Timestamp:       start.UTC(),
		Success:         err == nil,
		ExecutionTimeMs: float64(d.now().Sub(start).Microseconds()) / 1000,
		Notes:           notes,
	}
	if err != nil {
		a.Notes = err.Error()
	}
	if perr := d.history.AppendAction(ctx, a); perr != nil {
		d.log.Warn("recovery.action_persist_failed", logx.String("plugin", a.Plugin), logx.Err(perr))
	}
	if d.observer != nil {
		d.observer.ObserveRecovery(a)
	}
	d.bus.Publish(eventbus.Event{Type: eventbus.RecoveryAttempted, Data: a})

	lvl := d.log.Info
	if !a.Success {
		lvl = d.log.Warn
	}
	lvl("recovery.attempted",
		logx.String("plugin", a.Plugin),
		logx.String("strategy", string(a.Strategy)),
		logx.Bool("success", a.Success),
		logx.Float64("took_ms", a.ExecutionTimeMs),
		logx.String("notes", a.Notes),
	)
	return a
}

// SuccessRate is the fraction of successful actions of strategy on plugin,
// or 0.5 when there is no history.
func (d *Dispatcher) SuccessRate(ctx context.Context, strategy StrategyName, name string) float64 {
	actions, err := d.history.Actions(ctx, name, 0)
	if err != nil {
		return defaultRate
	}
	total, ok := 0, 0
	for _, a := range actions {
		if a.Strategy != strategy {
			continue
		}
		total++
		if a.Success {
			ok++
		}
	}
	if total == 0 {
		return defaultRate
	}
	return float64(ok) / float64(total)
}

// OverallSuccessRate is the success fraction across every recorded action.
// The second result is false when nothing has been recorded.
func (d *Dispatcher) OverallSuccessRate(ctx context.Context) (float64, bool) {
	actions, err := d.history.Actions(ctx, "", 0)
	if err != nil || len(actions) == 0 {
		return 0, false
	}
	ok := 0
	for _, a := range actions {
		if a.Success {
			ok++
		}
	}
	return float64(ok) / float64(len(actions)), true
}

// Prune drops failure events older than the retention window.
func (d *Dispatcher) Prune(ctx context.Context) (int, error) {
	cutoff := d.now().Add(-d.cfg.Retention)
	n, err := d.history.PruneFailures(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune failures: %w", err)
	}
	if n > 0 {
		d.log.Info("recovery.pruned", logx.Int("removed", n), logx.Time("before", cutoff))
	}
	return n, nil
}

// Failures lists failure events for plugin (all when empty), newest first.
func (d *Dispatcher) Failures(ctx context.Context, name string, limit int) ([]failure.Event, error) {
	evs, err := d.history.Failures(ctx, FailureQuery{Plugin: name, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("list failures: %w", err)
	}
	return evs, nil
}

// Strategies lists the configured strategy names in tie-break order.
func (d *Dispatcher) Strategies() []StrategyName {
	out := make([]StrategyName, len(d.strategies))
	for i, s := range d.strategies {
		out[i] = s.Name()
	}
	return out
}
