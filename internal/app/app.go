// Package app wires the agentd components together from one configuration
// file and owns their start and stop order.
package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"agentd/internal/config"
	"agentd/internal/eventbus"
	"agentd/internal/health"
	"agentd/internal/httpapi"
	"agentd/internal/metrics"
	"agentd/internal/notifier"
	"agentd/internal/plugin"
	"agentd/internal/recovery"
	"agentd/internal/runtime/supervisor"
	"agentd/internal/scheduler"
	"agentd/internal/storage"
	"agentd/internal/trigger"
	"agentd/pkg/logx"
)

const (
	triggerRunAll = "run_all"
	triggerPrune  = "prune"
)

// Sections whose changes only take effect after a restart.
var restartSections = []string{"storage", "notifier", "http", "scheduler", "retry", "circuit_breaker", "health", "recovery"}

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	reg   *prometheus.Registry

	sched    *scheduler.Scheduler
	disp     *recovery.Dispatcher
	notif    *notifier.Service
	triggers *trigger.Service
	http     *httpapi.Server

	catalog []NamedFactory
	plugins []string
}

type options struct {
	catalog []NamedFactory
	onCycle func(health.Summary)
	lookup  func(string) (string, bool)
	sender  notifier.Sender
}

type Option func(*options)

// WithCatalog replaces the builtin plugin catalog.
func WithCatalog(c []NamedFactory) Option { return func(o *options) { o.catalog = c } }

// WithHealthCycle is called after every health monitoring cycle.
func WithHealthCycle(fn func(health.Summary)) Option { return func(o *options) { o.onCycle = fn } }

func WithLookupEnv(fn func(string) (string, bool)) Option { return func(o *options) { o.lookup = fn } }

// WithSender delivers alerts through s instead of Telegram.
func WithSender(s notifier.Sender) Option { return func(o *options) { o.sender = s } }

func New(cfgPath string, opts ...Option) (*App, error) {
	o := options{catalog: Builtin()}
	for _, fn := range opts {
		fn(&o)
	}

	var mopts []config.Option
	if o.lookup != nil {
		mopts = append(mopts, config.WithLookupEnv(o.lookup))
	}
	cfgm := config.NewManager(cfgPath, mopts...)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.NewService(mapLogging(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc := mapStorage(cfg)
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage.opened", logx.String("driver", sc.Driver))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	ncfg, tcfg := mapNotifier(cfg)
	sender := o.sender
	if sender == nil && ncfg.Enabled {
		tg, err := notifier.NewTelegram(tcfg)
		if err != nil {
			log.Warn("notifier.disabled", logx.Err(err))
			ncfg.Enabled = false
		} else {
			sender = tg
		}
	}
	notif := notifier.New(ncfg, sender, log.With(logx.String("comp", "notifier")), bus)

	dopts := []recovery.Option{
		recovery.WithLogger(log.With(logx.String("comp", "recovery"))),
		recovery.WithBus(bus),
		recovery.WithObserver(collector),
		recovery.WithStrategies(recovery.DefaultStrategies(mapRecoveryRetry(cfg))...),
	}
	if notif.Enabled() {
		dopts = append(dopts, recovery.WithAlerter(notif))
	}
	disp := recovery.NewDispatcher(mapRecovery(cfg), store, dopts...)

	sopts := []scheduler.Option{
		scheduler.WithLogger(log.With(logx.String("comp", "scheduler"))),
		scheduler.WithBus(bus),
		scheduler.WithMetrics(metrics.NewRegistry(collector)),
		scheduler.WithRecovery(disp),
		scheduler.WithConfigSource(cfgm),
	}
	if o.onCycle != nil {
		sopts = append(sopts, scheduler.WithHealthOptions(health.WithOnCycle(o.onCycle)))
	}
	sched := scheduler.New(mapScheduler(cfg), sopts...)

	registered, err := registerEnabled(sched, o.catalog, cfg)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	a := &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		reg:      reg,
		sched:    sched,
		disp:     disp,
		notif:    notif,
		triggers: trigger.New(trigger.WithLogger(log.With(logx.String("comp", "trigger")))),
		catalog:  o.catalog,
		plugins:  registered,
	}
	if cfg.HTTP.Enabled {
		a.http = httpapi.New(mapHTTP(cfg), sched,
			httpapi.WithLogger(log),
			httpapi.WithGatherer(reg),
			httpapi.WithFailureLog(disp),
		)
	}
	return a, nil
}

func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }
func (a *App) Config() *config.Config          { return a.cfgm.Get() }

// HTTPAddr is the bound API address, or "" when the API is off.
func (a *App) HTTPAddr() string {
	if a.http == nil {
		return ""
	}
	return a.http.Addr()
}

func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetValidator(a.validate)
	c := a.sup.Context()

	report := a.sched.InitializeAll(c)
	if err := report.Err(); err != nil {
		a.log.Warn("plugins.init_failed", logx.Err(err), logx.Int("initialized", len(report.Initialized)))
	}

	a.notif.Start(c)
	a.sched.StartMonitoring(c)

	if err := a.installTriggers(a.cfgm.Get()); err != nil {
		return err
	}
	if err := a.triggers.Start(c); err != nil {
		return err
	}
	if a.http != nil {
		if err := a.http.Start(c); err != nil {
			return err
		}
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// coalesce bursts, apply only the newest
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app.started", logx.Strings("plugins", a.plugins))
	return nil
}

// validate runs before a reloaded config is committed.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	known := make(map[string]bool, len(a.catalog))
	for _, f := range a.catalog {
		known[f.Name] = true
	}
	var errs []error
	for name, p := range cfg.Plugins {
		if p.Enabled && !known[name] {
			errs = append(errs, fmt.Errorf("plugins.%s: unknown plugin", name))
		}
	}
	for _, s := range []struct{ path, raw string }{
		{"triggers.run_all.schedule", cfg.Triggers.RunAll.Schedule},
		{"triggers.prune.schedule", cfg.Triggers.Prune.Schedule},
	} {
		if strings.TrimSpace(s.raw) == "" {
			continue
		}
		if _, err := trigger.ParseSchedule(s.raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.path, err))
		}
	}
	return errors.Join(errs...)
}

func (a *App) installTriggers(cfg *config.Config) error {
	if s := strings.TrimSpace(cfg.Triggers.RunAll.Schedule); s != "" {
		mode, err := scheduler.ParseMode(cfg.Triggers.RunAll.Mode)
		if err != nil {
			return err
		}
		err = a.triggers.Add(triggerRunAll, s, 0, func(ctx context.Context) error {
			res, err := a.sched.RunAll(ctx, mode)
			if err != nil {
				return err
			}
			a.log.Info("batch.done",
				logx.String("mode", string(res.Mode)),
				logx.Int("succeeded", res.Succeeded),
				logx.Int("failed", res.Failed),
				logx.Int("skipped", res.Skipped),
				logx.Float64("duration_ms", res.DurationMs),
			)
			return nil
		})
		if err != nil {
			return fmt.Errorf("triggers.run_all: %w", err)
		}
	} else {
		a.triggers.Remove(triggerRunAll)
	}

	if s := strings.TrimSpace(cfg.Triggers.Prune.Schedule); s != "" {
		err := a.triggers.Add(triggerPrune, s, time.Minute, func(ctx context.Context) error {
			n, err := a.disp.Prune(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				a.log.Info("history.pruned", logx.Int("removed", n))
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("triggers.prune: %w", err)
		}
	} else {
		a.triggers.Remove(triggerPrune)
	}
	return nil
}

func (a *App) applyConfig(ctx context.Context, last, next *config.Config) {
	sections, attrs, changedPlugins := config.SummarizeChange(last, next)
	if len(sections) == 0 {
		a.log.Debug("config.reload_noop")
		return
	}

	a.logs.Apply(mapLogging(next))

	if slices.Contains(sections, "triggers") {
		if err := a.installTriggers(next); err != nil {
			a.log.Warn("triggers.reconfigure_failed", logx.Err(err))
		}
	}

	var pending []string
	for _, s := range sections {
		if slices.Contains(restartSections, s) {
			pending = append(pending, s)
		}
	}
	if len(pending) > 0 {
		a.log.Warn("config.restart_required", logx.String("sections", strings.Join(pending, ",")))
	}

	for _, name := range changedPlugins {
		a.reconfigurePlugin(ctx, last, next, name)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config.applied", fields...)
	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: sections})
}

// reconfigurePlugin pushes a changed config blob into a running plugin.
// Enabling or disabling a plugin needs a restart.
func (a *App) reconfigurePlugin(ctx context.Context, last, next *config.Config, name string) {
	if last.PluginEnabled(name) != next.PluginEnabled(name) {
		a.log.Warn("plugin.restart_required", logx.String("plugin", name), logx.Bool("enabled", next.PluginEnabled(name)))
		return
	}
	p, ok := a.sched.Plugin(name)
	if !ok {
		return
	}
	c, ok := p.(plugin.Configurable)
	if !ok {
		a.log.Info("plugin.config_changed", logx.String("plugin", name), logx.String("note", "applies on next restart"))
		return
	}
	cctx, cancel := context.WithTimeout(ctx, a.sched.Config().InitTimeout)
	defer cancel()
	if err := c.Configure(cctx, next.Plugins[name].Config); err != nil {
		a.log.Warn("plugin.reconfigure_failed", logx.String("plugin", name), logx.Err(err))
		return
	}
	a.log.Info("plugin.reconfigured", logx.String("plugin", name))
}

// Close releases storage and log sinks of an app that was never started.
func (a *App) Close() error {
	return errors.Join(a.store.Close(), a.logs.Close())
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("app.stopping", logx.String("reason", string(reason)))

	a.sup.Cancel()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() { done <- fn(stepCtx) }()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop.step_error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop.step_done", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop.step_deadline", logx.String("name", name), logx.Duration("max", limit))
			go func() {
				err := <-done
				a.log.Info("stop.step_finished_late", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
			}()
		}
	}

	step("triggers", 2*time.Second, func(c context.Context) error { a.triggers.Stop(c); return nil })
	step("http", 2*time.Second, func(c context.Context) error {
		if a.http == nil {
			return nil
		}
		return a.http.Stop(c)
	})
	// plugins stop concurrently, each under its own shutdown timeout
	step("scheduler", a.sched.Config().ShutdownTimeout+time.Second, func(c context.Context) error {
		a.sched.Shutdown(c)
		return nil
	})
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("app.stopped")
	return a.logs.Close()
}
