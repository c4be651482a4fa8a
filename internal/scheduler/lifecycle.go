package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"agentd/internal/eventbus"
	"agentd/internal/plugin"
	"agentd/pkg/logx"
)

type lifecycleEvent struct {
	Plugin string `json:"plugin"`
	Reason string `json:"reason,omitempty"`
	Err    string `json:"err,omitempty"`
	TookMS int64  `json:"took_ms,omitempty"`
}

func (s *Scheduler) emit(typ string, ev lifecycleEvent) {
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

func (s *Scheduler) pluginConfig(name string) json.RawMessage {
	if s.cfgSrc == nil {
		return nil
	}
	return s.cfgSrc.PluginConfig(name)
}

// InitializeAll initializes every registered plugin that is not yet
// initialized, concurrently. A failing plugin is marked and reported; it
// never stops the others.
func (s *Scheduler) InitializeAll(ctx context.Context) InitReport {
	var (
		mu  sync.Mutex
		rep InitReport
		wg  sync.WaitGroup
	)
	for _, e := range s.all() {
		e.mu.Lock()
		pending := e.state == StateRegistered && !e.closed
		e.mu.Unlock()
		if !pending {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.initOne(ctx, e)
			mu.Lock()
			defer mu.Unlock()
			var le *PluginLoadError
			if errors.As(err, &le) {
				rep.Failed = append(rep.Failed, le)
				return
			}
			rep.Initialized = append(rep.Initialized, e.p.Name())
		}()
	}
	wg.Wait()

	s.log.Info("plugins.initialized",
		logx.Int("ok", len(rep.Initialized)),
		logx.Int("failed", len(rep.Failed)),
	)
	return rep
}

func (s *Scheduler) initOne(ctx context.Context, e *entry) error {
	name := e.p.Name()
	env := plugin.Env{
		Logger: s.log.With(logx.String("plugin", name)),
		Config: s.pluginConfig(name),
		Bus:    s.bus,
	}
	start := time.Now()
	err := plugin.CallWithTimeout(ctx, "init."+name, s.cfg.InitTimeout, 0, func(ctx context.Context) error {
		return e.p.Initialize(ctx, env)
	})
	took := time.Since(start)

	e.mu.Lock()
	if err != nil {
		e.initFailed = true
		e.initErr = err.Error()
		e.state = StateRegistered
	} else {
		e.initFailed = false
		e.initErr = ""
		e.state = StateInitialized
	}
	e.mu.Unlock()

	if err != nil {
		le := &PluginLoadError{Plugin: name, Err: err}
		s.log.Error("plugin.init_failed", logx.String("plugin", name), logx.Duration("took", took), logx.Err(err))
		s.emit(eventbus.PluginInitFailed, lifecycleEvent{Plugin: name, Err: err.Error(), TookMS: took.Milliseconds()})
		return le
	}
	s.log.Info("plugin.initialized", logx.String("plugin", name), logx.Duration("took", took))
	s.emit(eventbus.PluginInitialized, lifecycleEvent{Plugin: name, TookMS: took.Milliseconds()})
	return nil
}

func (s *Scheduler) shutdownOne(ctx context.Context, e *entry, reason string) error {
	name := e.p.Name()
	start := time.Now()
	err := plugin.CallWithTimeout(ctx, "shutdown."+name, s.cfg.ShutdownTimeout, 0, e.p.Shutdown)
	took := time.Since(start)
	if err != nil {
		s.log.Warn("plugin.shutdown_failed", logx.String("plugin", name), logx.String("reason", reason), logx.Duration("took", took), logx.Err(err))
	} else {
		s.log.Info("plugin.shutdown", logx.String("plugin", name), logx.String("reason", reason), logx.Duration("took", took))
	}
	ev := lifecycleEvent{Plugin: name, Reason: reason, TookMS: took.Milliseconds()}
	if err != nil {
		ev.Err = err.Error()
	}
	s.emit(eventbus.PluginShutdown, ev)
	return err
}

// Shutdown stops health monitoring, then shuts every plugin down exactly
// once, concurrently, each bounded by the shutdown timeout. Errors are
// logged. Later calls are no-ops.
func (s *Scheduler) Shutdown(ctx context.Context) {
	s.shutOnce.Do(func() {
		s.shut.Store(true)
		if err := s.monitor.Stop(ctx); err != nil {
			s.log.Warn("health.monitor_stop_failed", logx.Err(err))
		}

		var wg sync.WaitGroup
		for _, e := range s.all() {
			e.mu.Lock()
			if e.closed {
				e.mu.Unlock()
				continue
			}
			e.closed = true
			e.mu.Unlock()

			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = s.shutdownOne(ctx, e, "shutdown")
				e.mu.Lock()
				e.state = StateShutDown
				e.mu.Unlock()
			}()
		}
		wg.Wait()
		s.log.Info("scheduler.shutdown_complete")
	})
}

// Restart implements recovery.Host: shut the plugin down and initialize it
// again with its current config.
func (s *Scheduler) Restart(ctx context.Context, name string) error {
	e, ok := s.entry(name)
	if !ok {
		return ErrUnknownPlugin
	}
	if s.shut.Load() {
		return ErrShutDown
	}
	// A plugin that fails to stop cleanly still gets a fresh Initialize.
	_ = s.shutdownOne(ctx, e, "restart")
	e.mu.Lock()
	e.state = StateRegistered
	e.mu.Unlock()
	return s.initOne(ctx, e)
}

// Invoke implements recovery.Host: one bare Run bounded by the agent
// timeout, outside breaker, retry, recovery and the concurrency limit.
func (s *Scheduler) Invoke(ctx context.Context, name string) error {
	e, ok := s.entry(name)
	if !ok {
		return ErrUnknownPlugin
	}
	return plugin.CallWithTimeout(ctx, "invoke."+name, s.cfg.AgentTimeout, 0, func(ctx context.Context) error {
		_, err := e.p.Run(ctx)
		return err
	})
}

// SetFallback implements recovery.Host.
func (s *Scheduler) SetFallback(name string, on bool) {
	if e, ok := s.entry(name); ok {
		e.mu.Lock()
		e.fallback = on
		e.mu.Unlock()
		s.log.Info("plugin.fallback", logx.String("plugin", name), logx.Bool("enabled", on))
	}
}

// ReloadConfig implements recovery.Host.
func (s *Scheduler) ReloadConfig(ctx context.Context, name string) (json.RawMessage, error) {
	if s.cfgSrc == nil {
		return nil, ErrNoConfigSource
	}
	if _, ok := s.entry(name); !ok {
		return nil, ErrUnknownPlugin
	}
	if err := s.cfgSrc.Reload(ctx); err != nil {
		return nil, fmt.Errorf("reload configuration: %w", err)
	}
	return s.cfgSrc.PluginConfig(name), nil
}

// Isolate implements recovery.Host: the plugin is taken out of rotation
// until Reinstate.
func (s *Scheduler) Isolate(name, reason string) {
	e, ok := s.entry(name)
	if !ok {
		return
	}
	e.mu.Lock()
	already := e.isolated
	e.isolated = true
	e.isolatedReason = reason
	e.isolatedAt = s.now()
	e.mu.Unlock()
	if already {
		return
	}
	s.log.Error("plugin.isolated", logx.String("plugin", name), logx.String("reason", reason))
	s.emit(eventbus.PluginIsolated, lifecycleEvent{Plugin: name, Reason: reason})
}

// Reinstate returns an isolated plugin to rotation, clears fallback mode,
// closes its breaker and retries Initialize if that had failed.
func (s *Scheduler) Reinstate(ctx context.Context, name string) error {
	e, ok := s.entry(name)
	if !ok {
		return ErrUnknownPlugin
	}
	if s.shut.Load() {
		return ErrShutDown
	}
	e.mu.Lock()
	e.isolated = false
	e.isolatedReason = ""
	e.isolatedAt = time.Time{}
	e.fallback = false
	reinit := e.initFailed
	e.mu.Unlock()

	s.breakers.Get(name).Reset()
	if c := s.metrics.Collector(); c != nil {
		c.ObserveBreaker(name, s.breakers.Get(name).State())
	}
	s.log.Info("plugin.reinstated", logx.String("plugin", name))
	s.emit(eventbus.PluginReinstated, lifecycleEvent{Plugin: name})
	if reinit {
		return s.initOne(ctx, e)
	}
	return nil
}
