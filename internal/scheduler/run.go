package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"agentd/internal/eventbus"
	"agentd/internal/graph"
	"agentd/internal/plugin"
	"agentd/internal/resilience"
	"agentd/pkg/logx"
)

func (e *entry) begin() {
	e.mu.Lock()
	e.inflight++
	if e.state == StateInitialized {
		e.state = StateRunning
	}
	e.mu.Unlock()
}

func (e *entry) end() {
	e.mu.Lock()
	e.inflight--
	if e.inflight == 0 && e.state == StateRunning {
		e.state = StateInitialized
	}
	e.mu.Unlock()
}

// unavailable reports why e must not run, or nil.
func (e *entry) unavailable() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.closed:
		return ErrShutDown
	case e.isolated:
		return fmt.Errorf("%w: %s", ErrPluginIsolated, e.isolatedReason)
	case e.initFailed:
		return &PluginLoadError{Plugin: e.p.Name(), Err: errors.New(e.initErr)}
	}
	return nil
}

// RunOne executes one plugin. The call is wrapped, outside in, by the
// concurrency limit, the plugin's circuit breaker, the retry policy and the
// timeout. Timeouts, cancellation and an open circuit are reported as they
// are; any other failure goes to the recovery dispatcher, and a successful
// recovery earns exactly one more attempt. A zero timeout uses the
// configured agent timeout.
func (s *Scheduler) RunOne(ctx context.Context, name string, timeout time.Duration) ExecutionResult {
	res := ExecutionResult{Plugin: name}
	e, ok := s.entry(name)
	if !ok {
		res.Status = StatusFailed
		res.Err = &ExecutionError{Plugin: name, Cause: ErrUnknownPlugin}
		return res
	}
	if err := e.unavailable(); err != nil {
		res.Status = StatusSkipped
		res.Err = &ExecutionError{Plugin: name, Cause: err}
		return res
	}
	if timeout <= 0 {
		timeout = s.cfg.AgentTimeout
	}

	if err := ctx.Err(); err != nil {
		res.Status = StatusCancelled
		res.Err = &ExecutionError{Plugin: name, Cause: err}
		return res
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		res.Status = StatusCancelled
		res.Err = &ExecutionError{Plugin: name, Cause: err}
		return res
	}
	defer s.sem.Release(1)

	e.begin()
	defer e.end()
	start := time.Now()

	data, attempts, err := s.guarded(ctx, e, timeout, s.cfg.Retry)
	res.Attempts = attempts
	status := statusOf(ctx, err)

	if status == StatusFailed && s.recover != nil && !errors.Is(err, resilience.ErrCircuitOpen) {
		out := s.recover.Handle(ctx, s, name, err)
		res.IncidentID = out.IncidentID
		if out.Recovered {
			res.Recovered = true
			var n int
			data, n, err = s.guarded(ctx, e, timeout, resilience.RetryPolicy{MaxAttempts: 1})
			res.Attempts += n
			status = statusOf(ctx, err)
		}
	}

	latency := time.Since(start)
	res.Status = status
	res.LatencyMs = float64(latency.Microseconds()) / 1000
	if status == StatusSuccess {
		res.Data = data
	} else {
		res.Err = &ExecutionError{Plugin: name, Cause: err}
	}
	s.metrics.RecordRun(name, string(status), status == StatusSuccess, latency, start)
	s.bus.Publish(eventbus.Event{Type: eventbus.PluginRun, Data: res})

	if status == StatusSuccess {
		s.log.Debug("plugin.run", logx.String("plugin", name), logx.Float64("latency_ms", res.LatencyMs), logx.Int("attempts", res.Attempts))
	} else {
		s.log.Warn("plugin.run_failed",
			logx.String("plugin", name),
			logx.String("status", string(status)),
			logx.Int("attempts", res.Attempts),
			logx.Bool("recovered", res.Recovered),
			logx.Err(err),
		)
	}
	return res
}

// guarded runs the plugin through its breaker and the given retry policy.
func (s *Scheduler) guarded(ctx context.Context, e *entry, timeout time.Duration, retry resilience.RetryPolicy) (any, int, error) {
	name := e.p.Name()
	br := s.breakers.Get(name)

	var (
		data     any
		attempts int
	)
	call := func(ctx context.Context) error {
		out, err := plugin.CallValue(ctx, "run."+name, timeout, 0, e.p.Run)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return resilience.Permanent(err)
			}
			return err
		}
		data = out
		return nil
	}
	err := br.Call(ctx, func(ctx context.Context) error {
		n, err := retry.Invoke(ctx, call)
		attempts = n
		return err
	})
	if c := s.metrics.Collector(); c != nil {
		c.ObserveBreaker(name, br.State())
	}
	return data, attempts, err
}

func statusOf(ctx context.Context, err error) Status {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, resilience.ErrCircuitOpen):
		return StatusFailed
	case ctx.Err() != nil, errors.Is(err, context.Canceled):
		return StatusCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return StatusTimeout
	default:
		return StatusFailed
	}
}

// RunAll runs every registered plugin in dependency order. Sequential mode
// follows the topological order; parallel mode runs each execution level
// concurrently and waits for the whole level before starting the next.
func (s *Scheduler) RunAll(ctx context.Context, mode Mode) (BatchResult, error) {
	if mode == "" {
		mode = Parallel
	}
	if mode != Sequential && mode != Parallel {
		return BatchResult{}, fmt.Errorf("run all: unknown mode %q", mode)
	}
	g := s.graph.Load()
	batch := BatchResult{Mode: mode, StartedAt: time.Now()}

	var mu sync.Mutex
	results := make(map[string]ExecutionResult, g.Len())
	lookup := func(name string) (ExecutionResult, bool) {
		mu.Lock()
		defer mu.Unlock()
		r, ok := results[name]
		return r, ok
	}
	runNode := func(name string) ExecutionResult {
		if r, skip := s.precheck(ctx, g, name, lookup); skip {
			return r
		}
		return s.RunOne(ctx, name, 0)
	}

	switch mode {
	case Sequential:
		for _, name := range g.TopologicalOrder() {
			r := runNode(name)
			mu.Lock()
			results[name] = r
			mu.Unlock()
			batch.add(r)
		}
	case Parallel:
		for _, level := range g.ExecutionLevels() {
			var eg errgroup.Group
			for _, name := range level {
				eg.Go(func() error {
					r := runNode(name)
					mu.Lock()
					results[name] = r
					mu.Unlock()
					return nil
				})
			}
			_ = eg.Wait()
			for _, name := range level {
				batch.add(results[name])
			}
		}
	}

	batch.DurationMs = float64(time.Since(batch.StartedAt).Microseconds()) / 1000
	s.log.Info("scheduler.run_all",
		logx.String("mode", string(mode)),
		logx.Int("succeeded", batch.Succeeded),
		logx.Int("failed", batch.Failed),
		logx.Int("skipped", batch.Skipped),
		logx.Float64("duration_ms", batch.DurationMs),
	)
	return batch, nil
}

// precheck decides whether name runs at all in this batch.
func (s *Scheduler) precheck(ctx context.Context, g *graph.Graph, name string, lookup func(string) (ExecutionResult, bool)) (ExecutionResult, bool) {
	if err := ctx.Err(); err != nil {
		return ExecutionResult{Plugin: name, Status: StatusCancelled, Err: &ExecutionError{Plugin: name, Cause: err}}, true
	}
	if s.cfg.DependencyFailure != SkipDependents {
		return ExecutionResult{}, false
	}
	node, _ := g.Node(name)
	for _, dep := range node.Dependencies {
		if r, ok := lookup(dep); ok && r.Status != StatusSuccess {
			return ExecutionResult{
				Plugin: name,
				Status: StatusSkipped,
				Err:    &ExecutionError{Plugin: name, Cause: fmt.Errorf("%w: %s", ErrDependency, dep)},
			}, true
		}
	}
	return ExecutionResult{}, false
}
