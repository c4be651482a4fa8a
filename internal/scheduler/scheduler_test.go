package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentd/internal/graph"
	"agentd/internal/plugin"
	"agentd/internal/recovery"
	"agentd/internal/resilience"
	"agentd/internal/storage"
)

type fakePlugin struct {
	plugin.Base
	run           func(ctx context.Context) (any, error)
	initErr       error
	shutdownDelay time.Duration

	runs      atomic.Int32
	inits     atomic.Int32
	shutdowns atomic.Int32
}

func newFake(name string, deps ...string) *fakePlugin {
	return &fakePlugin{Base: plugin.NewBase(name, deps...)}
}

func (f *fakePlugin) Initialize(ctx context.Context, env plugin.Env) error {
	f.InitBase(env)
	f.inits.Add(1)
	return f.initErr
}

func (f *fakePlugin) Run(ctx context.Context) (any, error) {
	f.runs.Add(1)
	if f.run != nil {
		return f.run(ctx)
	}
	return f.Name(), nil
}

func (f *fakePlugin) Shutdown(ctx context.Context) error {
	f.shutdowns.Add(1)
	if f.shutdownDelay > 0 {
		select {
		case <-time.After(f.shutdownDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

type stubRecoverer struct {
	mu        sync.Mutex
	handled   []string
	recovered bool
}

func (r *stubRecoverer) Handle(_ context.Context, _ recovery.Host, name string, _ error) recovery.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handled = append(r.handled, name)
	return recovery.Outcome{Recovered: r.recovered}
}

func (r *stubRecoverer) OverallSuccessRate(context.Context) (float64, bool) { return 0, false }

func (r *stubRecoverer) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.handled...)
}

func testConfig() Config {
	return Config{
		MaxConcurrentAgents: 4,
		AgentTimeout:        time.Second,
		ShutdownTimeout:     time.Second,
		Retry:               resilience.RetryPolicy{MaxAttempts: 3, BaseBackoff: time.Millisecond},
	}
}

func mustRegister(t *testing.T, s *Scheduler, ps ...plugin.Plugin) {
	t.Helper()
	for _, p := range ps {
		require.NoError(t, s.Register(p))
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	t.Parallel()

	s := New(testConfig())
	mustRegister(t, s, newFake("a"))
	err := s.Register(newFake("a"))
	require.ErrorIs(t, err, ErrDuplicatePlugin)
	assert.Len(t, s.Descriptors(), 1)
}

func TestRegisterRollsBackCycle(t *testing.T) {
	t.Parallel()

	s := New(testConfig())
	mustRegister(t, s, newFake("a", "b"), newFake("c"))
	err := s.Register(newFake("b", "a"))
	require.ErrorIs(t, err, graph.ErrCycleDetected)

	var ce *graph.CycleError
	require.ErrorAs(t, err, &ce)
	assert.ElementsMatch(t, []string{"a", "b"}, ce.Nodes)

	_, ok := s.Descriptor("b")
	assert.False(t, ok)
	assert.Equal(t, []string{"a", "c"}, s.Plan().Order)
}

func TestRunOneSuccess(t *testing.T) {
	t.Parallel()

	s := New(testConfig())
	p := newFake("echo")
	mustRegister(t, s, p)
	require.NoError(t, s.InitializeAll(context.Background()).Err())

	res := s.RunOne(context.Background(), "echo", 0)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "echo", res.Data)
	assert.Equal(t, 1, res.Attempts)
	assert.NoError(t, res.Err)

	m, ok := s.Metrics().Get("echo")
	require.True(t, ok)
	assert.EqualValues(t, 1, m.TotalExecutions)
	assert.EqualValues(t, 1, m.SuccessfulRuns)

	d, _ := s.Descriptor("echo")
	assert.Equal(t, StateInitialized, d.State)
}

func TestRunOneUnknownPlugin(t *testing.T) {
	t.Parallel()

	res := New(testConfig()).RunOne(context.Background(), "ghost", 0)
	assert.Equal(t, StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, ErrUnknownPlugin)

	var ee *ExecutionError
	require.ErrorAs(t, res.Err, &ee)
	assert.Equal(t, "ghost", ee.Plugin)
}

func TestRunOneTimeoutSkipsRecovery(t *testing.T) {
	t.Parallel()

	rec := &stubRecoverer{recovered: true}
	s := New(testConfig(), WithRecovery(rec))
	p := newFake("slow")
	p.run = func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	mustRegister(t, s, p)

	res := s.RunOne(context.Background(), "slow", 20*time.Millisecond)
	assert.Equal(t, StatusTimeout, res.Status)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
	assert.Equal(t, 1, res.Attempts)
	assert.EqualValues(t, 1, p.runs.Load())
	assert.Empty(t, rec.calls())

	m, _ := s.Metrics().Get("slow")
	assert.EqualValues(t, 1, m.FailedRuns)
	assert.Equal(t, string(StatusTimeout), m.LastStatus)
}

func TestRunOneRecoveryEarnsOneMoreAttempt(t *testing.T) {
	t.Parallel()

	rec := &stubRecoverer{recovered: true}
	s := New(testConfig(), WithRecovery(rec))
	p := newFake("flaky")
	p.run = func(context.Context) (any, error) {
		// Fails through the whole retry budget, then works.
		if p.runs.Load() <= 3 {
			return nil, errors.New("boom")
		}
		return "ok", nil
	}
	mustRegister(t, s, p)

	res := s.RunOne(context.Background(), "flaky", 0)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.True(t, res.Recovered)
	assert.Equal(t, 4, res.Attempts)
	assert.Equal(t, "ok", res.Data)
	assert.Equal(t, []string{"flaky"}, rec.calls())

	m, _ := s.Metrics().Get("flaky")
	assert.EqualValues(t, 1, m.TotalExecutions)
	assert.EqualValues(t, 1, m.SuccessfulRuns)
}

func TestRunOneRecoveryRetryFailsOnce(t *testing.T) {
	t.Parallel()

	rec := &stubRecoverer{recovered: true}
	s := New(testConfig(), WithRecovery(rec))
	p := newFake("broken")
	p.run = func(context.Context) (any, error) { return nil, errors.New("still broken") }
	mustRegister(t, s, p)

	res := s.RunOne(context.Background(), "broken", 0)
	assert.Equal(t, StatusFailed, res.Status)
	assert.True(t, res.Recovered)
	assert.EqualValues(t, 4, p.runs.Load())
	assert.Len(t, rec.calls(), 1)
}

func TestRunOneCircuitOpen(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Retry.MaxAttempts = 1
	cfg.Breaker = resilience.BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour}
	rec := &stubRecoverer{}
	s := New(cfg, WithRecovery(rec))
	p := newFake("p")
	p.run = func(context.Context) (any, error) { return nil, errors.New("boom") }
	mustRegister(t, s, p)

	first := s.RunOne(context.Background(), "p", 0)
	assert.Equal(t, StatusFailed, first.Status)

	second := s.RunOne(context.Background(), "p", 0)
	assert.Equal(t, StatusFailed, second.Status)
	assert.ErrorIs(t, second.Err, resilience.ErrCircuitOpen)
	assert.Equal(t, 0, second.Attempts)
	assert.EqualValues(t, 1, p.runs.Load())
	assert.Len(t, rec.calls(), 1)

	sm := s.SystemMetrics(context.Background())
	assert.Equal(t, []string{"p"}, sm.OpenCircuits)
	assert.EqualValues(t, 2, sm.TotalExecutions)
}

func TestRunOnePanicIsAFailure(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Retry.MaxAttempts = 1
	s := New(cfg)
	p := newFake("p")
	p.run = func(context.Context) (any, error) { panic("kaboom") }
	mustRegister(t, s, p)

	res := s.RunOne(context.Background(), "p", 0)
	assert.Equal(t, StatusFailed, res.Status)
	var pe *plugin.PanicError
	require.ErrorAs(t, res.Err, &pe)
	assert.Equal(t, "kaboom", pe.Value)
}

func TestRunOneCancelledContext(t *testing.T) {
	t.Parallel()

	s := New(testConfig())
	mustRegister(t, s, newFake("p"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := s.RunOne(ctx, "p", 0)
	assert.Equal(t, StatusCancelled, res.Status)
}

type span struct{ start, end time.Time }

func TestRunAllParallelRespectsLevels(t *testing.T) {
	t.Parallel()

	s := New(testConfig())
	var mu sync.Mutex
	spans := map[string]span{}
	mk := func(name string, deps ...string) *fakePlugin {
		p := newFake(name, deps...)
		p.run = func(context.Context) (any, error) {
			st := time.Now()
			time.Sleep(15 * time.Millisecond)
			mu.Lock()
			spans[name] = span{start: st, end: time.Now()}
			mu.Unlock()
			return nil, nil
		}
		return p
	}
	mustRegister(t, s, mk("d", "b", "c"), mk("b", "a"), mk("c", "a"), mk("a"))

	assert.Equal(t, [][]string{{"a"}, {"b", "c"}, {"d"}}, s.Plan().Levels)

	batch, err := s.RunAll(context.Background(), Parallel)
	require.NoError(t, err)
	assert.Equal(t, 4, batch.Succeeded)
	require.Len(t, batch.Results, 4)
	assert.Equal(t, "a", batch.Results[0].Plugin)
	assert.Equal(t, "d", batch.Results[3].Plugin)

	mu.Lock()
	defer mu.Unlock()
	for _, n := range []string{"b", "c"} {
		assert.False(t, spans[n].start.Before(spans["a"].end), "%s started before a finished", n)
		assert.False(t, spans["d"].start.Before(spans[n].end), "d started before %s finished", n)
	}
	// b and c share a level and overlap.
	assert.True(t, spans["b"].start.Before(spans["c"].end) && spans["c"].start.Before(spans["b"].end))
}

func TestRunAllSequentialFollowsTopologicalOrder(t *testing.T) {
	t.Parallel()

	s := New(testConfig())
	var mu sync.Mutex
	var order []string
	for _, p := range []*fakePlugin{newFake("report", "fetch"), newFake("fetch", "auth"), newFake("auth"), newFake("audit")} {
		name := p.Name()
		p.run = func(context.Context) (any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil, nil
		}
		mustRegister(t, s, p)
	}

	batch, err := s.RunAll(context.Background(), Sequential)
	require.NoError(t, err)
	assert.Equal(t, Sequential, batch.Mode)
	assert.Equal(t, []string{"audit", "auth", "fetch", "report"}, order)
}

func TestRunAllBoundsConcurrency(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxConcurrentAgents = 2
	s := New(cfg)

	var cur, peak atomic.Int32
	for _, n := range []string{"p1", "p2", "p3", "p4", "p5", "p6"} {
		p := newFake(n)
		p.run = func(context.Context) (any, error) {
			v := cur.Add(1)
			for {
				old := peak.Load()
				if v <= old || peak.CompareAndSwap(old, v) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			cur.Add(-1)
			return nil, nil
		}
		mustRegister(t, s, p)
	}

	batch, err := s.RunAll(context.Background(), Parallel)
	require.NoError(t, err)
	assert.Equal(t, 6, batch.Succeeded)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.GreaterOrEqual(t, peak.Load(), int32(1))
}

func TestRunAllDependencyPolicy(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		policy DependencyPolicy
		want   Status
	}{
		{RunDependents, StatusSuccess},
		{SkipDependents, StatusSkipped},
	} {
		t.Run(string(tc.policy), func(t *testing.T) {
			cfg := testConfig()
			cfg.Retry.MaxAttempts = 1
			cfg.DependencyFailure = tc.policy
			s := New(cfg)

			src := newFake("source")
			src.run = func(context.Context) (any, error) { return nil, errors.New("boom") }
			mid := newFake("mid", "source")
			leaf := newFake("leaf", "mid")
			mustRegister(t, s, src, mid, leaf)

			batch, err := s.RunAll(context.Background(), Parallel)
			require.NoError(t, err)

			r, _ := batch.Result("source")
			assert.Equal(t, StatusFailed, r.Status)
			r, _ = batch.Result("mid")
			assert.Equal(t, tc.want, r.Status)
			r, _ = batch.Result("leaf")
			assert.Equal(t, tc.want, r.Status)
			if tc.want == StatusSkipped {
				assert.ErrorIs(t, r.Err, ErrDependency)
				assert.Zero(t, leaf.runs.Load())
				assert.Equal(t, 2, batch.Skipped)
			}
		})
	}
}

func TestRunAllRejectsUnknownMode(t *testing.T) {
	t.Parallel()

	_, err := New(testConfig()).RunAll(context.Background(), Mode("random"))
	require.Error(t, err)
}

func TestInitializeAllIsolatesFailures(t *testing.T) {
	t.Parallel()

	s := New(testConfig())
	good := newFake("good")
	bad := newFake("bad")
	bad.initErr = errors.New("missing api key")
	mustRegister(t, s, good, bad)

	rep := s.InitializeAll(context.Background())
	assert.Equal(t, []string{"good"}, rep.Initialized)
	require.Len(t, rep.Failed, 1)
	assert.Equal(t, "bad", rep.Failed[0].Plugin)
	assert.ErrorContains(t, rep.Err(), "missing api key")

	d, _ := s.Descriptor("bad")
	assert.True(t, d.InitFailed)

	batch, err := s.RunAll(context.Background(), Parallel)
	require.NoError(t, err)
	r, _ := batch.Result("bad")
	assert.Equal(t, StatusSkipped, r.Status)
	var le *PluginLoadError
	assert.ErrorAs(t, r.Err, &le)
	assert.Zero(t, bad.runs.Load())

	bad.initErr = nil
	require.NoError(t, s.Reinstate(context.Background(), "bad"))
	d, _ = s.Descriptor("bad")
	assert.False(t, d.InitFailed)
	assert.Equal(t, StateInitialized, d.State)
}

func TestInitializeAllTimeout(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.InitTimeout = 20 * time.Millisecond
	s := New(cfg)
	mustRegister(t, s, &hangingInit{fakePlugin: newFake("hang")})

	rep := s.InitializeAll(context.Background())
	require.Len(t, rep.Failed, 1)
	assert.ErrorIs(t, rep.Failed[0], context.DeadlineExceeded)
}

type hangingInit struct{ *fakePlugin }

func (h *hangingInit) Initialize(ctx context.Context, _ plugin.Env) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestShutdownCallsEachPluginOnce(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.ShutdownTimeout = 30 * time.Millisecond
	s := New(cfg)
	fast := newFake("fast")
	stuck := newFake("stuck")
	stuck.shutdownDelay = time.Hour
	mustRegister(t, s, fast, stuck)
	s.InitializeAll(context.Background())
	s.StartMonitoring(context.Background())

	start := time.Now()
	s.Shutdown(context.Background())
	s.Shutdown(context.Background())
	assert.Less(t, time.Since(start), time.Second)

	assert.EqualValues(t, 1, fast.shutdowns.Load())
	assert.EqualValues(t, 1, stuck.shutdowns.Load())
	assert.False(t, s.Monitor().Running())
	for _, d := range s.Descriptors() {
		assert.Equal(t, StateShutDown, d.State)
	}

	res := s.RunOne(context.Background(), "fast", 0)
	assert.Equal(t, StatusSkipped, res.Status)
	assert.ErrorIs(t, res.Err, ErrShutDown)
	assert.ErrorIs(t, s.Register(newFake("late")), ErrShutDown)
}

func TestEscalationIsolatesUntilReinstated(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Retry.MaxAttempts = 1
	disp := recovery.NewDispatcher(recovery.Config{}, storage.NewMemory())
	s := New(cfg, WithRecovery(disp))

	p := newFake("cfgd")
	p.run = func(context.Context) (any, error) { return nil, errors.New("config value out of range") }
	mustRegister(t, s, p)

	res := s.RunOne(context.Background(), "cfgd", 0)
	assert.Equal(t, StatusFailed, res.Status)
	assert.NotEmpty(t, res.IncidentID)
	assert.False(t, res.Recovered)

	d, _ := s.Descriptor("cfgd")
	assert.True(t, d.Isolated)
	assert.Equal(t, []string{"cfgd"}, s.SystemMetrics(context.Background()).Isolated)

	batch, err := s.RunAll(context.Background(), Parallel)
	require.NoError(t, err)
	r, _ := batch.Result("cfgd")
	assert.Equal(t, StatusSkipped, r.Status)
	assert.ErrorIs(t, r.Err, ErrPluginIsolated)

	require.NoError(t, s.Reinstate(context.Background(), "cfgd"))
	d, _ = s.Descriptor("cfgd")
	assert.False(t, d.Isolated)
}

func TestRestartStrategyReinitializes(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Retry.MaxAttempts = 1
	disp := recovery.NewDispatcher(recovery.Config{}, storage.NewMemory())
	s := New(cfg, WithRecovery(disp))

	p := newFake("worker")
	p.run = func(context.Context) (any, error) {
		if p.inits.Load() < 2 {
			return nil, errors.New("worker crashed")
		}
		return "fresh", nil
	}
	mustRegister(t, s, p)
	s.InitializeAll(context.Background())

	res := s.RunOne(context.Background(), "worker", 0)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.True(t, res.Recovered)
	assert.EqualValues(t, 2, p.inits.Load())
	assert.EqualValues(t, 1, p.shutdowns.Load())

	rate, ok := disp.OverallSuccessRate(context.Background())
	require.True(t, ok)
	assert.InDelta(t, 1, rate, 1e-9)
}
