package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentd/internal/metrics"
	"agentd/internal/plugin"
)

type stubPlugin struct {
	plugin.Base
	status plugin.HealthStatus
	err    error
	panics bool
	calls  atomic.Int32
}

func newStub(name string, status plugin.HealthStatus) *stubPlugin {
	return &stubPlugin{Base: plugin.NewBase(name), status: status}
}

func (p *stubPlugin) Run(context.Context) (any, error) { return nil, nil }

func (p *stubPlugin) HealthCheck(context.Context) (plugin.HealthCheckResult, error) {
	p.calls.Add(1)
	if p.panics {
		panic("health exploded")
	}
	return plugin.NewHealth(p.status, ""), p.err
}

type staticSource []plugin.Plugin

func (s staticSource) HealthTargets() []plugin.Plugin { return s }

type fixedRate struct {
	rate float64
	ok   bool
}

func (f fixedRate) OverallSuccessRate(context.Context) (float64, bool) { return f.rate, f.ok }

func TestCheckAllIsolatesPluginFailures(t *testing.T) {
	t.Parallel()

	good := newStub("good", plugin.Healthy)
	bad := newStub("bad", plugin.Healthy)
	bad.panics = true
	failing := newStub("failing", plugin.Healthy)
	failing.err = errors.New("db unreachable")

	reg := metrics.NewRegistry(nil)
	m := New(Config{Timeout: time.Second}, staticSource{bad, good, failing}, reg)

	sum, err := m.CheckAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 1, sum.Healthy)
	assert.InDelta(t, 1.0/3.0, sum.Score, 1e-9)

	gm, _ := reg.Get("good")
	assert.Equal(t, plugin.Healthy, gm.HealthStatus)
	bm, _ := reg.Get("bad")
	assert.Equal(t, plugin.Unhealthy, bm.HealthStatus)
	assert.Contains(t, bm.HealthMessage, "health exploded")
	fm, _ := reg.Get("failing")
	assert.Equal(t, "db unreachable", fm.HealthMessage)
}

func TestScoreBlendsRecoveryRate(t *testing.T) {
	t.Parallel()

	reg := metrics.NewRegistry(nil)
	reg.RecordHealth("a", plugin.NewHealth(plugin.Healthy, ""))
	reg.RecordHealth("b", plugin.NewHealth(plugin.Degraded, ""))

	src := staticSource{newStub("a", plugin.Healthy), newStub("b", plugin.Degraded)}
	m := New(Config{}, src, reg, WithRecoveryRater(fixedRate{rate: 1, ok: true}))
	assert.InDelta(t, 0.7*0.5+0.3*1, m.Score(context.Background()), 1e-9)

	m = New(Config{}, src, reg, WithRecoveryRater(fixedRate{}))
	assert.InDelta(t, 0.5, m.Score(context.Background()), 1e-9)

	empty := New(Config{}, staticSource{}, metrics.NewRegistry(nil))
	assert.InDelta(t, 1, empty.Score(context.Background()), 1e-9)
}

func TestLoopPollsUntilStopped(t *testing.T) {
	t.Parallel()

	p := newStub("p", plugin.Healthy)
	cycles := make(chan Summary, 16)
	m := New(Config{Interval: 5 * time.Millisecond}, staticSource{p}, metrics.NewRegistry(nil),
		WithOnCycle(func(s Summary) {
			select {
			case cycles <- s:
			default:
			}
		}))

	m.Start(context.Background())
	m.Start(context.Background())
	assert.True(t, m.Running())
	for i := 0; i < 3; i++ {
		select {
		case s := <-cycles:
			assert.Equal(t, 1, s.Healthy)
		case <-time.After(2 * time.Second):
			t.Fatal("no health cycle")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Stop(ctx))
	assert.False(t, m.Running())

	n := p.calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, p.calls.Load())
	assert.Equal(t, 1, m.Last().Total)
}

func TestScoreIgnoresPluginsNoLongerMonitored(t *testing.T) {
	t.Parallel()

	reg := metrics.NewRegistry(nil)
	reg.RecordHealth("isolated", plugin.NewHealth(plugin.Healthy, ""))
	reg.RecordHealth("live", plugin.NewHealth(plugin.Unhealthy, "down"))

	m := New(Config{}, staticSource{newStub("live", plugin.Unhealthy)}, reg)
	assert.InDelta(t, 0, m.Score(context.Background()), 1e-9)
}

type stuckPlugin struct {
	plugin.Base
	hold time.Duration
}

func (p *stuckPlugin) Run(context.Context) (any, error) { return nil, nil }

func (p *stuckPlugin) HealthCheck(context.Context) (plugin.HealthCheckResult, error) {
	time.Sleep(p.hold)
	return plugin.HealthCheckResult{Status: plugin.Healthy, Message: "late", Details: map[string]any{"late": true}}, nil
}

func TestCheckAllSurvivesUnresponsiveCheck(t *testing.T) {
	t.Parallel()

	stuck := &stuckPlugin{Base: plugin.NewBase("stuck"), hold: 250 * time.Millisecond}
	reg := metrics.NewRegistry(nil)
	m := New(Config{Timeout: 20 * time.Millisecond}, staticSource{stuck}, reg)

	sum, err := m.CheckAll(context.Background())
	require.NoError(t, err)
	require.Len(t, sum.Reports, 1)
	res := sum.Reports[0].Result
	assert.Equal(t, plugin.Unhealthy, res.Status)
	assert.Contains(t, res.Message, context.DeadlineExceeded.Error())
	assert.NotContains(t, res.Details, "late")

	// let the abandoned check finish; the race detector flags any write
	// it makes to the reported result
	time.Sleep(300 * time.Millisecond)
	got, _ := reg.Get("stuck")
	assert.Equal(t, plugin.Unhealthy, got.HealthStatus)
	assert.Equal(t, res.Message, sum.Reports[0].Result.Message)
}
