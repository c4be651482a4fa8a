package system

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentd/internal/failure"
	"agentd/internal/plugin"
	"agentd/pkg/logx"
)

func newWith(t *testing.T, raw string, s *sample) *Plugin {
	t.Helper()
	p := New()
	p.read = func() sample { return *s }
	require.NoError(t, p.Initialize(context.Background(), plugin.Env{Logger: logx.Nop(), Config: json.RawMessage(raw)}))
	return p
}

func TestRunTracksPeaks(t *testing.T) {
	s := &sample{Goroutines: 10, HeapAlloc: 4 << 20}
	p := newWith(t, `{}`, s)

	_, err := p.Run(context.Background())
	require.NoError(t, err)
	s.Goroutines, s.HeapAlloc = 5, 1<<20
	out, err := p.Run(context.Background())
	require.NoError(t, err)

	snap := out.(Snapshot)
	assert.Equal(t, 5, snap.Goroutines)
	assert.Equal(t, 10, snap.PeakGoroutines)
	assert.Equal(t, "4.0 MiB", snap.PeakHeap)
}

func TestRunFailsAboveHeapLimitAsMemoryFailure(t *testing.T) {
	s := &sample{Goroutines: 3, HeapAlloc: 64 << 20}
	p := newWith(t, `{"max_heap_mb":32}`, s)

	_, err := p.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, failure.MemoryLeak, failure.Classify(err))

	res, err := p.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, plugin.Unhealthy, res.Status)
}

func TestHealthDegradesOnGoroutines(t *testing.T) {
	s := &sample{Goroutines: 500, HeapAlloc: 1 << 20}
	p := newWith(t, `{"max_goroutines":100}`, s)

	res, err := p.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, plugin.Degraded, res.Status)
	assert.Equal(t, 500, res.Details["goroutines"])
}

func TestResetStateClearsPeaks(t *testing.T) {
	s := &sample{Goroutines: 50, HeapAlloc: 8 << 20}
	p := newWith(t, `{}`, s)
	_, _ = p.Run(context.Background())

	require.NoError(t, p.ResetState(context.Background()))
	s.Goroutines = 2
	out, _ := p.Run(context.Background())
	assert.Equal(t, 2, out.(Snapshot).PeakGoroutines)
	assert.True(t, plugin.Probe(p).ResetState)
}

func TestHealthUnknownBeforeInit(t *testing.T) {
	res, err := New().HealthCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, plugin.Unknown, res.Status)
}
