package units

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentd/internal/failure"
	"agentd/internal/plugin"
	"agentd/pkg/logx"
	"agentd/pkg/unitctl"
)

type fakeCtl struct {
	mu         sync.Mutex
	status     map[string]unitctl.Status
	restartErr error
	restarts   []string
	closed     int
}

func (f *fakeCtl) Status(_ context.Context, unit string) (unitctl.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.status[unit]
	if !ok {
		return unitctl.Status{Name: unit, Active: "unknown", SubState: "not-found", LoadState: "not-found"}, nil
	}
	return st, nil
}

func (f *fakeCtl) Restart(_ context.Context, unit string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts = append(f.restarts, unit)
	if f.restartErr != nil {
		return f.restartErr
	}
	st := f.status[unit]
	st.Active, st.SubState = "active", "running"
	f.status[unit] = st
	return nil
}

func (f *fakeCtl) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

func up(name string) unitctl.Status {
	return unitctl.Status{Name: name, Active: "active", SubState: "running", LoadState: "loaded"}
}

func down(name string, since time.Time) unitctl.Status {
	return unitctl.Status{Name: name, Active: "failed", SubState: "failed", LoadState: "loaded", InactiveSince: since}
}

func setup(t *testing.T, ctl *fakeCtl, now time.Time, raw string) *Plugin {
	t.Helper()
	p := New([]string{"system"}, WithController(ctl), WithClock(func() time.Time { return now }))
	require.NoError(t, p.Initialize(context.Background(), plugin.Env{Logger: logx.Nop(), Config: json.RawMessage(raw)}))
	return p
}

func TestRunReportsDownUnits(t *testing.T) {
	now := time.Now()
	ctl := &fakeCtl{status: map[string]unitctl.Status{
		"nginx": up("nginx"),
		"redis": down("redis", now.Add(-time.Minute)),
	}}
	p := setup(t, ctl, now, `{"units":["nginx.service","redis","ghost"]}`)
	assert.Equal(t, []string{"system"}, p.Dependencies())

	out, err := p.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, failure.ExecutionError, failure.Classify(err))
	rep := out.(Report)
	assert.Equal(t, []string{"redis"}, rep.Down)
	assert.Equal(t, []string{"ghost"}, rep.Missing)

	res, _ := p.HealthCheck(context.Background())
	assert.Equal(t, plugin.Degraded, res.Status)
}

func TestAutoRecoverRestartsDownUnits(t *testing.T) {
	now := time.Now()
	ctl := &fakeCtl{status: map[string]unitctl.Status{
		"nginx": up("nginx"),
		"redis": down("redis", now.Add(-time.Minute)),
	}}
	p := setup(t, ctl, now, `{"units":["nginx","redis"]}`)
	assert.True(t, plugin.Probe(p).AutoRecover)

	assert.True(t, p.AutoRecover(context.Background(), errors.New("units down: redis")))
	assert.Equal(t, []string{"redis"}, ctl.restarts)

	_, err := p.Run(context.Background())
	assert.NoError(t, err)
	res, _ := p.HealthCheck(context.Background())
	assert.Equal(t, plugin.Healthy, res.Status)
}

func TestAutoRecoverWaitsForMinDown(t *testing.T) {
	now := time.Now()
	ctl := &fakeCtl{status: map[string]unitctl.Status{"redis": down("redis", now.Add(-time.Second))}}
	p := setup(t, ctl, now, `{"units":["redis"],"min_down":"10s"}`)

	assert.False(t, p.AutoRecover(context.Background(), nil))
	assert.Empty(t, ctl.restarts)
}

func TestAutoRecoverBacksOffAfterFailedRestart(t *testing.T) {
	now := time.Now()
	ctl := &fakeCtl{
		status:     map[string]unitctl.Status{"redis": down("redis", now.Add(-time.Hour))},
		restartErr: errors.New("job failed"),
	}
	p := setup(t, ctl, now, `{"units":["redis"],"backoff_base":"1m"}`)

	assert.False(t, p.AutoRecover(context.Background(), nil))
	assert.False(t, p.AutoRecover(context.Background(), nil))
	assert.Len(t, ctl.restarts, 1, "second attempt is inside the backoff window")

	us := p.state("redis")
	assert.Equal(t, 1, us.failStreak)
	assert.WithinRange(t, us.nextTry, now.Add(42*time.Second), now.Add(78*time.Second))
}

func TestConfigureSwapsAllowlist(t *testing.T) {
	now := time.Now()
	ctl := &fakeCtl{status: map[string]unitctl.Status{"nginx": up("nginx"), "redis": down("redis", now)}}
	p := setup(t, ctl, now, `{"units":["redis"]}`)

	_, err := p.Run(context.Background())
	require.Error(t, err)

	require.NoError(t, p.Configure(context.Background(), json.RawMessage(`{"units":["nginx"]}`)))
	_, err = p.Run(context.Background())
	assert.NoError(t, err)

	assert.Error(t, p.Configure(context.Background(), json.RawMessage(`{"units":[]}`)))
	assert.Error(t, p.Configure(context.Background(), json.RawMessage(`{"units":["a"],"min_down":"soon"}`)))
}

func TestInitializeValidatesAndShutdownCloses(t *testing.T) {
	ctl := &fakeCtl{status: map[string]unitctl.Status{}}
	p := New(nil, WithController(ctl))
	assert.Error(t, p.Initialize(context.Background(), plugin.Env{Logger: logx.Nop()}))

	p = setup(t, ctl, time.Now(), `{"units":["a"]}`)
	require.NoError(t, p.Shutdown(context.Background()))
	assert.Equal(t, 1, ctl.closed)
	_, err := p.Run(context.Background())
	assert.Error(t, err)
}
