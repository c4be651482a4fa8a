package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentd/internal/failure"
	"agentd/internal/metrics"
	"agentd/internal/plugin"
	"agentd/internal/resilience"
	"agentd/internal/scheduler"
)

type stubPlugin struct {
	plugin.Base
	err error
}

func (p *stubPlugin) Run(context.Context) (any, error) {
	if p.err != nil {
		return nil, p.err
	}
	return map[string]string{"hello": p.Name()}, nil
}

type stubFailures struct {
	gotName  string
	gotLimit int
}

func (f *stubFailures) Failures(_ context.Context, name string, limit int) ([]failure.Event, error) {
	f.gotName, f.gotLimit = name, limit
	return []failure.Event{{ID: "f-1", Plugin: name, Kind: failure.Timeout}}, nil
}

func newTestServer(t *testing.T, cfg Config) (*Server, *scheduler.Scheduler, *stubFailures) {
	t.Helper()
	reg := prometheus.NewRegistry()
	sched := scheduler.New(scheduler.Config{Retry: resilience.RetryPolicy{MaxAttempts: 1}},
		scheduler.WithMetrics(metrics.NewRegistry(metrics.NewCollector(reg))))
	require.NoError(t, sched.Register(&stubPlugin{Base: plugin.NewBase("fetch")}))
	require.NoError(t, sched.Register(&stubPlugin{Base: plugin.NewBase("report", "fetch"), err: errors.New("upstream 500")}))
	require.NoError(t, sched.InitializeAll(context.Background()).Err())
	t.Cleanup(func() { sched.Shutdown(context.Background()) })

	fl := &stubFailures{}
	return New(cfg, sched, WithGatherer(reg), WithFailureLog(fl)), sched, fl
}

func do(t *testing.T, h http.Handler, method, target string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthzAndPlan(t *testing.T) {
	srv, _, _ := newTestServer(t, Config{})
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	var hz healthzResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hz))
	assert.Equal(t, "ok", hz.Status)
	assert.Equal(t, 2, hz.Plugins)

	rec = do(t, h, http.MethodGet, "/v1/plan")
	require.Equal(t, http.StatusOK, rec.Code)
	var plan scheduler.Plan
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &plan))
	assert.Equal(t, []string{"fetch", "report"}, plan.Order)
}

func TestRunPluginAndRunAll(t *testing.T) {
	srv, _, _ := newTestServer(t, Config{})
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/v1/plugins/fetch/run")
	require.Equal(t, http.StatusOK, rec.Code)
	var res map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "success", res["status"])
	assert.Equal(t, map[string]any{"hello": "fetch"}, res["data"])

	rec = do(t, h, http.MethodPost, "/v1/plugins/report/run?timeout=2s")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "failed", res["status"])
	assert.Contains(t, res["error"], "upstream 500")

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/v1/plugins/fetch/run?timeout=soon").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/v1/plugins/nope/run").Code)

	rec = do(t, h, http.MethodPost, "/v1/run?mode=sequential")
	require.Equal(t, http.StatusOK, rec.Code)
	var batch batchView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &batch))
	assert.Equal(t, scheduler.Sequential, batch.Mode)
	assert.Equal(t, 1, batch.Succeeded)
	assert.Equal(t, 1, batch.Failed)
	require.Len(t, batch.Results, 2)
	assert.Contains(t, batch.Results[1].Error, "upstream 500")

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/v1/run?mode=sideways").Code)
}

func TestPluginDetailAndReinstate(t *testing.T) {
	srv, sched, _ := newTestServer(t, Config{})
	h := srv.Handler()

	sched.Isolate("report", "escalated")
	rec := do(t, h, http.MethodGet, "/v1/plugins/report")
	require.Equal(t, http.StatusOK, rec.Code)
	var d scheduler.Descriptor
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.True(t, d.Isolated)

	rec = do(t, h, http.MethodPost, "/v1/plugins/report/reinstate")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.False(t, d.Isolated)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/v1/plugins/nope").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/v1/plugins/nope/reinstate").Code)
}

func TestFailuresQuery(t *testing.T) {
	srv, _, fl := newTestServer(t, Config{})
	rec := do(t, srv.Handler(), http.MethodGet, "/v1/failures?plugin=report&limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "report", fl.gotName)
	assert.Equal(t, 5, fl.gotLimit)
	assert.Contains(t, rec.Body.String(), `"f-1"`)

	assert.Equal(t, http.StatusBadRequest, do(t, srv.Handler(), http.MethodGet, "/v1/failures?limit=-1").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, sched, _ := newTestServer(t, Config{})
	sched.RunOne(context.Background(), "fetch", 0)

	rec := do(t, srv.Handler(), http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "agentd_"), rec.Body.String())
}

func TestTokenGuardsAPI(t *testing.T) {
	srv, _, _ := newTestServer(t, Config{Token: "s3cret", Pprof: true})
	h := srv.Handler()

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/v1/system").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/v1/system", "Authorization", "Bearer wrong").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/v1/system", "Authorization", "Bearer s3cret").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/v1/system?token=s3cret").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/debug/pprof/").Code)
}

func TestStartRefusesPublicBindWithoutToken(t *testing.T) {
	srv, _, _ := newTestServer(t, Config{Listen: "0.0.0.0:0"})
	assert.Error(t, srv.Start(context.Background()))
}

func TestStartServesAndStops(t *testing.T) {
	srv, _, _ := newTestServer(t, Config{Listen: "127.0.0.1:0"})
	require.NoError(t, srv.Start(context.Background()))
	require.Eventually(t, func() bool { return srv.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	assert.NoError(t, srv.Stop(ctx))
}
