// Package metrics keeps per-plugin execution and health counters and
// mirrors them into Prometheus.
package metrics

import (
	"sort"
	"sync"
	"time"

	"agentd/internal/plugin"
)

// PluginMetrics is a copy of one plugin's counters.
type PluginMetrics struct {
	Name              string              `json:"name"`
	TotalExecutions   int64               `json:"total_executions"`
	SuccessfulRuns    int64               `json:"successful_executions"`
	FailedRuns        int64               `json:"failed_executions"`
	AverageLatencyMs  float64             `json:"average_latency_ms"`
	LastExecution     time.Time           `json:"last_execution,omitempty"`
	LastStatus        string              `json:"last_status,omitempty"`
	HealthStatus      plugin.HealthStatus `json:"health_status"`
	HealthMessage     string              `json:"health_message,omitempty"`
	LastHealthCheck   time.Time           `json:"last_health_check,omitempty"`
	ConsecutiveErrors int                 `json:"consecutive_errors"`
}

// SuccessRate is SuccessfulRuns / TotalExecutions, or 0 with no runs.
func (m PluginMetrics) SuccessRate() float64 {
	if m.TotalExecutions == 0 {
		return 0
	}
	return float64(m.SuccessfulRuns) / float64(m.TotalExecutions)
}

type entry struct {
	mu sync.Mutex
	m  PluginMetrics
}

// Registry holds one lock per plugin so runs of different plugins never
// contend.
type Registry struct {
	prom *Collector

	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRegistry returns a registry; prom may be nil.
func NewRegistry(prom *Collector) *Registry {
	return &Registry{prom: prom, entries: map[string]*entry{}}
}

func (r *Registry) Collector() *Collector { return r.prom }

func (r *Registry) entry(name string) *entry {
	r.mu.RLock()
	e := r.entries[name]
	r.mu.RUnlock()
	if e != nil {
		return e
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e = r.entries[name]; e == nil {
		e = &entry{m: PluginMetrics{Name: name, HealthStatus: plugin.Unknown}}
		r.entries[name] = e
	}
	return e
}

// Ensure creates the entry for name if it does not exist.
func (r *Registry) Ensure(name string) { r.entry(name) }

// Forget drops name.
func (r *Registry) Forget(name string) {
	r.mu.Lock()
	delete(r.entries, name)
	r.mu.Unlock()
}

// RecordRun counts one finished execution. success decides which counter
// moves; status is the label exported to Prometheus.
func (r *Registry) RecordRun(name, status string, success bool, latency time.Duration, at time.Time) {
	e := r.entry(name)
	ms := float64(latency.Microseconds()) / 1000

	e.mu.Lock()
	e.m.TotalExecutions++
	if success {
		e.m.SuccessfulRuns++
		e.m.ConsecutiveErrors = 0
	} else {
		e.m.FailedRuns++
		e.m.ConsecutiveErrors++
	}
	e.m.AverageLatencyMs += (ms - e.m.AverageLatencyMs) / float64(e.m.TotalExecutions)
	e.m.LastExecution = at
	e.m.LastStatus = status
	e.mu.Unlock()

	if r.prom != nil {
		r.prom.observeRun(name, status, latency.Seconds())
	}
}

func (r *Registry) RecordHealth(name string, res plugin.HealthCheckResult) {
	e := r.entry(name)
	e.mu.Lock()
	e.m.HealthStatus = res.Status
	e.m.HealthMessage = res.Message
	e.m.LastHealthCheck = res.Timestamp
	e.mu.Unlock()

	if r.prom != nil {
		r.prom.observeHealth(name, res.Status)
	}
}

func (r *Registry) Get(name string) (PluginMetrics, bool) {
	r.mu.RLock()
	e := r.entries[name]
	r.mu.RUnlock()
	if e == nil {
		return PluginMetrics{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.m, true
}

// All returns every plugin's metrics sorted by name.
func (r *Registry) All() []PluginMetrics {
	r.mu.RLock()
	list := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		list = append(list, e)
	}
	r.mu.RUnlock()

	out := make([]PluginMetrics, 0, len(list))
	for _, e := range list {
		e.mu.Lock()
		out = append(out, e.m)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// HealthyFraction is the share of plugins whose last check was healthy.
// With names set only those plugins count, and one never checked counts as
// not healthy; nil means every tracked plugin. The second result is false
// when nothing counts.
func (r *Registry) HealthyFraction(names []string) (float64, bool) {
	var statuses []plugin.HealthStatus
	if names == nil {
		for _, m := range r.All() {
			statuses = append(statuses, m.HealthStatus)
		}
	} else {
		for _, n := range names {
			m, _ := r.Get(n)
			statuses = append(statuses, m.HealthStatus)
		}
	}
	if len(statuses) == 0 {
		return 0, false
	}
	healthy := 0
	for _, st := range statuses {
		if st == plugin.Healthy {
			healthy++
		}
	}
	return float64(healthy) / float64(len(statuses)), true
}
