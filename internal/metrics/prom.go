package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"agentd/internal/failure"
	"agentd/internal/plugin"
	"agentd/internal/recovery"
	"agentd/internal/resilience"
)

// Collector owns agentd's Prometheus series. It registers on the given
// registerer rather than the global default.
type Collector struct {
	executions   *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	health       *prometheus.GaugeVec
	breaker      *prometheus.GaugeVec
	recoveries   *prometheus.CounterVec
	escalations  *prometheus.CounterVec
	systemHealth prometheus.Gauge
}

func NewCollector(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		executions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentd_plugin_executions_total",
				Help: "Plugin executions by final status",
			},
			[]string{"plugin", "status"},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentd_plugin_execution_seconds",
				Help:    "Plugin execution latency in seconds, retries and recovery included",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"plugin"},
		),
		health: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agentd_plugin_health",
				Help: "Last health check: 1 healthy, 0.5 degraded, 0 unhealthy, -1 unknown",
			},
			[]string{"plugin"},
		),
		breaker: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agentd_plugin_circuit_state",
				Help: "Circuit breaker state: 0 closed, 1 half_open, 2 open",
			},
			[]string{"plugin"},
		),
		recoveries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentd_recovery_actions_total",
				Help: "Recovery strategy executions",
			},
			[]string{"plugin", "strategy", "success"},
		),
		escalations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentd_escalations_total",
				Help: "Failures escalated to an operator",
			},
			[]string{"plugin", "severity"},
		),
		systemHealth: f.NewGauge(prometheus.GaugeOpts{
			Name: "agentd_system_health_score",
			Help: "Aggregate health score in [0,1]",
		}),
	}
}

func (c *Collector) observeRun(name string, status string, seconds float64) {
	c.executions.WithLabelValues(name, status).Inc()
	c.latency.WithLabelValues(name).Observe(seconds)
}

func (c *Collector) observeHealth(name string, s plugin.HealthStatus) {
	v := -1.0
	switch s {
	case plugin.Healthy:
		v = 1
	case plugin.Degraded:
		v = 0.5
	case plugin.Unhealthy:
		v = 0
	}
	c.health.WithLabelValues(name).Set(v)
}

// ObserveBreaker exports a breaker state.
func (c *Collector) ObserveBreaker(name string, s resilience.State) {
	v := 0.0
	switch s {
	case resilience.StateHalfOpen:
		v = 1
	case resilience.StateOpen:
		v = 2
	}
	c.breaker.WithLabelValues(name).Set(v)
}

func (c *Collector) ObserveRecovery(a recovery.Action) {
	c.recoveries.WithLabelValues(a.Plugin, string(a.Strategy), strconv.FormatBool(a.Success)).Inc()
}

func (c *Collector) ObserveEscalation(name string, sev failure.Severity) {
	c.escalations.WithLabelValues(name, string(sev)).Inc()
}

func (c *Collector) ObserveSystemHealth(score float64) { c.systemHealth.Set(score) }
