package plugin

import "time"

type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Degraded  HealthStatus = "degraded"
	Unhealthy HealthStatus = "unhealthy"
	Unknown   HealthStatus = "unknown"
)

type HealthCheckResult struct {
	Status    HealthStatus   `json:"status"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func NewHealth(status HealthStatus, msg string) HealthCheckResult {
	return HealthCheckResult{Status: status, Message: msg, Timestamp: time.Now()}
}

// WithDetail returns a copy of r with k set in Details.
func (r HealthCheckResult) WithDetail(k string, v any) HealthCheckResult {
	d := make(map[string]any, len(r.Details)+1)
	for kk, vv := range r.Details {
		d[kk] = vv
	}
	d[k] = v
	r.Details = d
	return r
}
