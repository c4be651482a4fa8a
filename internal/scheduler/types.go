package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"agentd/internal/metrics"
	"agentd/internal/plugin"
	"agentd/internal/resilience"
)

type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
	StatusSkipped   Status = "skipped"
)

type Mode string

const (
	Sequential Mode = "sequential"
	Parallel   Mode = "parallel"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", Parallel:
		return Parallel, nil
	case Sequential:
		return Sequential, nil
	default:
		return "", fmt.Errorf("unknown run mode %q (want sequential or parallel)", s)
	}
}

// DependencyPolicy decides what happens to dependents of a plugin that did
// not succeed during RunAll.
type DependencyPolicy string

const (
	// RunDependents runs dependents anyway.
	RunDependents DependencyPolicy = "run"
	// SkipDependents marks them skipped, transitively.
	SkipDependents DependencyPolicy = "skip"
)

func ParseDependencyPolicy(s string) (DependencyPolicy, error) {
	switch DependencyPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", RunDependents:
		return RunDependents, nil
	case SkipDependents:
		return SkipDependents, nil
	default:
		return "", fmt.Errorf("unknown dependency failure policy %q (want run or skip)", s)
	}
}

type State string

const (
	StateRegistered  State = "registered"
	StateInitialized State = "initialized"
	StateRunning     State = "running"
	StateShutDown    State = "shut_down"
)

// Descriptor is the registry's view of one plugin.
type Descriptor struct {
	Name           string              `json:"name"`
	Dependencies   []string            `json:"dependencies"`
	State          State               `json:"state"`
	InitFailed     bool                `json:"init_failed"`
	InitError      string              `json:"init_error,omitempty"`
	Isolated       bool                `json:"isolated"`
	IsolatedReason string              `json:"isolated_reason,omitempty"`
	IsolatedAt     time.Time           `json:"isolated_at,omitempty"`
	Fallback       bool                `json:"fallback"`
	Capabilities   plugin.Capabilities `json:"capabilities"`
}

type ExecutionResult struct {
	Plugin    string  `json:"plugin"`
	Status    Status  `json:"status"`
	Data      any     `json:"data,omitempty"`
	Err       error   `json:"-"`
	LatencyMs float64 `json:"latency_ms"`
	Attempts  int     `json:"attempts"`
	Recovered bool    `json:"recovered"`
	// IncidentID is set when the failure was escalated.
	IncidentID string `json:"incident_id,omitempty"`
}

func (r ExecutionResult) OK() bool { return r.Status == StatusSuccess }

// Error is the error text, for JSON consumers.
func (r ExecutionResult) Error() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

type BatchResult struct {
	Mode       Mode              `json:"mode"`
	StartedAt  time.Time         `json:"started_at"`
	DurationMs float64           `json:"duration_ms"`
	Results    []ExecutionResult `json:"results"`
	Succeeded  int               `json:"succeeded"`
	Failed     int               `json:"failed"`
	Skipped    int               `json:"skipped"`
}

// Result looks up the result for name.
func (b BatchResult) Result(name string) (ExecutionResult, bool) {
	for _, r := range b.Results {
		if r.Plugin == name {
			return r, true
		}
	}
	return ExecutionResult{}, false
}

func (b *BatchResult) add(r ExecutionResult) {
	b.Results = append(b.Results, r)
	switch r.Status {
	case StatusSuccess:
		b.Succeeded++
	case StatusSkipped:
		b.Skipped++
	default:
		b.Failed++
	}
}

// InitReport lists what InitializeAll did.
type InitReport struct {
	Initialized []string           `json:"initialized"`
	Failed      []*PluginLoadError `json:"-"`
}

// Err joins every load error, or nil.
func (r InitReport) Err() error {
	errs := make([]error, len(r.Failed))
	for i, e := range r.Failed {
		errs[i] = e
	}
	return errors.Join(errs...)
}

type Plan struct {
	Order  []string   `json:"order"`
	Levels [][]string `json:"levels"`
}

type SystemMetrics struct {
	Plugins              []metrics.PluginMetrics `json:"plugins"`
	TotalPlugins         int                     `json:"total_plugins"`
	TotalExecutions      int64                   `json:"total_executions"`
	SuccessfulExecutions int64                   `json:"successful_executions"`
	FailedExecutions     int64                   `json:"failed_executions"`
	SuccessRate          float64                 `json:"success_rate"`
	Breakers             []resilience.Snapshot   `json:"circuit_breakers"`
	OpenCircuits         []string                `json:"open_circuits"`
	Isolated             []string                `json:"isolated"`
	HealthScore          float64                 `json:"health_score"`
	RecoveryRate         *float64                `json:"recovery_success_rate,omitempty"`
	Monitoring           bool                    `json:"monitoring"`
}
