// Package failure classifies plugin errors and rates their severity.
package failure

import (
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	ExecutionError      Kind = "execution_error"
	Timeout             Kind = "timeout"
	NetworkError        Kind = "network_error"
	MemoryLeak          Kind = "memory_leak"
	AuthenticationError Kind = "authentication_error"
	ConfigurationError  Kind = "configuration_error"
	DependencyFailure   Kind = "dependency_failure"
	DataCorruption      Kind = "data_corruption"
	ResourceExhaustion  Kind = "resource_exhaustion"
)

type Severity string

const (
	Low      Severity = "low"
	Medium   Severity = "medium"
	High     Severity = "high"
	Critical Severity = "critical"
)

// Rank orders severities, low = 0.
func (s Severity) Rank() int {
	switch s {
	case Medium:
		return 1
	case High:
		return 2
	case Critical:
		return 3
	default:
		return 0
	}
}

// Event is one recorded plugin failure.
type Event struct {
	ID         string     `json:"id"`
	Plugin     string     `json:"plugin"`
	Kind       Kind       `json:"kind"`
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Severity   Severity   `json:"severity"`
	Resolved   bool       `json:"resolved"`
	Strategy   string     `json:"strategy,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

func NewEvent(plugin string, kind Kind, msg string, at time.Time) Event {
	return Event{ID: uuid.NewString(), Plugin: plugin, Kind: kind, Message: msg, Timestamp: at.UTC()}
}

// Resolve marks e resolved by strategy at t.
func (e *Event) Resolve(strategy string, t time.Time) {
	t = t.UTC()
	e.Resolved = true
	e.Strategy = strategy
	e.ResolvedAt = &t
}
