// Package recovery decides how to react to a classified plugin failure:
// pick the strategy with the best track record, run it, and escalate to an
// operator when nothing works.
package recovery

import (
	"context"
	"encoding/json"
	"time"

	"agentd/internal/failure"
	"agentd/internal/plugin"
)

type StrategyName string

const (
	Restart     StrategyName = "restart"
	Retry       StrategyName = "retry"
	Fallback    StrategyName = "fallback"
	Reconfigure StrategyName = "reconfigure"
	ResetState  StrategyName = "reset_state"
)

// Action records one strategy execution.
type Action struct {
	ID              string       `json:"id"`
	Strategy        StrategyName `json:"strategy"`
	Plugin          string       `json:"plugin"`
	FailureID       string       `json:"failure_id,omitempty"`
	Timestamp       time.Time    `json:"timestamp"`
	Success         bool         `json:"success"`
	ExecutionTimeMs float64      `json:"execution_time_ms"`
	Notes           string       `json:"notes,omitempty"`
}

// NotificationEscalation is the type of notification raised when a plugin
// is isolated.
const NotificationEscalation = "escalation"

// AdminNotification is persisted for every escalation.
type AdminNotification struct {
	ID         string           `json:"id"`
	Type       string           `json:"type"`
	Plugin     string           `json:"plugin"`
	Severity   failure.Severity `json:"severity"`
	Kind       failure.Kind     `json:"kind"`
	Message    string           `json:"message"`
	FailureID  string           `json:"failure_id"`
	IncidentID string           `json:"incident_id"`
	Timestamp  time.Time        `json:"timestamp"`
}

// Incident is the report written when a plugin is escalated.
type Incident struct {
	ID            string          `json:"id"`
	Plugin        string          `json:"plugin"`
	CreatedAt     time.Time       `json:"created_at"`
	Reason        string          `json:"reason"`
	Trigger       failure.Event   `json:"trigger"`
	Related       []failure.Event `json:"related_failures"`
	RecentActions []Action        `json:"recent_actions"`
}

type FailureQuery struct {
	Plugin string // empty matches every plugin
	Since  time.Time
	Limit  int // newest first when > 0
}

// History is the persistence the dispatcher needs.
type History interface {
	AppendFailure(ctx context.Context, ev failure.Event) error
	UpdateFailure(ctx context.Context, ev failure.Event) error
	Failures(ctx context.Context, q FailureQuery) ([]failure.Event, error)
	PruneFailures(ctx context.Context, before time.Time) (int, error)

	AppendAction(ctx context.Context, a Action) error
	// Actions returns actions for plugin (all plugins when empty), oldest
	// first, keeping only the newest limit when limit > 0.
	Actions(ctx context.Context, plugin string, limit int) ([]Action, error)

	AppendNotification(ctx context.Context, n AdminNotification) error
	SaveIncident(ctx context.Context, in Incident) error
}

// Alerter pushes an escalation to an operator channel.
type Alerter interface {
	Alert(ctx context.Context, n AdminNotification) error
}

// Host is the slice of the scheduler strategies act on.
type Host interface {
	Plugin(name string) (plugin.Plugin, bool)
	// Restart shuts the plugin down and initializes it again.
	Restart(ctx context.Context, name string) error
	// Invoke runs the plugin once, bypassing breaker, retry and recovery.
	Invoke(ctx context.Context, name string) error
	SetFallback(name string, on bool)
	// ReloadConfig re-reads configuration and returns the plugin's blob.
	ReloadConfig(ctx context.Context, name string) (json.RawMessage, error)
	Isolate(name, reason string)
}

// Request is what a strategy receives.
type Request struct {
	Event  failure.Event
	Cause  error
	Plugin plugin.Plugin
	Host   Host
}

type Strategy interface {
	Name() StrategyName
	CanHandle(ev failure.Event, p plugin.Plugin) bool
	// Recover returns short notes on success.
	Recover(ctx context.Context, req Request) (string, error)
}

// Outcome summarises one Dispatcher.Handle call.
type Outcome struct {
	Event      failure.Event `json:"event"`
	Action     *Action       `json:"action,omitempty"`
	Recovered  bool          `json:"recovered"`
	Escalated  bool          `json:"escalated"`
	IncidentID string        `json:"incident_id,omitempty"`
}
