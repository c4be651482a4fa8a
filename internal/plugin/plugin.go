// Package plugin defines the contract every orchestrated plugin implements,
// plus the optional capability interfaces recovery strategies look for.
//
// A plugin opts into a capability by implementing the interface; there is no
// registration step. Capabilities are probed once, at registration.
package plugin

import (
	"context"
	"encoding/json"

	"agentd/internal/eventbus"
	"agentd/pkg/logx"
)

type Plugin interface {
	// Name is the unique registry key.
	Name() string
	// Dependencies lists plugins that must run before this one. Names that
	// are not registered are ignored.
	Dependencies() []string

	Initialize(ctx context.Context, env Env) error
	Run(ctx context.Context) (any, error)
	HealthCheck(ctx context.Context) (HealthCheckResult, error)
	Shutdown(ctx context.Context) error
}

// Env is handed to Initialize.
type Env struct {
	Logger logx.Logger
	Config json.RawMessage
	Bus    eventbus.Bus
}

// RecoveryHook lets a plugin try to heal itself before the generic restart
// strategy tears it down. Returning true counts as a successful recovery.
type RecoveryHook interface {
	AutoRecover(ctx context.Context, cause error) bool
}

// Configurable plugins accept a fresh config blob without a restart.
type Configurable interface {
	Configure(ctx context.Context, raw json.RawMessage) error
}

// Fallbacker plugins can switch to a degraded mode on their own.
type Fallbacker interface {
	EnterFallback(ctx context.Context, reason string) error
}

// StateResetter plugins can discard internal state after corruption.
type StateResetter interface {
	ResetState(ctx context.Context) error
}

type Capabilities struct {
	AutoRecover bool `json:"auto_recover"`
	Configure   bool `json:"configure"`
	Fallback    bool `json:"fallback"`
	ResetState  bool `json:"reset_state"`
}

// Probe reports which optional interfaces p implements.
func Probe(p Plugin) Capabilities {
	_, hook := p.(RecoveryHook)
	_, cfg := p.(Configurable)
	_, fb := p.(Fallbacker)
	_, rs := p.(StateResetter)
	return Capabilities{AutoRecover: hook, Configure: cfg, Fallback: fb, ResetState: rs}
}
