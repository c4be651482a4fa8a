package plugin

import (
	"context"
	"encoding/json"
	"slices"
	"sync"

	"agentd/internal/eventbus"
	"agentd/pkg/logx"
)

// Base carries the boilerplate most plugins share. Embed it and implement
// Run, plus whatever else the plugin needs:
//
//	type Plugin struct{ plugin.Base }
//	func New() *Plugin { return &Plugin{Base: plugin.NewBase("echo")} }
//	func (p *Plugin) Run(ctx context.Context) (any, error) { ... }
type Base struct {
	name string
	deps []string

	mu     sync.RWMutex
	log    logx.Logger
	bus    eventbus.Bus
	raw    json.RawMessage
	inited bool
}

func NewBase(name string, deps ...string) Base {
	return Base{name: name, deps: deps}
}

func (b *Base) Name() string           { return b.name }
func (b *Base) Dependencies() []string { return slices.Clone(b.deps) }

// Initialize stores the environment. Plugins overriding it should call
// InitBase first.
func (b *Base) Initialize(_ context.Context, env Env) error {
	b.InitBase(env)
	return nil
}

func (b *Base) InitBase(env Env) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.log = env.Logger.With(logx.String("plugin", b.name))
	b.bus = env.Bus
	b.raw = env.Config
	b.inited = true
}

// HealthCheck reports healthy once initialized.
func (b *Base) HealthCheck(context.Context) (HealthCheckResult, error) {
	if !b.Initialized() {
		return NewHealth(Unknown, "not initialized"), nil
	}
	return NewHealth(Healthy, "ok"), nil
}

func (b *Base) Shutdown(context.Context) error {
	b.mu.Lock()
	b.inited = false
	b.mu.Unlock()
	return nil
}

func (b *Base) Initialized() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.inited
}

func (b *Base) Log() logx.Logger {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.log
}

func (b *Base) Bus() eventbus.Bus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.bus == nil {
		return eventbus.Nop()
	}
	return b.bus
}

// RawConfig is the blob from the last Initialize or SetRawConfig.
func (b *Base) RawConfig() json.RawMessage {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.raw
}

func (b *Base) SetRawConfig(raw json.RawMessage) {
	b.mu.Lock()
	b.raw = raw
	b.mu.Unlock()
}

// DecodeConfig strictly decodes the stored blob into dst. An empty blob
// leaves dst untouched.
func (b *Base) DecodeConfig(dst any) error {
	return DecodeStrict(b.RawConfig(), dst)
}
