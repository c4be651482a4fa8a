// Package echo is the smallest useful plugin: it returns its configured
// message and accepts new config without a restart.
package echo

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"agentd/internal/plugin"
	"agentd/pkg/logx"
)

const Name = "echo"

type Config struct {
	Message string `json:"message"`
	// Upper echoes the message in upper case.
	Upper bool `json:"upper,omitempty"`
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Message) == "" {
		return errors.New("echo config: message is empty")
	}
	return nil
}

type Plugin struct {
	plugin.Base

	mu   sync.RWMutex
	cfg  Config
	runs atomic.Int64
}

func New(deps ...string) *Plugin {
	return &Plugin{Base: plugin.NewBase(Name, deps...), cfg: Config{Message: "pong"}}
}

func (p *Plugin) Initialize(ctx context.Context, env plugin.Env) error {
	p.InitBase(env)
	cfg := Config{Message: "pong"}
	if err := p.DecodeConfig(&cfg); err != nil {
		return err
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
	return nil
}

type Output struct {
	Message string `json:"message"`
	Run     int64  `json:"run"`
}

func (p *Plugin) Run(ctx context.Context) (any, error) {
	p.mu.RLock()
	cfg := p.cfg
	p.mu.RUnlock()

	msg := cfg.Message
	if cfg.Upper {
		msg = strings.ToUpper(msg)
	}
	return Output{Message: msg, Run: p.runs.Add(1)}, nil
}

// Configure implements plugin.Configurable.
func (p *Plugin) Configure(ctx context.Context, raw json.RawMessage) error {
	cfg := Config{Message: "pong"}
	if err := plugin.DecodeStrict(raw, &cfg); err != nil {
		return err
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
	p.SetRawConfig(raw)
	p.Log().Info("echo.reconfigured", logx.String("message", cfg.Message), logx.Bool("upper", cfg.Upper))
	return nil
}

var _ plugin.Configurable = (*Plugin)(nil)
