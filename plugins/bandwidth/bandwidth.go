// Package bandwidth runs speedtest measurements and fails when the link
// drops below configured thresholds. In fallback mode it only measures
// latency, which is cheap enough to keep running on a struggling link.
package bandwidth

import (
	"context"
	"fmt"
	"sync"

	"agentd/internal/plugin"
	"agentd/pkg/bandwidth"
	"agentd/pkg/logx"
)

const Name = "bandwidth"

type Config struct {
	MinDownloadMbps float64 `json:"min_download_mbps,omitempty"`
	MaxPingMs       float64 `json:"max_ping_ms,omitempty"`
	Candidates      int     `json:"candidates,omitempty"`
	SkipUpload      bool    `json:"skip_upload,omitempty"`
	SavingMode      bool    `json:"saving_mode,omitempty"`
}

// ThresholdError reports a measurement outside the configured limits.
type ThresholdError struct {
	Metric string
	Got    float64
	Limit  float64
}

func (e *ThresholdError) Error() string {
	return fmt.Sprintf("%s %.1f outside limit %.1f", e.Metric, e.Got, e.Limit)
}

type Plugin struct {
	plugin.Base
	prober bandwidth.Prober

	mu       sync.Mutex
	cfg      Config
	fallback bool
	reason   string
	last     *bandwidth.Measurement
	lastErr  error
}

func New(deps []string, prober bandwidth.Prober) *Plugin {
	if prober == nil {
		prober = bandwidth.Speedtest{}
	}
	return &Plugin{Base: plugin.NewBase(Name, deps...), prober: prober}
}

func (p *Plugin) Initialize(ctx context.Context, env plugin.Env) error {
	p.InitBase(env)
	var cfg Config
	if err := p.DecodeConfig(&cfg); err != nil {
		return err
	}
	if cfg.MinDownloadMbps < 0 || cfg.MaxPingMs < 0 {
		return fmt.Errorf("bandwidth config: thresholds must not be negative")
	}
	p.mu.Lock()
	p.cfg = cfg
	p.fallback, p.reason = false, ""
	p.mu.Unlock()
	return nil
}

func (p *Plugin) Run(ctx context.Context) (any, error) {
	p.mu.Lock()
	cfg, fallback := p.cfg, p.fallback
	p.mu.Unlock()

	m, err := p.prober.Probe(ctx, bandwidth.Options{
		Candidates:  cfg.Candidates,
		LatencyOnly: fallback,
		SkipUpload:  cfg.SkipUpload,
		SavingMode:  cfg.SavingMode,
	})
	if err == nil {
		err = check(cfg, m)
	}

	p.mu.Lock()
	if !m.At.IsZero() {
		p.last = &m
	}
	p.lastErr = err
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}
	p.Log().Debug("bandwidth.measured",
		logx.Float64("download_mbps", m.DownloadMbps),
		logx.Float64("ping_ms", m.PingMs),
		logx.Bool("latency_only", m.LatencyOnly),
	)
	return m, nil
}

func check(cfg Config, m bandwidth.Measurement) error {
	if cfg.MaxPingMs > 0 && m.PingMs > cfg.MaxPingMs {
		return &ThresholdError{Metric: "ping_ms", Got: m.PingMs, Limit: cfg.MaxPingMs}
	}
	if !m.LatencyOnly && cfg.MinDownloadMbps > 0 && m.DownloadMbps < cfg.MinDownloadMbps {
		return &ThresholdError{Metric: "download_mbps", Got: m.DownloadMbps, Limit: cfg.MinDownloadMbps}
	}
	return nil
}

func (p *Plugin) HealthCheck(ctx context.Context) (plugin.HealthCheckResult, error) {
	if !p.Initialized() {
		return plugin.NewHealth(plugin.Unknown, "not initialized"), nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var res plugin.HealthCheckResult
	switch {
	case p.lastErr != nil:
		res = plugin.NewHealth(plugin.Unhealthy, p.lastErr.Error())
	case p.last == nil:
		return plugin.NewHealth(plugin.Unknown, "no measurement yet"), nil
	case p.fallback:
		res = plugin.NewHealth(plugin.Degraded, "latency-only: "+p.reason)
	default:
		res = plugin.NewHealth(plugin.Healthy, "ok")
	}
	if p.last != nil {
		res = res.WithDetail("download_mbps", p.last.DownloadMbps).WithDetail("ping_ms", p.last.PingMs)
	}
	return res, nil
}

// EnterFallback implements plugin.Fallbacker.
func (p *Plugin) EnterFallback(ctx context.Context, reason string) error {
	p.mu.Lock()
	p.fallback, p.reason = true, reason
	p.mu.Unlock()
	p.Log().Warn("bandwidth.fallback", logx.String("reason", reason))
	return nil
}

var _ plugin.Fallbacker = (*Plugin)(nil)
