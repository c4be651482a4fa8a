// Package system reports Go runtime and process statistics. It is the root
// most other shipped plugins depend on: if the process itself is in
// trouble, there is little point probing anything else.
package system

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"agentd/internal/plugin"
	"agentd/pkg/logx"
)

const Name = "system"

type Config struct {
	// MaxHeapMB fails Run when the live heap exceeds it. Zero disables.
	MaxHeapMB uint64 `json:"max_heap_mb,omitempty"`
	// MaxGoroutines degrades health above this count. Zero disables.
	MaxGoroutines int `json:"max_goroutines,omitempty"`
}

type sample struct {
	Goroutines int
	HeapAlloc  uint64
	Sys        uint64
	NumGC      uint32
}

func readRuntime() sample {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return sample{Goroutines: runtime.NumGoroutine(), HeapAlloc: m.HeapAlloc, Sys: m.Sys, NumGC: m.NumGC}
}

type Snapshot struct {
	GoVersion      string `json:"go_version"`
	Module         string `json:"module,omitempty"`
	Goroutines     int    `json:"goroutines"`
	HeapAlloc      uint64 `json:"heap_alloc"`
	Heap           string `json:"heap"`
	Sys            string `json:"sys"`
	NumGC          uint32 `json:"num_gc"`
	Uptime         string `json:"uptime"`
	PeakGoroutines int    `json:"peak_goroutines"`
	PeakHeap       string `json:"peak_heap"`
}

type Plugin struct {
	plugin.Base
	read func() sample

	mu       sync.Mutex
	cfg      Config
	started  time.Time
	peakG    int
	peakHeap uint64
	last     sample
}

func New() *Plugin {
	return &Plugin{Base: plugin.NewBase(Name), read: readRuntime}
}

func (p *Plugin) Initialize(ctx context.Context, env plugin.Env) error {
	p.InitBase(env)
	var cfg Config
	if err := p.DecodeConfig(&cfg); err != nil {
		return err
	}
	p.mu.Lock()
	p.cfg = cfg
	if p.started.IsZero() {
		p.started = time.Now()
	}
	p.mu.Unlock()
	return nil
}

func (p *Plugin) Run(ctx context.Context) (any, error) {
	s := p.read()

	p.mu.Lock()
	p.last = s
	p.peakG = max(p.peakG, s.Goroutines)
	p.peakHeap = max(p.peakHeap, s.HeapAlloc)
	cfg := p.cfg
	snap := Snapshot{
		GoVersion:      runtime.Version(),
		Goroutines:     s.Goroutines,
		HeapAlloc:      s.HeapAlloc,
		Heap:           humanize.IBytes(s.HeapAlloc),
		Sys:            humanize.IBytes(s.Sys),
		NumGC:          s.NumGC,
		Uptime:         time.Since(p.started).Round(time.Second).String(),
		PeakGoroutines: p.peakG,
		PeakHeap:       humanize.IBytes(p.peakHeap),
	}
	p.mu.Unlock()

	if bi, ok := debug.ReadBuildInfo(); ok {
		snap.Module = bi.Main.Path + " " + bi.Main.Version
	}
	if limit := cfg.MaxHeapMB << 20; limit > 0 && s.HeapAlloc > limit {
		return snap, fmt.Errorf("heap memory %s above limit %s", humanize.IBytes(s.HeapAlloc), humanize.IBytes(limit))
	}
	return snap, nil
}

func (p *Plugin) HealthCheck(ctx context.Context) (plugin.HealthCheckResult, error) {
	if !p.Initialized() {
		return plugin.NewHealth(plugin.Unknown, "not initialized"), nil
	}
	p.mu.Lock()
	cfg, s := p.cfg, p.last
	p.mu.Unlock()
	if s == (sample{}) {
		s = p.read()
	}

	res := plugin.NewHealth(plugin.Healthy, "ok")
	if limit := cfg.MaxHeapMB << 20; limit > 0 && s.HeapAlloc > limit {
		res = plugin.NewHealth(plugin.Unhealthy, "heap above limit")
	} else if cfg.MaxGoroutines > 0 && s.Goroutines > cfg.MaxGoroutines {
		res = plugin.NewHealth(plugin.Degraded, fmt.Sprintf("%d goroutines", s.Goroutines))
	}
	return res.WithDetail("goroutines", s.Goroutines).WithDetail("heap", humanize.IBytes(s.HeapAlloc)), nil
}

// ResetState implements plugin.StateResetter: peaks start over and the
// runtime is asked to hand freed memory back to the OS.
func (p *Plugin) ResetState(ctx context.Context) error {
	p.mu.Lock()
	p.peakG, p.peakHeap = 0, 0
	p.last = sample{}
	p.mu.Unlock()
	debug.FreeOSMemory()
	p.Log().Info("system.state_reset", logx.Int("goroutines", runtime.NumGoroutine()))
	return nil
}

var _ plugin.StateResetter = (*Plugin)(nil)
