// Package bandwidth measures link throughput and latency against public
// speedtest.net servers.
package bandwidth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"time"

	st "github.com/showwin/speedtest-go/speedtest"
	"golang.org/x/sync/errgroup"
)

type Options struct {
	// Candidates is how many of the nearest servers get pinged.
	Candidates int
	// LatencyOnly skips the download and upload tests.
	LatencyOnly bool
	// SkipUpload skips only the upload test.
	SkipUpload     bool
	SavingMode     bool
	MaxConnections int
	// PingConcurrency caps concurrent ping tests.
	PingConcurrency int
	DialTimeout     time.Duration
}

func (o Options) withDefaults() Options {
	if o.Candidates <= 0 {
		o.Candidates = 5
	}
	if o.MaxConnections <= 0 {
		o.MaxConnections = 4
	}
	if o.PingConcurrency <= 0 {
		o.PingConcurrency = 4
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	return o
}

type Measurement struct {
	At           time.Time     `json:"at"`
	DownloadMbps float64       `json:"download_mbps"`
	UploadMbps   float64       `json:"upload_mbps"`
	PingMs       float64       `json:"ping_ms"`
	JitterMs     float64       `json:"jitter_ms"`
	ISP          string        `json:"isp,omitempty"`
	Server       string        `json:"server,omitempty"`
	Country      string        `json:"country,omitempty"`
	LatencyOnly  bool          `json:"latency_only"`
	Took         time.Duration `json:"took"`
}

var ErrNoServers = errors.New("bandwidth: no reachable servers")

// Prober runs one measurement.
type Prober interface {
	Probe(ctx context.Context, opts Options) (Measurement, error)
}

// Speedtest is the speedtest.net Prober. The zero value is ready to use.
type Speedtest struct{}

func (Speedtest) Probe(ctx context.Context, opts Options) (Measurement, error) {
	if err := ctx.Err(); err != nil {
		return Measurement{}, err
	}
	opts = opts.withDefaults()
	start := time.Now()

	hc, tr := newHTTPClient(opts)
	defer tr.CloseIdleConnections()

	// A private client; the package-level helpers share state across callers.
	stc := st.New(st.WithUserConfig(&st.UserConfig{
		SavingMode:     opts.SavingMode,
		MaxConnections: opts.MaxConnections,
	}), st.WithDoer(hc))
	stc.SetNThread(opts.MaxConnections)
	defer func() {
		stc.Snapshots().Clean()
		stc.Reset()
	}()

	user, err := stc.FetchUserInfoContext(ctx)
	if err != nil {
		return Measurement{}, fmt.Errorf("fetch user info: %w", err)
	}
	servers, err := stc.FetchServerListContext(ctx)
	if err != nil {
		return Measurement{}, fmt.Errorf("fetch server list: %w", err)
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	if len(servers) == 0 {
		return Measurement{}, ErrNoServers
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].Distance < servers[j].Distance })
	servers = servers[:min(opts.Candidates, len(servers))]

	best, err := fastest(ctx, servers, opts.PingConcurrency)
	if err != nil {
		return Measurement{}, err
	}

	m := Measurement{
		PingMs:      float64(best.Latency.Microseconds()) / 1000,
		JitterMs:    float64(best.Jitter.Microseconds()) / 1000,
		ISP:         user.Isp,
		Server:      best.Sponsor,
		Country:     best.Country,
		LatencyOnly: opts.LatencyOnly,
	}
	if !opts.LatencyOnly {
		if err := best.DownloadTestContext(ctx); err != nil {
			return Measurement{}, fmt.Errorf("download test: %w", err)
		}
		m.DownloadMbps = best.DLSpeed.Mbps()
		if !opts.SkipUpload {
			if err := best.UploadTestContext(ctx); err != nil {
				return Measurement{}, fmt.Errorf("upload test: %w", err)
			}
			m.UploadMbps = best.ULSpeed.Mbps()
		}
	}
	m.At = time.Now()
	m.Took = time.Since(start)
	return m, nil
}

// fastest pings every candidate and returns the lowest-latency one.
func fastest(ctx context.Context, servers []*st.Server, limit int) (*st.Server, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	ok := make([]bool, len(servers))
	for i, s := range servers {
		g.Go(func() error {
			// A failed ping only removes this candidate.
			if err := s.PingTestContext(gctx, nil); err == nil && s.Latency > 0 {
				ok[i] = true
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var best *st.Server
	for i, s := range servers {
		if ok[i] && (best == nil || s.Latency < best.Latency) {
			best = s
		}
	}
	if best == nil {
		return nil, ErrNoServers
	}
	return best, nil
}

// newHTTPClient gives each probe its own transport so connections can be
// dropped when the probe ends.
func newHTTPClient(opts Options) (*http.Client, *http.Transport) {
	d := &net.Dialer{Timeout: opts.DialTimeout, KeepAlive: 30 * time.Second}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           d.DialContext,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   max(opts.MaxConnections, 2),
		IdleConnTimeout:       10 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}
	return &http.Client{Transport: tr}, tr
}
