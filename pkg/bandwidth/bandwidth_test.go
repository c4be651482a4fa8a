package bandwidth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOptionsDefaults(t *testing.T) {
	o := Options{}.withDefaults()
	assert.Equal(t, 5, o.Candidates)
	assert.Equal(t, 4, o.MaxConnections)
	assert.Equal(t, 4, o.PingConcurrency)
	assert.Equal(t, 10*time.Second, o.DialTimeout)

	o = Options{Candidates: 2, MaxConnections: 1}.withDefaults()
	assert.Equal(t, 2, o.Candidates)
	assert.Equal(t, 1, o.MaxConnections)
}

func TestProbeHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Speedtest{}.Probe(ctx, Options{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHTTPClientKeepsSmallIdlePool(t *testing.T) {
	_, tr := newHTTPClient(Options{MaxConnections: 1, DialTimeout: time.Second}.withDefaults())
	assert.Equal(t, 2, tr.MaxIdleConnsPerHost)
	assert.NotNil(t, tr.DialContext)
}
