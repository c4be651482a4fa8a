package failure

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type QuotaAuthError struct{}

func (QuotaAuthError) Error() string { return "denied" }

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want Kind
	}{
		{errors.New("request Timeout after 5s"), Timeout},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), Timeout},
		{errors.New("connection refused"), NetworkError},
		{errors.New("network unreachable"), NetworkError},
		{errors.New("OOM killed"), MemoryLeak},
		{errors.New("out of memory"), MemoryLeak},
		{errors.New("401 Unauthorized"), AuthenticationError},
		{QuotaAuthError{}, AuthenticationError},
		{errors.New("bad setting: retries"), ConfigurationError},
		{errors.New("missing config key"), ConfigurationError},
		{errors.New("import cycle in module"), DependencyFailure},
		{errors.New("payload corrupt"), DataCorruption},
		{errors.New("invalid checksum"), DataCorruption},
		{errors.New("disk full"), ResourceExhaustion},
		{errors.New("boom"), ExecutionError},
		{nil, ExecutionError},
	}
	for _, tc := range cases {
		name := "nil"
		if tc.err != nil {
			name = tc.err.Error()
		}
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestAssessSeverity(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := DefaultSeverityPolicy()

	history := func(n int, age time.Duration, resolved bool) []Event {
		out := make([]Event, n)
		for i := range out {
			out[i] = Event{Plugin: "p", Timestamp: now.Add(-age), Resolved: resolved}
		}
		return out
	}

	cases := []struct {
		name    string
		kind    Kind
		history []Event
		want    Severity
	}{
		{"first generic failure", ExecutionError, nil, Low},
		{"network", NetworkError, nil, Medium},
		{"dependency", DependencyFailure, nil, Medium},
		{"auth", AuthenticationError, nil, High},
		{"resource", ResourceExhaustion, nil, High},
		{"corruption", DataCorruption, nil, Critical},
		{"memory", MemoryLeak, nil, Critical},
		{"third recent failure", ExecutionError, history(2, time.Minute, false), High},
		{"fifth recent failure", NetworkError, history(4, 10*time.Minute, false), Critical},
		{"resolved history ignored", ExecutionError, history(6, time.Minute, true), Low},
		{"stale history ignored", ExecutionError, history(6, 2*time.Hour, false), Low},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, p.Assess("p", tc.kind, tc.history, now))
		})
	}
}

func TestRecentUnresolvedScopesByPlugin(t *testing.T) {
	t.Parallel()

	now := time.Now()
	h := []Event{{Plugin: "a", Timestamp: now}, {Plugin: "b", Timestamp: now}, {Plugin: "a", Timestamp: now.Add(-time.Minute)}}
	assert.Equal(t, 2, SeverityPolicy{}.RecentUnresolved("a", h, now))
}

func TestEventResolve(t *testing.T) {
	t.Parallel()

	ev := NewEvent("p", Timeout, "slow", time.Now())
	assert.NotEmpty(t, ev.ID)
	ev.Resolve("restart", time.Now())
	assert.True(t, ev.Resolved)
	assert.Equal(t, "restart", ev.Strategy)
	assert.NotNil(t, ev.ResolvedAt)
	assert.Equal(t, 3, Critical.Rank())
}
