package failure

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"
)

type rule struct {
	kind     Kind
	keywords []string
}

// Evaluated in order; the first match wins.
var rules = []rule{
	{Timeout, []string{"timeout", "deadline exceeded"}},
	{NetworkError, []string{"network", "connection"}},
	{MemoryLeak, []string{"memory", "oom"}},
	{AuthenticationError, []string{"auth", "unauthorized"}},
	{ConfigurationError, []string{"config", "setting"}},
	{DependencyFailure, []string{"dependency", "import"}},
	{DataCorruption, []string{"corrupt", "invalid"}},
	{ResourceExhaustion, []string{"resource", "disk"}},
}

// Classify maps err onto a Kind by matching keywords against its message
// and the Go type names in its wrap chain.
func Classify(err error) Kind {
	if err == nil {
		return ExecutionError
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	haystack := strings.ToLower(err.Error() + " " + typeNames(err))
	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(haystack, kw) {
				return r.kind
			}
		}
	}
	return ExecutionError
}

func typeNames(err error) string {
	var b strings.Builder
	for e := err; e != nil; e = errors.Unwrap(e) {
		t := reflect.TypeOf(e)
		for t.Kind() == reflect.Pointer {
			t = t.Elem()
		}
		// Generic wrappers carry no signal.
		if n := t.Name(); n != "" && n != "wrapError" && n != "errorString" {
			b.WriteString(n)
			b.WriteByte(' ')
		}
	}
	return b.String()
}

type SeverityPolicy struct {
	// Window bounds how far back failures count as recent.
	Window time.Duration
	// CriticalThreshold is the number of recent unresolved failures,
	// the current one included, that makes a failure critical.
	CriticalThreshold int
	// HighThreshold is the same count for high severity.
	HighThreshold int
}

func DefaultSeverityPolicy() SeverityPolicy {
	return SeverityPolicy{Window: 60 * time.Minute, CriticalThreshold: 5, HighThreshold: 3}
}

// WithDefaults fills zero fields from DefaultSeverityPolicy.
func (p SeverityPolicy) WithDefaults() SeverityPolicy {
	d := DefaultSeverityPolicy()
	if p.Window <= 0 {
		p.Window = d.Window
	}
	if p.CriticalThreshold <= 0 {
		p.CriticalThreshold = d.CriticalThreshold
	}
	if p.HighThreshold <= 0 {
		p.HighThreshold = d.HighThreshold
	}
	return p
}

// RecentUnresolved counts unresolved events for plugin inside the window
// ending at now. It does not include the failure being assessed.
func (p SeverityPolicy) RecentUnresolved(plugin string, history []Event, now time.Time) int {
	p = p.WithDefaults()
	cutoff := now.Add(-p.Window)
	n := 0
	for _, ev := range history {
		if ev.Plugin == plugin && !ev.Resolved && !ev.Timestamp.Before(cutoff) && !ev.Timestamp.After(now) {
			n++
		}
	}
	return n
}

// Assess rates a new failure of kind given the plugin's failure history.
func (p SeverityPolicy) Assess(plugin string, kind Kind, history []Event, now time.Time) Severity {
	p = p.WithDefaults()
	recent := p.RecentUnresolved(plugin, history, now) + 1

	switch {
	case recent >= p.CriticalThreshold, kind == DataCorruption, kind == MemoryLeak:
		return Critical
	case kind == AuthenticationError, kind == ResourceExhaustion, recent >= p.HighThreshold:
		return High
	case kind == NetworkError, kind == DependencyFailure:
		return Medium
	default:
		return Low
	}
}

// Describe is a compact one-line summary for logs and notifications.
func Describe(ev Event) string {
	return fmt.Sprintf("%s %s failure in %s: %s", ev.Severity, ev.Kind, ev.Plugin, ev.Message)
}
