// Package unitctl reads and restarts systemd service units over D-Bus.
// Only Linux has a real implementation; elsewhere New returns
// ErrUnsupported.
package unitctl

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrUnsupported = errors.New("unitctl: unsupported OS (linux only)")
	ErrClosed      = errors.New("unitctl: connection closed")
)

// Status is the state of one unit. Name has no ".service" suffix.
type Status struct {
	Name          string    `json:"name"`
	Active        string    `json:"active"`
	SubState      string    `json:"sub_state"`
	LoadState     string    `json:"load_state"`
	Description   string    `json:"description,omitempty"`
	ActiveExit    time.Time `json:"active_exit,omitempty"`
	InactiveSince time.Time `json:"inactive_since,omitempty"`
	StateChange   time.Time `json:"state_change,omitempty"`
}

func (s Status) Up() bool      { return s.Active == "active" }
func (s Status) Missing() bool { return s.LoadState == "not-found" || s.SubState == "not-found" }

// DownSince prefers systemd's own timestamps; zero when unknown.
func (s Status) DownSince() time.Time {
	switch {
	case !s.InactiveSince.IsZero():
		return s.InactiveSince
	case !s.ActiveExit.IsZero():
		return s.ActiveExit
	default:
		return s.StateChange
	}
}

func missing(name string) Status {
	return Status{Name: name, Active: "unknown", SubState: "not-found", LoadState: "not-found"}
}

// Normalize trims, drops ".service" and de-duplicates unit names, keeping
// order.
func Normalize(units []string) []string {
	seen := make(map[string]bool, len(units))
	out := make([]string, 0, len(units))
	for _, u := range units {
		u = strings.TrimSuffix(strings.TrimSpace(u), ".service")
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}
