//go:build linux

package unitctl

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
)

type Manager struct {
	mu   sync.RWMutex
	conn *dbus.Conn
}

// New connects to the system bus.
func New(ctx context.Context) (*Manager, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to systemd: %w", err)
	}
	return &Manager{conn: conn}, nil
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	return nil
}

func (m *Manager) get() (*dbus.Conn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.conn == nil {
		return nil, ErrClosed
	}
	return m.conn, nil
}

// Status looks the unit up with ListUnitsByPatterns and only pulls the
// property map for units that are down, to get their timestamps.
func (m *Manager) Status(ctx context.Context, name string) (Status, error) {
	conn, err := m.get()
	if err != nil {
		return Status{}, err
	}
	unit := name + ".service"

	units, err := conn.ListUnitsByPatternsContext(ctx, nil, []string{unit})
	if err == nil && len(units) > 0 {
		u := units[0]
		for _, x := range units {
			if x.Name == unit {
				u = x
				break
			}
		}
		st := Status{Name: name, Active: u.ActiveState, SubState: u.SubState, LoadState: u.LoadState, Description: u.Description}
		if st.Missing() {
			return missing(name), nil
		}
		if st.Up() {
			return st, nil
		}
		if props, perr := conn.GetUnitPropertiesContext(ctx, unit); perr == nil {
			stamp(&st, props)
		}
		return st, nil
	}

	props, err := conn.GetUnitPropertiesContext(ctx, unit)
	if err != nil {
		if strings.Contains(err.Error(), "NoSuchUnit") {
			return missing(name), nil
		}
		return Status{}, fmt.Errorf("status %s: %w", name, err)
	}
	st := Status{
		Name:        name,
		Active:      str(props, "ActiveState"),
		SubState:    str(props, "SubState"),
		LoadState:   str(props, "LoadState"),
		Description: str(props, "Description"),
	}
	if st.Missing() {
		return missing(name), nil
	}
	stamp(&st, props)
	return st, nil
}

// Restart queues a restart job and waits for its result.
func (m *Manager) Restart(ctx context.Context, name string) error {
	conn, err := m.get()
	if err != nil {
		return err
	}
	done := make(chan string, 1)
	if _, err := conn.RestartUnitContext(ctx, name+".service", "replace", done); err != nil {
		return fmt.Errorf("restart %s: %w", name, err)
	}
	select {
	case res := <-done:
		if res != "done" {
			return fmt.Errorf("restart %s: job %s", name, res)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func stamp(st *Status, props map[string]any) {
	st.ActiveExit = usec(props, "ActiveExitTimestamp")
	st.InactiveSince = usec(props, "InactiveEnterTimestamp")
	st.StateChange = usec(props, "StateChangeTimestamp")
}

func str(props map[string]any, key string) string {
	v, _ := props[key].(string)
	return v
}

// usec decodes systemd's microseconds-since-epoch timestamps.
func usec(props map[string]any, key string) time.Time {
	if ts, ok := props[key].(uint64); ok && ts > 0 {
		return time.UnixMicro(int64(ts))
	}
	return time.Time{}
}
