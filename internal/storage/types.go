// Package storage persists failure history, recovery actions, admin
// notifications and incident reports.
//
// Drivers:
//   - "memory": process-local, lost on exit (default)
//   - "file":   JSON documents in a directory
//   - "sqlite": SQLite database file (modernc, pure Go)
//   - "redis":  shared Redis instance
package storage

import (
	"context"
	"errors"
	"time"

	"agentd/internal/recovery"
)

var (
	ErrClosed   = errors.New("storage closed")
	ErrNotFound = errors.New("storage: not found")
)

type Config struct {
	Driver      string
	Path        string        // file: directory, sqlite: database file
	BusyTimeout time.Duration // sqlite only

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string // redis only, default "agentd"
}

// Store is the full persistence surface. It satisfies recovery.History.
type Store interface {
	recovery.History

	Notifications(ctx context.Context, limit int) ([]recovery.AdminNotification, error)
	Incident(ctx context.Context, id string) (recovery.Incident, error)
	Close() error
}
