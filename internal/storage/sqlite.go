package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"agentd/internal/failure"
	"agentd/internal/recovery"
	"agentd/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer keeps SQLite out of SQLITE_BUSY territory.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func msOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *sqliteStore) AppendFailure(ctx context.Context, ev failure.Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO failure_history(id, plugin, kind, message, ts, severity, resolved, strategy, resolved_at)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		ev.ID, ev.Plugin, string(ev.Kind), ev.Message, ev.Timestamp.UnixMilli(), string(ev.Severity),
		boolInt(ev.Resolved), nullStr(ev.Strategy), msOrNil(ev.ResolvedAt),
	)
	return err
}

func (s *sqliteStore) UpdateFailure(ctx context.Context, ev failure.Event) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE failure_history SET severity=?, resolved=?, strategy=?, resolved_at=? WHERE id=?`,
		string(ev.Severity), boolInt(ev.Resolved), nullStr(ev.Strategy), msOrNil(ev.ResolvedAt), ev.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("failure %s: %w", ev.ID, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) Failures(ctx context.Context, q recovery.FailureQuery) ([]failure.Event, error) {
	var (
		where []string
		args  []any
	)
	if q.Plugin != "" {
		where = append(where, "plugin = ?")
		args = append(args, q.Plugin)
	}
	if !q.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, q.Since.UnixMilli())
	}
	query := `SELECT id, plugin, kind, message, ts, severity, resolved, strategy, resolved_at FROM failure_history`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts DESC"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []failure.Event
	for rows.Next() {
		var (
			ev         failure.Event
			kind, sev  string
			ts         int64
			resolved   int
			strategy   sql.NullString
			resolvedAt sql.NullInt64
		)
		if err := rows.Scan(&ev.ID, &ev.Plugin, &kind, &ev.Message, &ts, &sev, &resolved, &strategy, &resolvedAt); err != nil {
			return nil, err
		}
		ev.Kind = failure.Kind(kind)
		ev.Severity = failure.Severity(sev)
		ev.Timestamp = time.UnixMilli(ts).UTC()
		ev.Resolved = resolved != 0
		ev.Strategy = strategy.String
		if resolvedAt.Valid {
			t := time.UnixMilli(resolvedAt.Int64).UTC()
			ev.ResolvedAt = &t
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneFailures(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM failure_history WHERE ts < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) AppendAction(ctx context.Context, a recovery.Action) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recovery_history(id, strategy, plugin, failure_id, ts, success, exec_ms, notes)
		 VALUES(?,?,?,?,?,?,?,?)`,
		a.ID, string(a.Strategy), a.Plugin, nullStr(a.FailureID), a.Timestamp.UnixMilli(),
		boolInt(a.Success), a.ExecutionTimeMs, nullStr(a.Notes),
	)
	return err
}

func (s *sqliteStore) Actions(ctx context.Context, plugin string, limit int) ([]recovery.Action, error) {
	query := `SELECT id, strategy, plugin, failure_id, ts, success, exec_ms, notes FROM recovery_history`
	var args []any
	if plugin != "" {
		query += " WHERE plugin = ?"
		args = append(args, plugin)
	}
	query += " ORDER BY ts DESC, rowid DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []recovery.Action
	for rows.Next() {
		var (
			a         recovery.Action
			strategy  string
			failureID sql.NullString
			notes     sql.NullString
			ts        int64
			success   int
		)
		if err := rows.Scan(&a.ID, &strategy, &a.Plugin, &failureID, &ts, &success, &a.ExecutionTimeMs, &notes); err != nil {
			return nil, err
		}
		a.Strategy = recovery.StrategyName(strategy)
		a.FailureID = failureID.String
		a.Notes = notes.String
		a.Timestamp = time.UnixMilli(ts).UTC()
		a.Success = success != 0
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Newest-first from SQL, callers want oldest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *sqliteStore) AppendNotification(ctx context.Context, n recovery.AdminNotification) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO admin_notifications(id, type, plugin, severity, kind, message, failure_id, incident_id, ts)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		n.ID, n.Type, n.Plugin, string(n.Severity), string(n.Kind), n.Message,
		nullStr(n.FailureID), nullStr(n.IncidentID), n.Timestamp.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) Notifications(ctx context.Context, limit int) ([]recovery.AdminNotification, error) {
	query := `SELECT id, type, plugin, severity, kind, message, failure_id, incident_id, ts
	          FROM admin_notifications ORDER BY ts DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []recovery.AdminNotification
	for rows.Next() {
		var (
			n                     recovery.AdminNotification
			sev, kind             string
			failureID, incidentID sql.NullString
			ts                    int64
		)
		if err := rows.Scan(&n.ID, &n.Type, &n.Plugin, &sev, &kind, &n.Message, &failureID, &incidentID, &ts); err != nil {
			return nil, err
		}
		n.Severity = failure.Severity(sev)
		n.Kind = failure.Kind(kind)
		n.FailureID = failureID.String
		n.IncidentID = incidentID.String
		n.Timestamp = time.UnixMilli(ts).UTC()
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveIncident(ctx context.Context, in recovery.Incident) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO incidents(id, plugin, created_at, body) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET body=excluded.body`,
		in.ID, in.Plugin, in.CreatedAt.UnixMilli(), string(body),
	)
	return err
}

func (s *sqliteStore) Incident(ctx context.Context, id string) (recovery.Incident, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM incidents WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return recovery.Incident{}, fmt.Errorf("incident %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return recovery.Incident{}, err
	}
	var in recovery.Incident
	if err := json.Unmarshal([]byte(body), &in); err != nil {
		return recovery.Incident{}, fmt.Errorf("decode incident %s: %w", id, err)
	}
	return in, nil
}
