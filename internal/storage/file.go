package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"agentd/internal/failure"
	"agentd/internal/recovery"
	"agentd/pkg/logx"
)

const (
	failureDoc      = "failure_history.json"
	recoveryDoc     = "recovery_history.json"
	notificationDoc = "admin_notifications.json"
	incidentPrefix  = "incident_"
)

var incidentIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// fileStore keeps everything in memory and rewrites the affected JSON
// document on each change. Writes go through a temp file and rename.
//
// Layout under dir:
//   - failure_history.json
//   - recovery_history.json
//   - admin_notifications.json
//   - incident_<id>.json
type fileStore struct {
	*memStore
	dir string
	log logx.Logger
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	mem := &memStore{incidents: map[string]recovery.Incident{}}
	if err := readDoc(filepath.Join(dir, failureDoc), &mem.failures); err != nil {
		return nil, err
	}
	if err := readDoc(filepath.Join(dir, recoveryDoc), &mem.actions); err != nil {
		return nil, err
	}
	if err := readDoc(filepath.Join(dir, notificationDoc), &mem.notifications); err != nil {
		return nil, err
	}
	log.Debug("storage.file_loaded",
		logx.String("dir", dir),
		logx.Int("failures", len(mem.failures)),
		logx.Int("actions", len(mem.actions)),
	)
	return &fileStore{memStore: mem, dir: dir, log: log}, nil
}

func readDoc(path string, dst any) error {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeDoc(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// persist rewrites doc from the in-memory slice. Caller holds s.mu.
func (s *fileStore) persistLocked(doc string) error {
	var v any
	switch doc {
	case failureDoc:
		v = s.failures
	case recoveryDoc:
		v = s.actions
	case notificationDoc:
		v = s.notifications
	}
	if err := writeDoc(filepath.Join(s.dir, doc), v); err != nil {
		return fmt.Errorf("write %s: %w", doc, err)
	}
	return nil
}

func (s *fileStore) AppendFailure(ctx context.Context, ev failure.Event) error {
	if err := s.memStore.AppendFailure(ctx, ev); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked(failureDoc)
}

func (s *fileStore) UpdateFailure(ctx context.Context, ev failure.Event) error {
	if err := s.memStore.UpdateFailure(ctx, ev); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked(failureDoc)
}

func (s *fileStore) PruneFailures(ctx context.Context, before time.Time) (int, error) {
	n, err := s.memStore.PruneFailures(ctx, before)
	if err != nil || n == 0 {
		return n, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return n, s.persistLocked(failureDoc)
}

func (s *fileStore) AppendAction(ctx context.Context, a recovery.Action) error {
	if err := s.memStore.AppendAction(ctx, a); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked(recoveryDoc)
}

func (s *fileStore) AppendNotification(ctx context.Context, n recovery.AdminNotification) error {
	if err := s.memStore.AppendNotification(ctx, n); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked(notificationDoc)
}

func (s *fileStore) SaveIncident(ctx context.Context, in recovery.Incident) error {
	if !incidentIDRe.MatchString(in.ID) {
		return fmt.Errorf("invalid incident id %q", in.ID)
	}
	if err := s.memStore.SaveIncident(ctx, in); err != nil {
		return err
	}
	return writeDoc(filepath.Join(s.dir, incidentPrefix+in.ID+".json"), in)
}

func (s *fileStore) Incident(ctx context.Context, id string) (recovery.Incident, error) {
	if in, err := s.memStore.Incident(ctx, id); err == nil {
		return in, nil
	}
	if !incidentIDRe.MatchString(id) {
		return recovery.Incident{}, fmt.Errorf("incident %s: %w", id, ErrNotFound)
	}
	var in recovery.Incident
	path := filepath.Join(s.dir, incidentPrefix+id+".json")
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return recovery.Incident{}, fmt.Errorf("incident %s: %w", id, ErrNotFound)
	}
	if err := readDoc(path, &in); err != nil {
		return recovery.Incident{}, err
	}
	return in, nil
}
