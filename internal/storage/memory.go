package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"agentd/internal/failure"
	"agentd/internal/recovery"
)

type memStore struct {
	mu            sync.RWMutex
	failures      []failure.Event
	actions       []recovery.Action
	notifications []recovery.AdminNotification
	incidents     map[string]recovery.Incident
	closed        bool
}

// NewMemory returns a process-local store.
func NewMemory() Store {
	return &memStore{incidents: map[string]recovery.Incident{}}
}

func (s *memStore) AppendFailure(_ context.Context, ev failure.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.failures = append(s.failures, ev)
	return nil
}

func (s *memStore) UpdateFailure(_ context.Context, ev failure.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for i := range s.failures {
		if s.failures[i].ID == ev.ID {
			s.failures[i] = ev
			return nil
		}
	}
	return fmt.Errorf("failure %s: %w", ev.ID, ErrNotFound)
}

func (s *memStore) Failures(_ context.Context, q recovery.FailureQuery) ([]failure.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return selectFailures(s.failures, q), nil
}

func (s *memStore) PruneFailures(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	s.failures, n = partitionBefore(s.failures, before)
	return n, nil
}

func (s *memStore) AppendAction(_ context.Context, a recovery.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.actions = append(s.actions, a)
	return nil
}

func (s *memStore) Actions(_ context.Context, plugin string, limit int) ([]recovery.Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return selectActions(s.actions, plugin, limit), nil
}

func (s *memStore) AppendNotification(_ context.Context, n recovery.AdminNotification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.notifications = append(s.notifications, n)
	return nil
}

func (s *memStore) Notifications(_ context.Context, limit int) ([]recovery.AdminNotification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newestNotifications(s.notifications, limit), nil
}

func (s *memStore) SaveIncident(_ context.Context, in recovery.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.incidents[in.ID] = in
	return nil
}

func (s *memStore) Incident(_ context.Context, id string) (recovery.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.incidents[id]
	if !ok {
		return recovery.Incident{}, fmt.Errorf("incident %s: %w", id, ErrNotFound)
	}
	return in, nil
}

func (s *memStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
