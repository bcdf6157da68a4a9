// Package mock provides an in-memory [store.SessionStore] used by tests and
// by deployments running without a configured database.
package mock

import (
	"context"
	"sync"

	"github.com/callwarden/callwarden/pkg/store"
)

// Compile-time interface check.
var _ store.SessionStore = (*SessionStore)(nil)

// SessionStore is an in-memory store.SessionStore. The zero value is ready
// to use. All methods are safe for concurrent use.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]store.Session
	finals   map[string]store.FinalRecord
}

// CreateSession implements [store.SessionStore].
func (s *SessionStore) CreateSession(_ context.Context, sess store.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions == nil {
		s.sessions = make(map[string]store.Session)
		s.finals = make(map[string]store.FinalRecord)
	}
	s.sessions[sess.ID] = sess
	return nil
}

// FinalizeSession implements [store.SessionStore].
func (s *SessionStore) FinalizeSession(_ context.Context, id string, rec store.FinalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	if sess.CompletedAt != nil {
		return store.ErrAlreadyFinal
	}
	completed := rec.CompletedAt
	sess.CompletedAt = &completed
	sess.IsScam = &rec.IsScam
	sess.Probability = &rec.Probability
	s.sessions[id] = sess
	s.finals[id] = rec
	return nil
}

// GetSession implements [store.SessionStore].
func (s *SessionStore) GetSession(_ context.Context, id string) (store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return store.Session{}, store.ErrNotFound
	}
	return sess, nil
}

// Len returns the number of stored sessions.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// GetFinal implements [store.SessionStore].
func (s *SessionStore) GetFinal(_ context.Context, id string) (store.FinalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.finals[id]
	if !ok {
		return store.FinalRecord{}, store.ErrNotFound
	}
	return rec, nil
}
