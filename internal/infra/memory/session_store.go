package memory

import (
	"context"
	"sync"

	"school-assistant/internal/app"
	"school-assistant/internal/domain"
)

// SessionStore is an in-memory implementation of app.SessionRepository.
// Progress lives only as long as the process.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[app.SessionKey]*app.QuizSession
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[app.SessionKey]*app.QuizSession),
	}
}

func (s *SessionStore) Get(_ context.Context, key app.SessionKey) (*app.QuizSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[key]
	return session, ok
}

func (s *SessionStore) Put(_ context.Context, key app.SessionKey, session *app.QuizSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[key] = session
}

func (s *SessionStore) LoadProgress(context.Context, app.SessionKey) (*domain.AttemptProgress, error) {
	return nil, nil
}

// Evict drops the session. Nothing else is kept in memory.
func (s *SessionStore) Evict(ctx context.Context, key app.SessionKey) {
	s.Delete(ctx, key)
}

func (s *SessionStore) Delete(_ context.Context, key app.SessionKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, key)
}

// Len reports how many sessions are parked.
func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
