package redis

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"school-assistant/internal/app"
	"school-assistant/internal/domain"
)

// SessionStore is a Redis-aware implementation of app.SessionRepository.
// Notes:
//   - Live sessions stay in a local map so their timers and subscribers keep
//     working in-process.
//   - Every Put snapshots the attempt's progress under
//     quiz:progress:{user}:{quiz} with a TTL, so a restarted process resumes
//     the attempt at the first unanswered question.
type SessionStore struct {
	client   *redis.Client
	ttl      time.Duration
	mu       sync.RWMutex
	sessions map[app.SessionKey]*app.QuizSession
}

func NewSessionStore(client *redis.Client, ttl time.Duration) *SessionStore {
	return &SessionStore{
		client:   client,
		ttl:      ttl,
		sessions: make(map[app.SessionKey]*app.QuizSession),
	}
}

func (s *SessionStore) Get(_ context.Context, key app.SessionKey) (*app.QuizSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[key]
	return session, ok
}

func (s *SessionStore) Put(ctx context.Context, key app.SessionKey, session *app.QuizSession) {
	s.mu.Lock()
	s.sessions[key] = session
	s.mu.Unlock()

	if session.Finished() {
		return
	}
	raw, err := json.Marshal(session.Progress())
	if err != nil {
		return
	}
	// best-effort snapshot
	_ = s.client.Set(ctx, s.progressKey(key), raw, s.ttl).Err()
}

// LoadProgress returns the saved snapshot, or nil when none exists.
func (s *SessionStore) LoadProgress(ctx context.Context, key app.SessionKey) (*domain.AttemptProgress, error) {
	raw, err := s.client.Get(ctx, s.progressKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var progress domain.AttemptProgress
	if err := json.Unmarshal(raw, &progress); err != nil {
		return nil, err
	}
	return &progress, nil
}

// Evict drops the live session and leaves its snapshot to expire on its own.
func (s *SessionStore) Evict(_ context.Context, key app.SessionKey) {
	s.mu.Lock()
	delete(s.sessions, key)
	s.mu.Unlock()
}

func (s *SessionStore) Delete(ctx context.Context, key app.SessionKey) {
	s.mu.Lock()
	delete(s.sessions, key)
	s.mu.Unlock()
	_ = s.client.Del(ctx, s.progressKey(key)).Err()
}

func (s *SessionStore) progressKey(key app.SessionKey) string {
	return "quiz:progress:" + key.UserID + ":" + key.QuizID
}
