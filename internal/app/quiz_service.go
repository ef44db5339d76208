package app

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"school-assistant/internal/domain"
)

// SessionKey identifies the live attempt of one user at one quiz.
type SessionKey struct {
	UserID string
	QuizID string
}

func (k SessionKey) String() string { return k.UserID + ":" + k.QuizID }

// SessionRepository abstracts how live quiz sessions are kept (in-memory, Redis, etc).
// LoadProgress returns nil when nothing was saved. Evict forgets the live
// session but keeps any saved progress; Delete removes both.
type SessionRepository interface {
	Get(ctx context.Context, key SessionKey) (*QuizSession, bool)
	Put(ctx context.Context, key SessionKey, session *QuizSession)
	LoadProgress(ctx context.Context, key SessionKey) (*domain.AttemptProgress, error)
	Evict(ctx context.Context, key SessionKey)
	Delete(ctx context.Context, key SessionKey)
}

// DefaultIdleTimeout is how long a parked session stays in memory.
const DefaultIdleTimeout = 30 * time.Minute

// ServiceOption configures a QuizService.
type ServiceOption func(*QuizService)

// WithIdleTimeout sets how long a session with no connections is kept live.
func WithIdleTimeout(d time.Duration) ServiceOption {
	return func(s *QuizService) {
		if d > 0 {
			s.idleTimeout = d
		}
	}
}

func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *QuizService) { s.now = now }
}

// QuizService hands out quiz sessions per user and parks them between
// connections. A session is shared by every connection of the same user and
// quiz; its timer keeps running until the last one detaches.
type QuizService struct {
	engine      *QuizEngine
	sessions    SessionRepository
	log         logrus.FieldLogger
	idleTimeout time.Duration
	now         func() time.Time

	mu       sync.Mutex
	attached map[SessionKey]int
	parkedAt map[SessionKey]time.Time
}

func NewQuizService(engine *QuizEngine, sessions SessionRepository, log logrus.FieldLogger, opts ...ServiceOption) *QuizService {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &QuizService{
		engine:      engine,
		sessions:    sessions,
		log:         log,
		idleTimeout: DefaultIdleTimeout,
		now:         time.Now,
		attached:    make(map[SessionKey]int),
		parkedAt:    make(map[SessionKey]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start attaches a connection to the live session for key, resuming saved
// progress or opening a fresh attempt. Every successful Start must be paired
// with a Suspend. Unknown quizzes return domain.ErrQuizNotFound.
func (s *QuizService) Start(ctx context.Context, key SessionKey) (*QuizSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session, ok := s.sessions.Get(ctx, key); ok {
		s.attached[key]++
		delete(s.parkedAt, key)
		return session, nil
	}

	progress, err := s.sessions.LoadProgress(ctx, key)
	if err != nil {
		s.log.WithError(err).WithField("session", key.String()).Warn("saved progress unreadable, starting fresh")
		progress = nil
	}

	session, err := s.engine.Open(ctx, key.QuizID, progress)
	if err != nil {
		return nil, err
	}
	s.sessions.Put(ctx, key, session)
	s.attached[key] = 1
	delete(s.parkedAt, key)
	return session, nil
}

// Suspend detaches one connection. When it was the last one the timer is
// stopped; finished sessions are dropped and others are parked so the next
// Start resumes them.
func (s *QuizService) Suspend(ctx context.Context, key SessionKey, session *QuizSession) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.sessions.Get(ctx, key)
	if ok && current != session {
		session.Close()
		return
	}
	if n := s.attached[key] - 1; n > 0 {
		s.attached[key] = n
		return
	}
	delete(s.attached, key)

	session.Close()
	if session.Finished() {
		delete(s.parkedAt, key)
		s.sessions.Delete(ctx, key)
		return
	}
	s.sessions.Put(ctx, key, session)
	s.parkedAt[key] = s.now()
}

// Attached reports how many connections share the session for key.
func (s *QuizService) Attached(key SessionKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached[key]
}

// SweepIdle evicts sessions parked for longer than the idle timeout and
// reports how many went. Saved progress survives eviction.
func (s *QuizService) SweepIdle(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.idleTimeout)
	evicted := 0
	for key, at := range s.parkedAt {
		if at.After(cutoff) {
			continue
		}
		if session, ok := s.sessions.Get(ctx, key); ok {
			session.Close()
		}
		s.sessions.Evict(ctx, key)
		delete(s.parkedAt, key)
		evicted++
	}
	if evicted > 0 {
		s.log.WithField("count", evicted).Debug("evicted idle quiz sessions")
	}
	return evicted
}
