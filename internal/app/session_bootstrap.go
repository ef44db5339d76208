package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"school-assistant/internal/domain"
)

// Keys the bootstrap owns inside a device store.
const (
	UserKey  = "user"
	TokenKey = "auth_token"
)

// LocalUserID is the id of the fully synthetic offline user.
const LocalUserID int64 = 1

// IdentitySource says which resolution step produced the active identity.
type IdentitySource string

const (
	SourceNone      IdentitySource = ""
	SourcePersisted IdentitySource = "persisted"
	SourceRemote    IdentitySource = "remote"
	SourceFallback  IdentitySource = "fallback"
)

// Bridge is the host platform's identity surface. It may be absent entirely.
type Bridge interface {
	Ready() bool
	Expand()
	InitData() string
	UserHint() *domain.HostUser
	ShowAlert(text string) error
}

// Authenticator exchanges the bridge payload for a server-confirmed identity.
type Authenticator interface {
	Authenticate(ctx context.Context, initData string) (domain.AuthResult, error)
}

var (
	errBridgeMissing   = errors.New("bridge not available")
	errBridgeNotReady  = errors.New("bridge not ready")
	errInvalidData     = errors.New("init data failed validation")
	errNoAuthenticator = errors.New("no authenticator configured")
)

// BootstrapOption configures a SessionBootstrap.
type BootstrapOption func(*SessionBootstrap)

func WithBridge(b Bridge) BootstrapOption {
	return func(s *SessionBootstrap) { s.bridge = b }
}

func WithAuthenticator(a Authenticator) BootstrapOption {
	return func(s *SessionBootstrap) { s.auth = a }
}

func WithNotifier(n Notifier) BootstrapOption {
	return func(s *SessionBootstrap) { s.notifier = n }
}

// WithValidator sets the predicate applied to bridge init data before the remote call.
func WithValidator(valid func(initData string) bool) BootstrapOption {
	return func(s *SessionBootstrap) { s.isValid = valid }
}

func WithLogger(log logrus.FieldLogger) BootstrapOption {
	return func(s *SessionBootstrap) { s.log = log }
}

func WithRecorder(r Recorder) BootstrapOption {
	return func(s *SessionBootstrap) { s.metrics = r }
}

func WithAuthTimeout(d time.Duration) BootstrapOption {
	return func(s *SessionBootstrap) { s.authTimeout = d }
}

// SessionBootstrap owns the identity of one application session.
// Every operation holds mu for its whole duration, so resolution steps never
// race and point awards are serialized.
type SessionBootstrap struct {
	store       KeyValueStore
	bridge      Bridge
	auth        Authenticator
	notifier    Notifier
	isValid     func(string) bool
	log         logrus.FieldLogger
	metrics     Recorder
	authTimeout time.Duration

	mu          sync.Mutex
	user        *domain.UserIdentity
	token       string
	source      IdentitySource
	welcomed    bool
	subscribers map[chan domain.UserIdentity]struct{}
}

func NewSessionBootstrap(store KeyValueStore, opts ...BootstrapOption) *SessionBootstrap {
	s := &SessionBootstrap{
		store:       store,
		isValid:     func(initData string) bool { return strings.TrimSpace(initData) != "" },
		log:         logrus.StandardLogger(),
		metrics:     nopRecorder{},
		authTimeout: 10 * time.Second,
		subscribers: make(map[chan domain.UserIdentity]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.notifier == nil {
		s.notifier = NewAlertNotifier(s.bridge)
	}
	return s
}

// Initialize resolves the current user: persisted identity, then bridge
// handshake plus remote auth, then a local fallback. Only a broken store
// makes it fail.
func (s *SessionBootstrap) Initialize(ctx context.Context) (domain.UserIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.user != nil {
		return *s.user, nil
	}

	user, token, ok, err := s.loadPersistedLocked(ctx)
	if err != nil {
		return domain.UserIdentity{}, err
	}
	if ok {
		s.activateLocked(user, token, SourcePersisted)
		return user, nil
	}

	result, hint, err := s.handshakeLocked(ctx)
	if err == nil {
		if err := s.persistLocked(ctx, result.User, result.Token); err != nil {
			return domain.UserIdentity{}, err
		}
		s.activateLocked(result.User, result.Token, SourceRemote)
		if result.IsNewUser {
			s.welcomeLocked(ctx, result.User)
		}
		return result.User, nil
	}
	s.log.WithError(err).Warn("identity handshake failed, using local identity")

	user = FallbackIdentity(hint)
	if err := s.persistLocked(ctx, user, ""); err != nil {
		return domain.UserIdentity{}, err
	}
	s.activateLocked(user, "", SourceFallback)
	if err := s.notifier.OfflineMode(ctx, user); err != nil {
		s.log.WithError(err).Debug("offline notice not delivered")
	}
	return user, nil
}

// Refresh re-runs the remote authentication only. A failed call keeps the
// existing identity and is logged, not returned.
func (s *SessionBootstrap) Refresh(ctx context.Context) (domain.UserIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, _, err := s.handshakeLocked(ctx)
	if err != nil {
		s.log.WithError(err).Warn("identity refresh failed")
		if s.user == nil {
			return domain.UserIdentity{}, domain.ErrNoIdentity
		}
		return *s.user, nil
	}
	if err := s.persistLocked(ctx, result.User, result.Token); err != nil {
		return domain.UserIdentity{}, err
	}
	s.activateLocked(result.User, result.Token, SourceRemote)
	if result.IsNewUser {
		s.welcomeLocked(ctx, result.User)
	}
	return result.User, nil
}

// AwardPoints adds delta to both point counters. It reports false when no
// identity is active. At most one level-up notice is raised per call.
func (s *SessionBootstrap) AwardPoints(ctx context.Context, delta int) (domain.UserIdentity, bool, error) {
	if delta < 0 {
		return domain.UserIdentity{}, false, domain.ErrNegativePoints
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.user == nil {
		return domain.UserIdentity{}, false, nil
	}
	if delta == 0 {
		return *s.user, true, nil
	}

	next := *s.user
	before := next.Level
	next.CurrentPoints += delta
	next.TotalPoints += delta
	next.Normalize()

	if err := s.saveUserLocked(ctx, next); err != nil {
		return *s.user, true, err
	}
	s.user = &next
	s.broadcastLocked(next)
	s.metrics.PointsAwarded(delta)

	if next.Level > before {
		s.metrics.LevelUp()
		if err := s.notifier.LevelUp(ctx, next, next.Level); err != nil {
			s.log.WithError(err).Debug("level-up notice not delivered")
		}
	}
	return next, true, nil
}

// Logout forgets the identity in memory and in the store.
func (s *SessionBootstrap) Logout(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	hadUser := s.user != nil
	s.user = nil
	s.token = ""
	s.source = SourceNone
	if hadUser {
		s.broadcastLocked(domain.UserIdentity{})
	}

	if err := s.store.Remove(ctx, UserKey); err != nil {
		return storeError("remove", UserKey, err)
	}
	if err := s.store.Remove(ctx, TokenKey); err != nil {
		return storeError("remove", TokenKey, err)
	}
	return nil
}

// Current returns the active identity, if any.
func (s *SessionBootstrap) Current() (domain.UserIdentity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return domain.UserIdentity{}, false
	}
	return *s.user, true
}

func (s *SessionBootstrap) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *SessionBootstrap) Source() IdentitySource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.source
}

// Subscribe returns a channel receiving the identity after every change; a
// zero identity means logout. The caller must invoke cancel to avoid leaks.
func (s *SessionBootstrap) Subscribe() (<-chan domain.UserIdentity, func()) {
	ch := make(chan domain.UserIdentity, 4)

	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	if s.user != nil {
		ch <- *s.user
	}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if _, ok := s.subscribers[ch]; ok {
			delete(s.subscribers, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

// FallbackIdentity builds the offline user from whatever the host provided.
func FallbackIdentity(hint *domain.HostUser) domain.UserIdentity {
	user := domain.UserIdentity{
		ID:               LocalUserID,
		Username:         "guest",
		FirstName:        "Гость",
		SubscriptionType: domain.TierFree,
	}
	if hint != nil && hint.ID != 0 {
		user.ID = hint.ID
		user.Username = hint.Username
		user.LastName = hint.LastName
		user.PhotoURL = hint.PhotoURL
		user.IsPremium = hint.IsPremium
		if hint.FirstName != "" {
			user.FirstName = hint.FirstName
		}
	}
	user.Normalize()
	return user
}

func (s *SessionBootstrap) loadPersistedLocked(ctx context.Context) (domain.UserIdentity, string, bool, error) {
	raw, ok, err := s.store.Get(ctx, UserKey)
	if err != nil {
		return domain.UserIdentity{}, "", false, storeError("get", UserKey, err)
	}
	if !ok {
		return domain.UserIdentity{}, "", false, nil
	}

	var user domain.UserIdentity
	if err := json.Unmarshal([]byte(raw), &user); err != nil || user.ID == 0 {
		s.log.WithField("key", UserKey).Warn("discarding unreadable persisted identity")
		if err := s.store.Remove(ctx, UserKey); err != nil {
			return domain.UserIdentity{}, "", false, storeError("remove", UserKey, err)
		}
		return domain.UserIdentity{}, "", false, nil
	}
	user.Normalize()

	token, _, err := s.store.Get(ctx, TokenKey)
	if err != nil {
		return domain.UserIdentity{}, "", false, storeError("get", TokenKey, err)
	}
	return user, token, true, nil
}

// handshakeLocked runs the bridge checks and the remote call. The host hint is
// returned even on failure so the fallback can use it.
func (s *SessionBootstrap) handshakeLocked(ctx context.Context) (domain.AuthResult, *domain.HostUser, error) {
	if s.bridge == nil {
		return domain.AuthResult{}, nil, errBridgeMissing
	}
	if !s.bridge.Ready() {
		return domain.AuthResult{}, nil, errBridgeNotReady
	}
	s.bridge.Expand()
	hint := s.bridge.UserHint()

	initData := s.bridge.InitData()
	if !s.isValid(initData) {
		return domain.AuthResult{}, hint, errInvalidData
	}
	if s.auth == nil {
		return domain.AuthResult{}, hint, errNoAuthenticator
	}

	callCtx := ctx
	if s.authTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.authTimeout)
		defer cancel()
	}
	result, err := s.auth.Authenticate(callCtx, initData)
	if err != nil {
		return domain.AuthResult{}, hint, fmt.Errorf("%w: %v", domain.ErrAuthFailed, err)
	}
	if result.Token == "" || result.User.ID == 0 {
		return domain.AuthResult{}, hint, fmt.Errorf("%w: incomplete response", domain.ErrAuthFailed)
	}
	result.User.Normalize()
	return result, hint, nil
}

func (s *SessionBootstrap) persistLocked(ctx context.Context, user domain.UserIdentity, token string) error {
	if err := s.saveUserLocked(ctx, user); err != nil {
		return err
	}
	if token == "" {
		if err := s.store.Remove(ctx, TokenKey); err != nil {
			return storeError("remove", TokenKey, err)
		}
		return nil
	}
	if err := s.store.Set(ctx, TokenKey, token); err != nil {
		return storeError("set", TokenKey, err)
	}
	return nil
}

func (s *SessionBootstrap) saveUserLocked(ctx context.Context, user domain.UserIdentity) error {
	raw, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}
	if err := s.store.Set(ctx, UserKey, string(raw)); err != nil {
		return storeError("set", UserKey, err)
	}
	return nil
}

func (s *SessionBootstrap) activateLocked(user domain.UserIdentity, token string, source IdentitySource) {
	s.user = &user
	s.token = token
	s.source = source
	s.metrics.IdentityResolved(source)
	s.log.WithFields(logrus.Fields{
		"user_id": user.ID,
		"source":  string(source),
	}).Info("identity resolved")
	s.broadcastLocked(user)
}

func (s *SessionBootstrap) welcomeLocked(ctx context.Context, user domain.UserIdentity) {
	if s.welcomed {
		return
	}
	s.welcomed = true
	if err := s.notifier.Welcome(ctx, user); err != nil {
		s.log.WithError(err).Debug("welcome notice not delivered")
	}
}

func (s *SessionBootstrap) broadcastLocked(user domain.UserIdentity) {
	for ch := range s.subscribers {
		select {
		case ch <- user:
		default:
			// drop the oldest update so a slow reader never blocks a mutation
			select {
			case <-ch:
			default:
			}
			ch <- user
		}
	}
}
