package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"school-assistant/internal/app"
	"school-assistant/internal/domain"
	"school-assistant/internal/infra/memory"
)

func TestInitializeWithoutBridgeFallsBackToFreeLocalUser(t *testing.T) {
	ctx := context.Background()
	store := memory.NewKVStore()
	notes := &recordingNotifier{}
	boot := app.NewSessionBootstrap(store, app.WithNotifier(notes), app.WithLogger(quietLogger()))

	user, err := boot.Initialize(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.TierFree, user.SubscriptionType)
	assert.Equal(t, app.LocalUserID, user.ID)
	assert.Equal(t, 1, user.Level)
	assert.Equal(t, app.SourceFallback, boot.Source())
	assert.Equal(t, 1, notes.offline)

	raw, ok, err := store.Get(ctx, app.UserKey)
	require.NoError(t, err)
	require.True(t, ok, "fallback identity must be persisted")
	var persisted domain.UserIdentity
	require.NoError(t, json.Unmarshal([]byte(raw), &persisted))
	assert.Equal(t, user, persisted)
}

func TestInitializeUsesPersistedIdentityWithoutNetwork(t *testing.T) {
	ctx := context.Background()
	store := memory.NewKVStore()
	saved := domain.UserIdentity{ID: 42, Username: "masha", TotalPoints: 250, CurrentPoints: 200, Level: 99, SubscriptionType: domain.TierPremium}
	raw, _ := json.Marshal(saved)
	require.NoError(t, store.Set(ctx, app.UserKey, string(raw)))
	require.NoError(t, store.Set(ctx, app.TokenKey, "tok-1"))

	auth := &fakeAuth{result: authResult(7, false)}
	boot := app.NewSessionBootstrap(store,
		app.WithBridge(&fakeBridge{ready: true, initData: validInitData}),
		app.WithAuthenticator(auth),
		app.WithLogger(quietLogger()),
	)

	user, err := boot.Initialize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(42), user.ID)
	assert.Equal(t, 3, user.Level, "level is recomputed from total points")
	assert.Equal(t, "tok-1", boot.Token())
	assert.Equal(t, app.SourcePersisted, boot.Source())
	assert.Zero(t, auth.calls)
}

func TestInitializeRemoteSuccessWelcomesNewUserOnce(t *testing.T) {
	ctx := context.Background()
	store := memory.NewKVStore()
	bridge := &fakeBridge{ready: true, initData: validInitData, hint: &domain.HostUser{ID: 7, FirstName: "Петя"}}
	auth := &fakeAuth{result: authResult(7, true)}
	notes := &recordingNotifier{}
	boot := app.NewSessionBootstrap(store,
		app.WithBridge(bridge),
		app.WithAuthenticator(auth),
		app.WithNotifier(notes),
		app.WithLogger(quietLogger()),
	)

	user, err := boot.Initialize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), user.ID)
	assert.Equal(t, app.SourceRemote, boot.Source())
	assert.True(t, bridge.expanded)
	assert.Equal(t, validInitData, auth.lastInitData)
	assert.Equal(t, 1, notes.welcome)

	token, ok, _ := store.Get(ctx, app.TokenKey)
	assert.True(t, ok)
	assert.Equal(t, "token-7", token)

	_, err = boot.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, notes.welcome, "welcome fires once per session")
	assert.Equal(t, 2, auth.calls)
}

func TestInitializeInvalidDataSkipsRemoteCall(t *testing.T) {
	ctx := context.Background()
	auth := &fakeAuth{result: authResult(7, false)}
	boot := app.NewSessionBootstrap(memory.NewKVStore(),
		app.WithBridge(&fakeBridge{ready: true, initData: "garbage", hint: &domain.HostUser{ID: 77, Username: "vasya", FirstName: "Вася"}}),
		app.WithAuthenticator(auth),
		app.WithValidator(func(string) bool { return false }),
		app.WithLogger(quietLogger()),
	)

	user, err := boot.Initialize(ctx)
	require.NoError(t, err)
	assert.Zero(t, auth.calls)
	assert.Equal(t, int64(77), user.ID)
	assert.Equal(t, "Вася", user.FirstName)
	assert.Equal(t, domain.TierFree, user.SubscriptionType)
	assert.Equal(t, app.SourceFallback, boot.Source())
}

func TestInitializeRemoteFailureFallsBackWithHint(t *testing.T) {
	ctx := context.Background()
	bridge := &fakeBridge{ready: true, initData: validInitData, hint: &domain.HostUser{ID: 5, Username: "kolya", IsPremium: true}}
	notes := &recordingNotifier{}
	boot := app.NewSessionBootstrap(memory.NewKVStore(),
		app.WithBridge(bridge),
		app.WithAuthenticator(&fakeAuth{err: errors.New("timeout")}),
		app.WithNotifier(notes),
		app.WithLogger(quietLogger()),
	)

	user, err := boot.Initialize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), user.ID)
	assert.True(t, user.IsPremium)
	assert.Equal(t, "Гость", user.FirstName)
	assert.Equal(t, 1, notes.offline)
	assert.Empty(t, boot.Token())
}

func TestInitializeIncompleteRemoteResponseIsFailure(t *testing.T) {
	boot := app.NewSessionBootstrap(memory.NewKVStore(),
		app.WithBridge(&fakeBridge{ready: true, initData: validInitData}),
		app.WithAuthenticator(&fakeAuth{result: domain.AuthResult{User: domain.UserIdentity{ID: 9}}}),
		app.WithLogger(quietLogger()),
	)
	_, err := boot.Initialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, app.SourceFallback, boot.Source())
}

func TestInitializeStoreUnavailableIsFatal(t *testing.T) {
	boot := app.NewSessionBootstrap(brokenStore{}, app.WithLogger(quietLogger()))
	_, err := boot.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrStoreUnavailable))
	_, ok := boot.Current()
	assert.False(t, ok)
}

func TestInitializeDiscardsUnreadablePersistedIdentity(t *testing.T) {
	ctx := context.Background()
	store := memory.NewKVStore()
	require.NoError(t, store.Set(ctx, app.UserKey, "{not json"))

	boot := app.NewSessionBootstrap(store, app.WithLogger(quietLogger()))
	user, err := boot.Initialize(ctx)
	require.NoError(t, err)
	assert.Equal(t, app.LocalUserID, user.ID)
	assert.Equal(t, app.SourceFallback, boot.Source())
}

func TestInitializeIsTotal(t *testing.T) {
	for _, persisted := range []bool{true, false} {
		for _, withBridge := range []bool{true, false} {
			for _, remoteOK := range []bool{true, false} {
				name := fmt.Sprintf("persisted=%v/bridge=%v/remote=%v", persisted, withBridge, remoteOK)
				t.Run(name, func(t *testing.T) {
					ctx := context.Background()
					store := memory.NewKVStore()
					if persisted {
						raw, _ := json.Marshal(domain.UserIdentity{ID: 3, SubscriptionType: domain.TierBasic})
						require.NoError(t, store.Set(ctx, app.UserKey, string(raw)))
					}
					auth := &fakeAuth{result: authResult(8, false)}
					if !remoteOK {
						auth = &fakeAuth{err: errors.New("502")}
					}
					opts := []app.BootstrapOption{app.WithAuthenticator(auth), app.WithLogger(quietLogger())}
					if withBridge {
						opts = append(opts, app.WithBridge(&fakeBridge{ready: true, initData: validInitData}))
					}

					user, err := app.NewSessionBootstrap(store, opts...).Initialize(ctx)
					require.NoError(t, err)
					assert.NotZero(t, user.ID)

					switch {
					case persisted:
						assert.Equal(t, int64(3), user.ID)
					case withBridge && remoteOK:
						assert.Equal(t, int64(8), user.ID)
					default:
						assert.Equal(t, app.LocalUserID, user.ID)
					}
				})
			}
		}
	}
}

func TestAwardPointsKeepsCountersAndLevelInStep(t *testing.T) {
	ctx := context.Background()
	notes := &recordingNotifier{}
	boot := app.NewSessionBootstrap(memory.NewKVStore(), app.WithNotifier(notes), app.WithLogger(quietLogger()))
	_, err := boot.Initialize(ctx)
	require.NoError(t, err)

	deltas := []int{30, 50, 0, 19, 1, 250, 99, 1}
	sum, wantLevelUps := 0, 0
	for _, d := range deltas {
		before := sum / 100
		sum += d
		if sum/100 != before {
			wantLevelUps++
		}

		user, ok, err := boot.AwardPoints(ctx, d)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, sum, user.TotalPoints)
		assert.Equal(t, user.TotalPoints, user.CurrentPoints)
		assert.Equal(t, sum/100+1, user.Level)
		assert.Equal(t, wantLevelUps, notes.levelUps)
	}
	assert.Equal(t, []int{2, 4, 5}, notes.levels, "one notice per call, even when several levels are crossed")
}

func TestAwardPointsPersists(t *testing.T) {
	ctx := context.Background()
	store := memory.NewKVStore()
	boot := app.NewSessionBootstrap(store, app.WithLogger(quietLogger()))
	_, _ = boot.Initialize(ctx)

	_, _, err := boot.AwardPoints(ctx, 120)
	require.NoError(t, err)

	reloaded := app.NewSessionBootstrap(store, app.WithLogger(quietLogger()))
	user, err := reloaded.Initialize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 120, user.TotalPoints)
	assert.Equal(t, 2, user.Level)
	assert.Equal(t, app.SourcePersisted, reloaded.Source())
}

func TestAwardPointsWithoutIdentityIsNoop(t *testing.T) {
	boot := app.NewSessionBootstrap(memory.NewKVStore(), app.WithLogger(quietLogger()))
	_, ok, err := boot.AwardPoints(context.Background(), 10)
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = boot.AwardPoints(context.Background(), -1)
	assert.ErrorIs(t, err, domain.ErrNegativePoints)
}

func TestAwardPointsSurvivesNotifierFailure(t *testing.T) {
	ctx := context.Background()
	boot := app.NewSessionBootstrap(memory.NewKVStore(),
		app.WithNotifier(&recordingNotifier{fail: true}),
		app.WithLogger(quietLogger()),
	)
	_, err := boot.Initialize(ctx)
	require.NoError(t, err)

	user, ok, err := boot.AwardPoints(ctx, 150)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, user.Level)
}

func TestRefreshFailureKeepsIdentity(t *testing.T) {
	ctx := context.Background()
	auth := &fakeAuth{result: authResult(7, false)}
	boot := app.NewSessionBootstrap(memory.NewKVStore(),
		app.WithBridge(&fakeBridge{ready: true, initData: validInitData}),
		app.WithAuthenticator(auth),
		app.WithLogger(quietLogger()),
	)
	first, err := boot.Initialize(ctx)
	require.NoError(t, err)

	auth.err = errors.New("network down")
	again, err := boot.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Equal(t, "token-7", boot.Token())
}

func TestRefreshWithoutIdentityOrBridge(t *testing.T) {
	boot := app.NewSessionBootstrap(memory.NewKVStore(), app.WithLogger(quietLogger()))
	_, err := boot.Refresh(context.Background())
	assert.ErrorIs(t, err, domain.ErrNoIdentity)
}

func TestLogoutClearsIdentityAndStore(t *testing.T) {
	ctx := context.Background()
	store := memory.NewKVStore()
	boot := app.NewSessionBootstrap(store,
		app.WithBridge(&fakeBridge{ready: true, initData: validInitData}),
		app.WithAuthenticator(&fakeAuth{result: authResult(7, false)}),
		app.WithLogger(quietLogger()),
	)
	_, err := boot.Initialize(ctx)
	require.NoError(t, err)

	require.NoError(t, boot.Logout(ctx))
	_, ok := boot.Current()
	assert.False(t, ok)
	assert.Zero(t, store.Len())

	_, ok, err = boot.AwardPoints(ctx, 5)
	require.NoError(t, err)
	assert.False(t, ok)

	user, err := boot.Initialize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), user.ID)
}

func TestSubscribeReceivesIdentityChanges(t *testing.T) {
	ctx := context.Background()
	boot := app.NewSessionBootstrap(memory.NewKVStore(), app.WithLogger(quietLogger()))
	ch, cancel := boot.Subscribe()
	defer cancel()

	_, err := boot.Initialize(ctx)
	require.NoError(t, err)
	resolved := <-ch
	assert.Equal(t, app.LocalUserID, resolved.ID)

	_, _, err = boot.AwardPoints(ctx, 10)
	require.NoError(t, err)
	update := <-ch
	assert.Equal(t, 10, update.TotalPoints)

	require.NoError(t, boot.Logout(ctx))
	assert.Zero(t, (<-ch).ID)
}

func TestAlertNotifierToleratesMissingBridge(t *testing.T) {
	n := app.NewAlertNotifier(nil)
	assert.NoError(t, n.Welcome(context.Background(), domain.UserIdentity{}))

	bridge := &fakeBridge{}
	n = app.NewAlertNotifier(bridge)
	require.NoError(t, n.LevelUp(context.Background(), domain.UserIdentity{}, 3))
	assert.Equal(t, []string{"Поздравляем! Вы достигли уровня 3"}, bridge.alerts)
}

func TestNamespacedStoreIsolatesDevices(t *testing.T) {
	ctx := context.Background()
	shared := memory.NewKVStore()
	a := app.Namespace(shared, "device:a:")
	b := app.Namespace(shared, "device:b:")

	require.NoError(t, a.Set(ctx, app.UserKey, "A"))
	_, ok, err := b.Get(ctx, app.UserKey)
	require.NoError(t, err)
	assert.False(t, ok)

	v, ok, _ := shared.Get(ctx, "device:a:user")
	assert.True(t, ok)
	assert.Equal(t, "A", v)
}

const validInitData = "auth_date=1700000000&hash=abc"

type fakeBridge struct {
	ready    bool
	expanded bool
	initData string
	hint     *domain.HostUser
	alerts   []string
}

func (b *fakeBridge) Ready() bool                { return b.ready }
func (b *fakeBridge) Expand()                    { b.expanded = true }
func (b *fakeBridge) InitData() string           { return b.initData }
func (b *fakeBridge) UserHint() *domain.HostUser { return b.hint }

func (b *fakeBridge) ShowAlert(text string) error {
	b.alerts = append(b.alerts, text)
	return nil
}

type fakeAuth struct {
	result       domain.AuthResult
	err          error
	calls        int
	lastInitData string
}

func (a *fakeAuth) Authenticate(_ context.Context, initData string) (domain.AuthResult, error) {
	a.calls++
	a.lastInitData = initData
	if a.err != nil {
		return domain.AuthResult{}, a.err
	}
	return a.result, nil
}

func authResult(id int64, isNew bool) domain.AuthResult {
	return domain.AuthResult{
		Token:     fmt.Sprintf("token-%d", id),
		User:      domain.UserIdentity{ID: id, Username: "remote", SubscriptionType: domain.TierBasic},
		IsNewUser: isNew,
	}
}

type recordingNotifier struct {
	fail     bool
	welcome  int
	offline  int
	levelUps int
	levels   []int
}

func (n *recordingNotifier) result() error {
	if n.fail {
		return errors.New("alert failed")
	}
	return nil
}

func (n *recordingNotifier) Welcome(context.Context, domain.UserIdentity) error {
	n.welcome++
	return n.result()
}

func (n *recordingNotifier) LevelUp(_ context.Context, _ domain.UserIdentity, level int) error {
	n.levelUps++
	n.levels = append(n.levels, level)
	return n.result()
}

func (n *recordingNotifier) OfflineMode(context.Context, domain.UserIdentity) error {
	n.offline++
	return n.result()
}

type brokenStore struct{}

func (brokenStore) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("quota exceeded")
}
func (brokenStore) Set(context.Context, string, string) error { return errors.New("quota exceeded") }
func (brokenStore) Remove(context.Context, string) error      { return errors.New("quota exceeded") }

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}
