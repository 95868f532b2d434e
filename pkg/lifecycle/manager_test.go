package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/porthorian/recipebox/pkg/authstate"
	memorycache "github.com/porthorian/recipebox/pkg/cache/memory"
	ocrypto "github.com/porthorian/recipebox/pkg/crypto"
	oerrors "github.com/porthorian/recipebox/pkg/errors"
	"github.com/porthorian/recipebox/pkg/provider/memory"
	"github.com/porthorian/recipebox/pkg/retry"
	"github.com/porthorian/recipebox/pkg/scheduler"
	"github.com/porthorian/recipebox/pkg/session"
)

var cook = session.Credentials{Email: "cook@example.com", Password: "secret-pw"}

type harness struct {
	manager  *Manager
	provider *memory.Provider
	cache    *memorycache.Adapter
	clock    *clockwork.FakeClock
}

// newHarness builds a manager over an in-memory provider. With storedSession
// the provider already holds a session for cook, as after an app restart.
func newHarness(t *testing.T, storedSession bool) *harness {
	t.Helper()

	clock := clockwork.NewFakeClock()
	provider := memory.New(memory.Options{
		Clock:  clock,
		Hasher: ocrypto.NewPBKDF2Hasher(ocrypto.PBKDF2Options{Iterations: 1000, SaltBytes: 16, KeyBytes: 32}),
	})
	if storedSession {
		require.NoError(t, provider.SignUp(context.Background(), cook, session.SignUpOptions{AutoSignIn: true}))
	}
	cache := memorycache.NewAdapterWithClock(clock)

	manager, err := New(provider, Options{
		Logger: testr.New(t),
		Clock:  clock,
		Cache:  cache,
	})
	require.NoError(t, err)
	t.Cleanup(manager.Teardown)

	return &harness{manager: manager, provider: provider, cache: cache, clock: clock}
}

func (h *harness) initialize(t *testing.T) {
	t.Helper()
	require.NoError(t, h.manager.Initialize(context.Background()))
}

// advanceRetryDelays steps the fake clock through the first n retry delays of
// the default policy.
func (h *harness) advanceRetryDelays(t *testing.T, n int) {
	t.Helper()
	h.advanceRetryDelaysBeside(t, n, 0)
}

// advanceRetryDelaysBeside is advanceRetryDelays while other timers, such as
// the refresh ticker, are also registered with the clock.
func (h *harness) advanceRetryDelaysBeside(t *testing.T, n int, others int) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	policy := retry.DefaultPolicy()
	for attempt := 1; attempt <= n; attempt++ {
		require.NoError(t, h.clock.BlockUntilContext(ctx, others+1), "waiting for retry delay %d", attempt)
		h.clock.Advance(policy.DelayFor(attempt))
	}
}

type recorder struct {
	mu     sync.Mutex
	states []authstate.State
}

func record(m *Manager) *recorder {
	r := &recorder{}
	m.Subscribe(func(state authstate.State) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.states = append(r.states, state)
	})
	return r
}

func (r *recorder) statuses() []authstate.Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	statuses := make([]authstate.Status, 0, len(r.states))
	for _, state := range r.states {
		statuses = append(statuses, state.Status)
	}
	return statuses
}

func TestNewRequiresProvider(t *testing.T) {
	_, err := New(nil, Options{})
	assert.ErrorIs(t, err, oerrors.ErrMissingProvider)
}

func TestInitializeWithStoredSession(t *testing.T) {
	h := newHarness(t, true)
	states := record(h.manager)

	h.initialize(t)

	assert.Equal(t, []authstate.Status{authstate.StatusInitializing, authstate.StatusAuthenticated}, states.statuses())
	assert.True(t, h.manager.IsAuthenticated())
	assert.Equal(t, cook.Email, h.manager.State().Session.User.Email)
	assert.True(t, h.manager.scheduler.Active())
}

func TestInitializeWithoutSession(t *testing.T) {
	h := newHarness(t, false)
	states := record(h.manager)

	h.initialize(t)

	assert.Equal(t, []authstate.Status{authstate.StatusInitializing, authstate.StatusUnauthenticated}, states.statuses())
	assert.False(t, h.manager.scheduler.Active())
}

func TestInitializeRetriesTransientFailures(t *testing.T) {
	h := newHarness(t, true)
	h.provider.FailNext(memory.OperationGetSession,
		memory.ErrNetworkUnavailable,
		memory.ErrNetworkUnavailable,
		memory.ErrNetworkUnavailable,
		memory.ErrNetworkUnavailable,
	)
	start := h.clock.Now()

	done := make(chan error, 1)
	go func() { done <- h.manager.Initialize(context.Background()) }()

	h.advanceRetryDelays(t, 4)
	require.NoError(t, <-done)

	assert.True(t, h.manager.IsAuthenticated())
	assert.Equal(t, 5, h.provider.Calls(memory.OperationGetSession))
	assert.Equal(t, 10*time.Second, h.clock.Since(start))
}

func TestInitializeGivesUpAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, false)
	for i := 0; i < 6; i++ {
		h.provider.FailNext(memory.OperationGetSession, memory.ErrNetworkUnavailable)
	}
	states := record(h.manager)

	done := make(chan error, 1)
	go func() { done <- h.manager.Initialize(context.Background()) }()

	h.advanceRetryDelays(t, 4)
	err := <-done

	require.Error(t, err)
	assert.True(t, oerrors.IsTransient(err))
	assert.Equal(t, 5, h.provider.Calls(memory.OperationGetSession))

	state := h.manager.State()
	assert.Equal(t, authstate.StatusFailed, state.Status)
	assert.Equal(t, "network unavailable", state.ErrorMessage())
	assert.Equal(t, []authstate.Status{authstate.StatusInitializing, authstate.StatusFailed}, states.statuses())

	h.clock.Advance(time.Minute)
	assert.Equal(t, 5, h.provider.Calls(memory.OperationGetSession))
}

func TestInitializePermanentFailureIsNotRetried(t *testing.T) {
	h := newHarness(t, false)
	h.provider.FailNext(memory.OperationGetSession, memory.ErrNoSession)

	err := h.manager.Initialize(context.Background())

	assert.ErrorIs(t, err, memory.ErrNoSession)
	assert.Equal(t, 1, h.provider.Calls(memory.OperationGetSession))
	assert.Equal(t, authstate.StatusFailed, h.manager.State().Status)
}

func TestSignedOutPushStopsRefresh(t *testing.T) {
	h := newHarness(t, true)
	h.initialize(t)
	require.True(t, h.manager.scheduler.Active())

	require.NoError(t, h.provider.SignOut(context.Background()))

	assert.Equal(t, authstate.StatusUnauthenticated, h.manager.State().Status)
	assert.Nil(t, h.manager.State().Session)
	assert.False(t, h.manager.scheduler.Active())
}

func TestSignInPushAuthenticates(t *testing.T) {
	h := newHarness(t, false)
	h.initialize(t)
	require.NoError(t, h.provider.SignUp(context.Background(), cook, session.SignUpOptions{}))

	require.NoError(t, h.manager.SignIn(context.Background(), session.Credentials{Email: " Cook@Example.com ", Password: cook.Password}))

	assert.True(t, h.manager.IsAuthenticated())
	assert.Equal(t, "", h.manager.State().ErrorMessage())
	assert.True(t, h.manager.scheduler.Active())
}

func TestSignInTransientFailureIsNotRetried(t *testing.T) {
	h := newHarness(t, false)
	h.initialize(t)
	h.provider.FailNext(memory.OperationSignIn, memory.ErrNetworkUnavailable)

	err := h.manager.SignIn(context.Background(), cook)

	assert.True(t, oerrors.IsTransient(err))
	assert.Equal(t, 1, h.provider.Calls(memory.OperationSignIn))

	state := h.manager.State()
	assert.Equal(t, authstate.StatusUnauthenticated, state.Status)
	assert.Equal(t, "network unavailable", state.ErrorMessage())
}

func TestSignInErrorClearedBySignedInPush(t *testing.T) {
	h := newHarness(t, false)
	h.initialize(t)
	require.NoError(t, h.provider.SignUp(context.Background(), cook, session.SignUpOptions{}))

	err := h.manager.SignIn(context.Background(), session.Credentials{Email: cook.Email, Password: "wrong-pw"})
	require.ErrorIs(t, err, memory.ErrInvalidCredentials)
	require.Equal(t, "invalid login credentials", h.manager.State().ErrorMessage())

	require.NoError(t, h.manager.SignIn(context.Background(), cook))
	assert.True(t, h.manager.IsAuthenticated())
	assert.Equal(t, "", h.manager.State().ErrorMessage())
}

func TestSignInValidatesCredentials(t *testing.T) {
	h := newHarness(t, false)
	h.initialize(t)

	err := h.manager.SignIn(context.Background(), session.Credentials{Password: "secret-pw"})

	assert.ErrorIs(t, err, session.ErrEmailRequired)
	assert.Equal(t, "email is required", h.manager.State().ErrorMessage())
	assert.Zero(t, h.provider.Calls(memory.OperationSignIn))
}

func TestSignUpRestoresPreviousState(t *testing.T) {
	h := newHarness(t, false)
	h.initialize(t)
	states := record(h.manager)

	require.NoError(t, h.manager.SignUp(context.Background(), cook, session.SignUpOptions{}))

	assert.Equal(t, []authstate.Status{authstate.StatusInitializing, authstate.StatusUnauthenticated}, states.statuses())
	assert.Equal(t, authstate.StatusUnauthenticated, h.manager.State().Status)
}

func TestSignUpAutoSignInKeepsPushedState(t *testing.T) {
	h := newHarness(t, false)
	h.initialize(t)
	states := record(h.manager)

	require.NoError(t, h.manager.SignUp(context.Background(), cook, session.SignUpOptions{AutoSignIn: true}))

	assert.Equal(t, []authstate.Status{authstate.StatusInitializing, authstate.StatusAuthenticated}, states.statuses())
	assert.True(t, h.manager.IsAuthenticated())
}

func TestSignUpFailureRecordsError(t *testing.T) {
	h := newHarness(t, false)
	h.initialize(t)
	require.NoError(t, h.provider.SignUp(context.Background(), cook, session.SignUpOptions{}))

	err := h.manager.SignUp(context.Background(), cook, session.SignUpOptions{})

	assert.ErrorIs(t, err, memory.ErrUserExists)
	state := h.manager.State()
	assert.Equal(t, authstate.StatusUnauthenticated, state.Status)
	assert.Equal(t, "user already registered", state.ErrorMessage())
}

func TestSignUpRetriesTransientFailures(t *testing.T) {
	h := newHarness(t, false)
	h.initialize(t)
	h.provider.FailNext(memory.OperationSignUp, memory.ErrNetworkUnavailable)

	done := make(chan error, 1)
	go func() { done <- h.manager.SignUp(context.Background(), cook, session.SignUpOptions{}) }()

	h.advanceRetryDelays(t, 1)
	require.NoError(t, <-done)
	assert.Equal(t, 2, h.provider.Calls(memory.OperationSignUp))
}

func TestSignUpRejectsShortPassword(t *testing.T) {
	h := newHarness(t, false)
	h.initialize(t)

	err := h.manager.SignUp(context.Background(), session.Credentials{Email: cook.Email, Password: "123"}, session.SignUpOptions{})

	assert.ErrorIs(t, err, session.ErrPasswordTooShort)
	assert.Zero(t, h.provider.Calls(memory.OperationSignUp))
	assert.Equal(t, authstate.StatusUnauthenticated, h.manager.State().Status)
}

func TestSignOutClearsCacheAndStopsRefresh(t *testing.T) {
	h := newHarness(t, true)
	h.initialize(t)
	require.NoError(t, h.cache.Set(context.Background(), "recipes:user-1", []byte("[]"), time.Hour))

	require.NoError(t, h.manager.SignOut(context.Background()))

	assert.Zero(t, h.cache.Len())
	assert.False(t, h.manager.scheduler.Active())
	assert.Equal(t, authstate.StatusUnauthenticated, h.manager.State().Status)
}

func TestSignOutFailureStillClearsCache(t *testing.T) {
	h := newHarness(t, true)
	h.initialize(t)
	require.NoError(t, h.cache.Set(context.Background(), "recipes:user-1", []byte("[]"), time.Hour))
	h.provider.FailNext(memory.OperationSignOut, memory.ErrNoSession)

	err := h.manager.SignOut(context.Background())

	assert.ErrorIs(t, err, memory.ErrNoSession)
	assert.Zero(t, h.cache.Len())
	assert.False(t, h.manager.scheduler.Active())
	assert.Equal(t, "no active session", h.manager.State().ErrorMessage())
}

func TestScheduledRefreshRotatesSession(t *testing.T) {
	h := newHarness(t, true)
	h.initialize(t)
	first := h.manager.State().Session

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.clock.BlockUntilContext(ctx, 1))
	h.clock.Advance(scheduler.DefaultInterval)

	assert.Eventually(t, func() bool {
		current := h.manager.State().Session
		return current != nil && current.AccessToken != first.AccessToken
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.provider.Calls(memory.OperationRefresh))
	assert.Equal(t, first.ID, h.manager.State().Session.ID)
	assert.True(t, h.manager.scheduler.Active())
}

func TestScheduledRefreshFailureStopsScheduler(t *testing.T) {
	h := newHarness(t, true)
	h.initialize(t)
	h.provider.ExpireSession()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.clock.BlockUntilContext(ctx, 1))
	h.clock.Advance(scheduler.DefaultInterval)

	assert.Eventually(t, func() bool { return !h.manager.scheduler.Active() }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.provider.Calls(memory.OperationRefresh))

	state := h.manager.State()
	assert.Equal(t, authstate.StatusAuthenticated, state.Status)
	assert.Equal(t, "", state.ErrorMessage())
}

func TestRefreshSessionOnDemand(t *testing.T) {
	h := newHarness(t, true)
	h.initialize(t)
	first := h.manager.State().Session

	require.NoError(t, h.manager.RefreshSession(context.Background()))
	assert.NotEqual(t, first.AccessToken, h.manager.State().Session.AccessToken)

	h.provider.ExpireSession()
	err := h.manager.RefreshSession(context.Background())
	assert.ErrorIs(t, err, memory.ErrNoSession)
	assert.Equal(t, "no active session", h.manager.State().ErrorMessage())
}

func TestTeardownSilencesManager(t *testing.T) {
	h := newHarness(t, true)
	h.initialize(t)
	states := record(h.manager)

	h.manager.Teardown()
	h.manager.Teardown()

	ctx := context.Background()
	assert.ErrorIs(t, h.manager.Initialize(ctx), oerrors.ErrClosed)
	assert.ErrorIs(t, h.manager.SignIn(ctx, cook), oerrors.ErrClosed)
	assert.ErrorIs(t, h.manager.SignUp(ctx, cook, session.SignUpOptions{}), oerrors.ErrClosed)
	assert.ErrorIs(t, h.manager.SignOut(ctx), oerrors.ErrClosed)
	assert.ErrorIs(t, h.manager.RefreshSession(ctx), oerrors.ErrClosed)

	assert.Zero(t, h.provider.Subscribers())
	require.NoError(t, h.provider.SignOut(ctx))
	h.manager.OnProviderStateChange(session.EventSignedOut, nil)

	assert.Empty(t, states.statuses())
	assert.True(t, h.manager.IsAuthenticated())
	assert.False(t, h.manager.scheduler.Active())
	assert.Equal(t, 1, h.provider.Calls(memory.OperationGetSession))
}

func TestTeardownCancelsPendingRetry(t *testing.T) {
	h := newHarness(t, false)
	h.provider.FailNext(memory.OperationGetSession, memory.ErrNetworkUnavailable, memory.ErrNetworkUnavailable)
	states := record(h.manager)

	done := make(chan error, 1)
	go func() { done <- h.manager.Initialize(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.clock.BlockUntilContext(ctx, 1))

	h.manager.Teardown()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, oerrors.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("initialize did not return after teardown")
	}
	assert.Equal(t, 1, h.provider.Calls(memory.OperationGetSession))
	assert.Equal(t, []authstate.Status{authstate.StatusInitializing}, states.statuses())
	assert.Equal(t, authstate.StatusInitializing, h.manager.State().Status)
}

func TestSubscribeAfterTeardownIsNoop(t *testing.T) {
	h := newHarness(t, false)
	h.manager.Teardown()

	unsubscribe := h.manager.Subscribe(func(authstate.State) {
		t.Fatal("listener must not run after teardown")
	})
	unsubscribe()
}

func TestSignOutRetriesTransientFailures(t *testing.T) {
	h := newHarness(t, true)
	h.initialize(t)
	require.NoError(t, h.cache.Set(context.Background(), "recipes:user-1", []byte("[]"), time.Hour))
	h.provider.FailNext(memory.OperationSignOut, memory.ErrNetworkUnavailable)

	done := make(chan error, 1)
	go func() { done <- h.manager.SignOut(context.Background()) }()

	// The refresh ticker stays registered until sign-out completes.
	h.advanceRetryDelaysBeside(t, 1, 1)
	require.NoError(t, <-done)

	assert.Equal(t, 2, h.provider.Calls(memory.OperationSignOut))
	assert.Zero(t, h.cache.Len())
	assert.Equal(t, authstate.StatusUnauthenticated, h.manager.State().Status)
	assert.False(t, h.manager.scheduler.Active())
}

func TestRefreshSessionRetriesTransientFailures(t *testing.T) {
	h := newHarness(t, true)
	h.initialize(t)
	first := h.manager.State().Session
	h.provider.FailNext(memory.OperationRefresh, memory.ErrNetworkUnavailable)

	done := make(chan error, 1)
	go func() { done <- h.manager.RefreshSession(context.Background()) }()

	h.advanceRetryDelaysBeside(t, 1, 1)
	require.NoError(t, <-done)

	assert.Equal(t, 2, h.provider.Calls(memory.OperationRefresh))
	state := h.manager.State()
	assert.Equal(t, authstate.StatusAuthenticated, state.Status)
	assert.NotEqual(t, first.AccessToken, state.Session.AccessToken)
	assert.Equal(t, "", state.ErrorMessage())
}

func TestSignOutTornDownMidRetryLeavesCache(t *testing.T) {
	h := newHarness(t, true)
	h.initialize(t)
	require.NoError(t, h.cache.Set(context.Background(), "recipes:user-1", []byte("[]"), time.Hour))
	h.provider.FailNext(memory.OperationSignOut, memory.ErrNetworkUnavailable)

	done := make(chan error, 1)
	go func() { done <- h.manager.SignOut(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.clock.BlockUntilContext(ctx, 2))
	h.manager.Teardown()

	assert.ErrorIs(t, waitFor(t, done), oerrors.ErrClosed)
	assert.Equal(t, 1, h.provider.Calls(memory.OperationSignOut))
	assert.Equal(t, 1, h.cache.Len())
}

func TestListenerMayTearDownManager(t *testing.T) {
	h := newHarness(t, true)
	h.initialize(t)

	var seen []authstate.Status
	h.manager.Subscribe(func(state authstate.State) {
		seen = append(seen, state.Status)
		if state.Status == authstate.StatusUnauthenticated {
			h.manager.Teardown()
		}
	})

	done := make(chan error, 1)
	go func() { done <- h.provider.SignOut(context.Background()) }()
	require.NoError(t, waitFor(t, done))

	assert.Equal(t, []authstate.Status{authstate.StatusUnauthenticated}, seen)
	assert.Zero(t, h.provider.Subscribers())
	assert.False(t, h.manager.scheduler.Active())
	assert.ErrorIs(t, h.manager.Initialize(context.Background()), oerrors.ErrClosed)

	teardown := make(chan error, 1)
	go func() {
		h.manager.Teardown()
		teardown <- nil
	}()
	waitFor(t, teardown)
}

func TestListenerMaySignOutDuringPushedRefresh(t *testing.T) {
	h := newHarness(t, true)
	h.initialize(t)

	var (
		signedOut  bool
		signOutErr error
		seen       []authstate.Status
	)
	h.manager.Subscribe(func(state authstate.State) {
		seen = append(seen, state.Status)
		if state.Status == authstate.StatusAuthenticated && !signedOut {
			signedOut = true
			signOutErr = h.manager.SignOut(context.Background())
		}
	})

	done := make(chan error, 1)
	go func() { done <- h.manager.RefreshSession(context.Background()) }()
	require.NoError(t, waitFor(t, done))

	require.NoError(t, signOutErr)
	assert.Equal(t, []authstate.Status{authstate.StatusAuthenticated, authstate.StatusUnauthenticated}, seen)
	assert.Equal(t, authstate.StatusUnauthenticated, h.manager.State().Status)
	assert.False(t, h.manager.scheduler.Active())
	assert.Equal(t, 1, h.provider.Calls(memory.OperationSignOut))
}

func waitFor(t *testing.T, done <-chan error) error {
	t.Helper()

	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("call from a state listener never returned")
		return nil
	}
}
