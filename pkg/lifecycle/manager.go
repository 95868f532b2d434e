package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/jonboulle/clockwork"

	"github.com/porthorian/recipebox/pkg/authstate"
	oerrors "github.com/porthorian/recipebox/pkg/errors"
	"github.com/porthorian/recipebox/pkg/liveness"
	"github.com/porthorian/recipebox/pkg/retry"
	"github.com/porthorian/recipebox/pkg/scheduler"
	"github.com/porthorian/recipebox/pkg/session"
)

// LocalCache holds non-authentication data that must not outlive a sign-out.
type LocalCache interface {
	Clear(ctx context.Context) error
}

type Options struct {
	Logger          logr.Logger
	Clock           clockwork.Clock
	Policy          retry.Policy
	RefreshInterval time.Duration
	Cache           LocalCache
}

type Manager struct {
	provider        session.Provider
	cache           LocalCache
	logger          logr.Logger
	refreshInterval time.Duration

	live      *liveness.Token
	store     *authstate.Store
	scheduler *scheduler.Scheduler
	runner    retry.Runner

	unsubscribe  func()
	teardownOnce sync.Once
}

// New builds a manager and subscribes it to the provider's push events. The
// caller owns the manager and must call Teardown when done with it.
func New(provider session.Provider, options Options) (*Manager, error) {
	if provider == nil {
		return nil, oerrors.ErrMissingProvider
	}

	clock := options.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := options.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}
	interval := options.RefreshInterval
	if interval <= 0 {
		interval = scheduler.DefaultInterval
	}

	live := liveness.New()
	m := &Manager{
		provider:        provider,
		cache:           options.Cache,
		logger:          logger,
		refreshInterval: interval,
		live:            live,
		store:           authstate.NewStore(live),
		scheduler:       scheduler.New(clock, logger.WithName("scheduler")),
		runner: retry.Runner{
			Policy: options.Policy,
			Clock:  clock,
			Logger: logger.WithName("retry"),
		},
	}

	m.unsubscribe = provider.SubscribeToAuthStateChanges(m.OnProviderStateChange)
	return m, nil
}

func (m *Manager) State() authstate.State {
	return m.store.Current()
}

func (m *Manager) IsAuthenticated() bool {
	return m.store.Current().IsAuthenticated()
}

// Subscribe registers listener for state changes. Listeners run synchronously,
// one change at a time, in subscription order and in the order the changes
// happened. No lock is held while a listener runs: it may call any Manager
// method, Teardown included. Changes it causes are delivered after it returns.
func (m *Manager) Subscribe(listener authstate.Listener) (unsubscribe func()) {
	if !m.live.Alive() {
		return func() {}
	}
	return m.store.Subscribe(listener)
}

// Initialize fetches the provider's current session, retrying transient
// failures. A returned session starts the periodic refresh.
func (m *Manager) Initialize(ctx context.Context) error {
	if !m.live.Alive() {
		return oerrors.ErrClosed
	}
	ctx, cancel := m.live.Bind(ctx)
	defer cancel()

	m.store.Set(authstate.Initializing())

	sess, err := retry.Do(ctx, m.runner, "initialize", m.provider.GetCurrentSession)
	if !m.live.Alive() {
		return oerrors.ErrClosed
	}
	if err != nil {
		err = oerrors.Classify(err)
		m.logger.Error(err, "session initialization failed", "code", oerrors.CodeOf(err))
		m.store.Set(authstate.Failed(err))
		return err
	}

	if sess == nil {
		m.scheduler.Stop()
		m.store.Set(authstate.Unauthenticated())
		return nil
	}

	m.store.Set(authstate.Authenticated(sess))
	m.startRefresh()
	return nil
}

// OnProviderStateChange reconciles a push event into the store. It is the
// listener registered with the provider.
func (m *Manager) OnProviderStateChange(event session.Event, sess *session.Session) {
	if !m.live.Alive() {
		return
	}

	m.logger.V(1).Info("applying provider auth event", "event", event, "authenticated", sess != nil)

	if sess == nil {
		m.scheduler.Stop()
		m.store.Set(authstate.Unauthenticated())
		return
	}

	m.store.Set(authstate.Authenticated(sess))
	m.startRefresh()
}

// SignIn makes exactly one attempt, transient failures included. The resulting
// session arrives through the provider's SIGNED_IN push event.
func (m *Manager) SignIn(ctx context.Context, credentials session.Credentials) error {
	if !m.live.Alive() {
		return oerrors.ErrClosed
	}
	if err := credentials.Validate(); err != nil {
		m.store.SetError(err)
		return err
	}

	ctx, cancel := m.live.Bind(ctx)
	defer cancel()

	err := m.provider.SignInWithPassword(ctx, credentials.Normalize())
	if !m.live.Alive() {
		return oerrors.ErrClosed
	}
	if err != nil {
		err = oerrors.Classify(err)
		m.logger.V(1).Info("sign in failed", "code", oerrors.CodeOf(err), "error", err.Error())
		m.store.SetError(err)
		return err
	}

	m.store.SetError(nil)
	return nil
}

// SignUp registers a new account. The store shows Initializing for the
// duration and is restored afterwards unless a push event replaced it.
func (m *Manager) SignUp(ctx context.Context, credentials session.Credentials, options session.SignUpOptions) error {
	if !m.live.Alive() {
		return oerrors.ErrClosed
	}
	if err := credentials.ValidateSignUp(); err != nil {
		m.store.SetError(err)
		return err
	}

	ctx, cancel := m.live.Bind(ctx)
	defer cancel()

	var previous authstate.State
	m.store.Update(func(current authstate.State) (authstate.State, bool) {
		previous = current
		return authstate.Initializing(), true
	})

	normalized := credentials.Normalize()
	err := retry.Run(ctx, m.runner, "sign_up", func(ctx context.Context) error {
		return m.provider.SignUp(ctx, normalized, options)
	})
	if !m.live.Alive() {
		return oerrors.ErrClosed
	}
	err = oerrors.Classify(err)

	m.store.Update(func(current authstate.State) (authstate.State, bool) {
		if current.Status != authstate.StatusInitializing {
			if err == nil {
				return current, false
			}
			return current.WithError(err), true
		}
		if err == nil {
			return previous, true
		}
		return previous.WithError(err), true
	})

	if err != nil {
		m.logger.V(1).Info("sign up failed", "code", oerrors.CodeOf(err), "error", err.Error())
		return err
	}
	return nil
}

// SignOut asks the provider to end the session. Local caches are cleared and
// the refresh timer stopped whatever the outcome, unless the manager was torn
// down meanwhile.
func (m *Manager) SignOut(ctx context.Context) error {
	if !m.live.Alive() {
		return oerrors.ErrClosed
	}
	parent := ctx
	ctx, cancel := m.live.Bind(ctx)
	defer cancel()

	err := retry.Run(ctx, m.runner, "sign_out", m.provider.SignOut)
	if !m.live.Alive() {
		// Teardown already stopped the timer and the cache may be closed.
		return oerrors.ErrClosed
	}

	m.scheduler.Stop()
	if m.cache != nil {
		if clearErr := m.cache.Clear(context.WithoutCancel(parent)); clearErr != nil {
			m.logger.Error(clearErr, "failed to clear local cache on sign out")
		}
	}

	if err != nil {
		err = oerrors.Classify(err)
		m.logger.V(1).Info("sign out failed", "code", oerrors.CodeOf(err), "error", err.Error())
		m.store.SetError(err)
		return err
	}

	m.store.SetError(nil)
	return nil
}

// RefreshSession refreshes on demand, independently of the scheduler.
func (m *Manager) RefreshSession(ctx context.Context) error {
	if !m.live.Alive() {
		return oerrors.ErrClosed
	}
	ctx, cancel := m.live.Bind(ctx)
	defer cancel()

	err := m.refresh(ctx)
	if !m.live.Alive() {
		return oerrors.ErrClosed
	}
	if err != nil {
		err = oerrors.Classify(err)
		m.logger.V(1).Info("session refresh failed", "code", oerrors.CodeOf(err), "error", err.Error())
		m.store.SetError(err)
		return err
	}
	return nil
}

// Teardown kills the liveness token, unsubscribes from the provider, stops
// the refresh timer and cancels pending retry delays. It is idempotent.
func (m *Manager) Teardown() {
	m.teardownOnce.Do(func() {
		m.live.Kill()
		if m.unsubscribe != nil {
			m.unsubscribe()
		}
		m.scheduler.Stop()
		m.store.Close()
		m.logger.V(1).Info("session manager torn down")
	})
}

func (m *Manager) refresh(ctx context.Context) error {
	return retry.Run(ctx, m.runner, "refresh_session", m.provider.RefreshSession)
}

func (m *Manager) startRefresh() {
	m.scheduler.Start(m.live.Context(), m.refreshInterval, m.refresh)
}
