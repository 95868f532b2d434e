package recipebox

import (
	"context"

	"github.com/go-logr/logr"
	"github.com/jonboulle/clockwork"

	"github.com/porthorian/recipebox/pkg/cache"
	oerrors "github.com/porthorian/recipebox/pkg/errors"
	"github.com/porthorian/recipebox/pkg/lifecycle"
	"github.com/porthorian/recipebox/pkg/retry"
)

// Config wires a Client. Provider and Cache take precedence over the backends
// named in Runtime.
type Config struct {
	Provider Provider
	Cache    cache.Store
	Logger   logr.Logger
	Clock    clockwork.Clock
	Runtime  RuntimeConfig
}

// Client is the surface the application's UI layer talks to. It owns one
// session manager and the resources built for it.
type Client struct {
	manager       *lifecycle.Manager
	cache         cache.Store
	logger        logr.Logger
	closeResource func() error
}

func New(config Config) (*Client, error) {
	closeResource, resolved, err := config.initialize(context.Background())
	if err != nil {
		return nil, err
	}

	if resolved.Provider == nil {
		_ = closeResource()
		return nil, oerrors.ErrMissingProvider
	}

	options := lifecycle.Options{
		Logger: resolved.Logger.WithName("session"),
		Clock:  resolved.Clock,
		Policy: retry.Policy{
			MaxAttempts: resolved.Runtime.Session.MaxAttempts,
			BaseDelay:   resolved.Runtime.Session.BaseDelay,
		},
		RefreshInterval: resolved.Runtime.Session.RefreshInterval,
	}
	if resolved.Cache != nil {
		options.Cache = resolved.Cache
	}

	manager, err := lifecycle.New(resolved.Provider, options)
	if err != nil {
		_ = closeResource()
		return nil, err
	}

	return &Client{
		manager:       manager,
		cache:         resolved.Cache,
		logger:        resolved.Logger,
		closeResource: closeResource,
	}, nil
}

func (c *Client) State() State {
	return c.manager.State()
}

func (c *Client) IsAuthenticated() bool {
	return c.manager.IsAuthenticated()
}

// ErrorMessage is the last recorded failure, for display.
func (c *Client) ErrorMessage() string {
	return c.manager.State().ErrorMessage()
}

// Subscribe registers listener for auth state changes. Listeners run
// synchronously in subscription order and may call any Client method,
// Close included.
func (c *Client) Subscribe(listener StateListener) (unsubscribe func()) {
	return c.manager.Subscribe(listener)
}

// Cache returns the local cache cleared on sign-out, or nil when none is
// configured.
func (c *Client) Cache() cache.Store {
	return c.cache
}

func (c *Client) Initialize(ctx context.Context) error {
	return c.manager.Initialize(ctx)
}

func (c *Client) SignIn(ctx context.Context, credentials Credentials) error {
	return c.manager.SignIn(ctx, credentials)
}

func (c *Client) SignUp(ctx context.Context, credentials Credentials, options SignUpOptions) error {
	return c.manager.SignUp(ctx, credentials, options)
}

func (c *Client) SignOut(ctx context.Context) error {
	return c.manager.SignOut(ctx)
}

func (c *Client) RefreshSession(ctx context.Context) error {
	return c.manager.RefreshSession(ctx)
}

// Close tears the session manager down and releases backend resources.
func (c *Client) Close() error {
	if c == nil || c.manager == nil {
		return nil
	}

	c.manager.Teardown()
	if c.closeResource == nil {
		return nil
	}

	err := c.closeResource()
	c.closeResource = nil
	if err != nil {
		return oerrors.Wrap(oerrors.CodeUnknown, "failed to close client resources", err)
	}
	return nil
}
