// Package memory is an in-process identity provider for demos and tests. It
// keeps users and the current session in memory and can be told to fail the
// next calls of an operation.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	ocrypto "github.com/porthorian/recipebox/pkg/crypto"
	oerrors "github.com/porthorian/recipebox/pkg/errors"
	"github.com/porthorian/recipebox/pkg/provider"
	"github.com/porthorian/recipebox/pkg/session"
)

type Operation string

const (
	OperationGetSession Operation = "get_session"
	OperationSignIn     Operation = "sign_in"
	OperationSignUp     Operation = "sign_up"
	OperationSignOut    Operation = "sign_out"
	OperationRefresh    Operation = "refresh"
)

var (
	ErrInvalidCredentials = oerrors.New(oerrors.CodePermanent, "invalid login credentials")
	ErrUserExists         = oerrors.New(oerrors.CodePermanent, "user already registered")
	ErrNoSession          = oerrors.New(oerrors.CodePermanent, "no active session")
	ErrNetworkUnavailable = oerrors.Transient(errors.New("network unavailable"))
)

type Options struct {
	Clock      clockwork.Clock
	Hasher     ocrypto.Hasher
	SessionTTL time.Duration
}

type userRecord struct {
	user         session.User
	passwordHash string
}

type Provider struct {
	clock      clockwork.Clock
	hasher     ocrypto.Hasher
	sessionTTL time.Duration
	hub        provider.Hub

	mu      sync.Mutex
	users   map[string]userRecord
	current *session.Session
	faults  map[Operation][]error
	calls   map[Operation]int
}

var _ session.Provider = (*Provider)(nil)

func New(options Options) *Provider {
	if options.Clock == nil {
		options.Clock = clockwork.NewRealClock()
	}
	if options.Hasher == nil {
		options.Hasher = ocrypto.NewPBKDF2Hasher(ocrypto.DefaultPBKDF2Options())
	}
	if options.SessionTTL <= 0 {
		options.SessionTTL = provider.DefaultSessionTTL
	}

	return &Provider{
		clock:      options.Clock,
		hasher:     options.Hasher,
		sessionTTL: options.SessionTTL,
		users:      map[string]userRecord{},
		faults:     map[Operation][]error{},
		calls:      map[Operation]int{},
	}
}

// FailNext queues errs to be returned, in order, by the next calls of op.
func (p *Provider) FailNext(op Operation, errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faults[op] = append(p.faults[op], errs...)
}

func (p *Provider) Calls(op Operation) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

func (p *Provider) GetCurrentSession(ctx context.Context) (*session.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.beginLocked(ctx, OperationGetSession); err != nil {
		return nil, err
	}
	if p.current != nil && p.current.IsExpired(p.clock.Now()) {
		p.current = nil
	}
	return p.current, nil
}

func (p *Provider) SignInWithPassword(ctx context.Context, credentials session.Credentials) error {
	credentials = credentials.Normalize()

	p.mu.Lock()
	if err := p.beginLocked(ctx, OperationSignIn); err != nil {
		p.mu.Unlock()
		return err
	}
	record, ok := p.users[credentials.Email]
	p.mu.Unlock()
	if !ok {
		return ErrInvalidCredentials
	}

	valid, err := p.hasher.Verify(credentials.Password, record.passwordHash)
	if err != nil {
		return oerrors.Permanent(err)
	}
	if !valid {
		return ErrInvalidCredentials
	}

	p.openSession(record.user)
	return nil
}

func (p *Provider) SignUp(ctx context.Context, credentials session.Credentials, options session.SignUpOptions) error {
	credentials = credentials.Normalize()

	p.mu.Lock()
	if err := p.beginLocked(ctx, OperationSignUp); err != nil {
		p.mu.Unlock()
		return err
	}
	_, exists := p.users[credentials.Email]
	p.mu.Unlock()
	if exists {
		return ErrUserExists
	}

	hash, err := p.hasher.Hash(credentials.Password)
	if err != nil {
		return oerrors.Permanent(err)
	}

	user := session.User{
		ID:         uuid.NewString(),
		Email:      credentials.Email,
		Attributes: options.Attributes.Clone(),
		CreatedAt:  p.clock.Now().UTC(),
	}

	p.mu.Lock()
	if _, raced := p.users[credentials.Email]; raced {
		p.mu.Unlock()
		return ErrUserExists
	}
	p.users[credentials.Email] = userRecord{user: user, passwordHash: hash}
	p.mu.Unlock()

	if options.AutoSignIn {
		p.openSession(user)
	}
	return nil
}

func (p *Provider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	if err := p.beginLocked(ctx, OperationSignOut); err != nil {
		p.mu.Unlock()
		return err
	}
	p.current = nil
	p.mu.Unlock()

	p.hub.Publish(session.EventSignedOut, nil)
	return nil
}

func (p *Provider) RefreshSession(ctx context.Context) error {
	p.mu.Lock()
	if err := p.beginLocked(ctx, OperationRefresh); err != nil {
		p.mu.Unlock()
		return err
	}
	now := p.clock.Now()
	if p.current == nil || p.current.IsExpired(now) {
		p.current = nil
		p.mu.Unlock()
		return ErrNoSession
	}
	next := provider.Rotate(p.current, now, p.sessionTTL)
	p.current = next
	p.mu.Unlock()

	p.hub.Publish(session.EventTokenRefreshed, next)
	return nil
}

func (p *Provider) SubscribeToAuthStateChanges(listener session.Listener) func() {
	return p.hub.Subscribe(listener)
}

func (p *Provider) Subscribers() int {
	return p.hub.Len()
}

// ExpireSession drops the current session without notifying subscribers, as
// if it had lapsed on the server.
func (p *Provider) ExpireSession() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = nil
}

func (p *Provider) openSession(user session.User) {
	p.mu.Lock()
	next := provider.IssueSession(user, p.clock.Now(), p.sessionTTL)
	p.current = next
	p.mu.Unlock()

	p.hub.Publish(session.EventSignedIn, next)
}

func (p *Provider) beginLocked(ctx context.Context, op Operation) error {
	p.calls[op]++

	if err := ctx.Err(); err != nil {
		return oerrors.Permanent(err)
	}

	queued := p.faults[op]
	if len(queued) == 0 {
		return nil
	}
	p.faults[op] = queued[1:]
	return queued[0]
}
