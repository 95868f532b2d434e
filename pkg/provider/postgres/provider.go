// Package postgres is an identity provider backed by the hosted Postgres
// database. Users and sessions live in the recipebox schema; the provider
// itself holds only the id of the session it opened for this client.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/jonboulle/clockwork"

	ocrypto "github.com/porthorian/recipebox/pkg/crypto"
	oerrors "github.com/porthorian/recipebox/pkg/errors"
	"github.com/porthorian/recipebox/pkg/provider"
	"github.com/porthorian/recipebox/pkg/session"
)

var (
	ErrNilDB                  = errors.New("postgres provider: db is nil")
	ErrProviderNotInitialized = errors.New("postgres provider: provider not initialized")
	errNilTxCallback          = errors.New("postgres provider: transaction callback is nil")
)

var (
	ErrInvalidCredentials = oerrors.New(oerrors.CodePermanent, "invalid login credentials")
	ErrUserExists         = oerrors.New(oerrors.CodePermanent, "user already registered")
	ErrNoSession          = oerrors.New(oerrors.CodePermanent, "no active session")
)

type Options struct {
	Clock      clockwork.Clock
	Hasher     ocrypto.Hasher
	Logger     logr.Logger
	SessionTTL time.Duration
}

type Provider struct {
	db         *sql.DB
	stmts      preparedStatements
	clock      clockwork.Clock
	hasher     ocrypto.Hasher
	logger     logr.Logger
	sessionTTL time.Duration
	hub        provider.Hub

	mu        sync.Mutex
	currentID string
}

var _ session.Provider = (*Provider)(nil)

func New(db *sql.DB, options Options) (*Provider, error) {
	if db == nil {
		return nil, ErrNilDB
	}
	if options.Clock == nil {
		options.Clock = clockwork.NewRealClock()
	}
	if options.Hasher == nil {
		options.Hasher = ocrypto.NewPBKDF2Hasher(ocrypto.DefaultPBKDF2Options())
	}
	if options.SessionTTL <= 0 {
		options.SessionTTL = provider.DefaultSessionTTL
	}

	p := &Provider{
		db:         db,
		clock:      options.Clock,
		hasher:     options.Hasher,
		logger:     options.Logger,
		sessionTTL: options.SessionTTL,
	}

	if err := p.prepareStatements(); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

func (p *Provider) Close() error {
	if p == nil {
		return nil
	}
	return closeStatements(p.stmts.all()...)
}

func (p *Provider) SubscribeToAuthStateChanges(listener session.Listener) func() {
	return p.hub.Subscribe(listener)
}

// GetCurrentSession loads the session this client opened. An expired or
// revoked session is forgotten and reported as absent.
func (p *Provider) GetCurrentSession(ctx context.Context) (*session.Session, error) {
	if err := p.requirePreparedStatements(); err != nil {
		return nil, err
	}

	id := p.current()
	if id == "" {
		return nil, nil
	}

	sess, err := p.loadSession(ctx, p.stmts.getSession, id)
	if errors.Is(err, sql.ErrNoRows) {
		p.forget(id)
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}

	if sess.IsExpired(p.clock.Now()) {
		p.forget(id)
		return nil, nil
	}
	return sess, nil
}

func (p *Provider) SignInWithPassword(ctx context.Context, credentials session.Credentials) error {
	if err := p.requirePreparedStatements(); err != nil {
		return err
	}
	credentials = credentials.Normalize()

	var (
		user         session.User
		passwordHash string
		attributes   []byte
	)
	err := p.stmts.getUserByEmail.QueryRowContext(ctx, credentials.Email).Scan(
		&user.ID,
		&user.Email,
		&passwordHash,
		&attributes,
		&user.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrInvalidCredentials
	}
	if err != nil {
		return classify(err)
	}

	valid, err := p.hasher.Verify(credentials.Password, passwordHash)
	if err != nil {
		return oerrors.Permanent(err)
	}
	if !valid {
		return ErrInvalidCredentials
	}

	if user.Attributes, err = decodeAttributes(attributes); err != nil {
		return oerrors.Permanent(err)
	}

	return p.openSession(ctx, user)
}

func (p *Provider) SignUp(ctx context.Context, credentials session.Credentials, options session.SignUpOptions) error {
	if err := p.requirePreparedStatements(); err != nil {
		return err
	}
	credentials = credentials.Normalize()

	hash, err := p.hasher.Hash(credentials.Password)
	if err != nil {
		return oerrors.Permanent(err)
	}
	attributes, err := encodeAttributes(options.Attributes)
	if err != nil {
		return oerrors.Permanent(err)
	}

	user := session.User{
		ID:         newID(),
		Email:      credentials.Email,
		Attributes: options.Attributes.Clone(),
		CreatedAt:  p.clock.Now().UTC(),
	}

	_, err = p.stmts.putUser.ExecContext(ctx, user.ID, user.Email, hash, attributes, user.CreatedAt)
	if isUniqueViolation(err) {
		return ErrUserExists
	}
	if err != nil {
		return classify(err)
	}

	p.logger.V(1).Info("registered user", "user_id", user.ID)
	if !options.AutoSignIn {
		return nil
	}
	return p.openSession(ctx, user)
}

// SignOut revokes the server-side session. Signing out without a session
// still succeeds and still notifies subscribers.
func (p *Provider) SignOut(ctx context.Context) error {
	if err := p.requirePreparedStatements(); err != nil {
		return err
	}

	if id := p.current(); id != "" {
		if _, err := p.stmts.deleteSession.ExecContext(ctx, id); err != nil {
			return classify(err)
		}
		p.forget(id)
	}

	p.hub.Publish(session.EventSignedOut, nil)
	return nil
}

// RefreshSession rotates both tokens and renews the expiry in one statement.
func (p *Provider) RefreshSession(ctx context.Context) error {
	if err := p.requirePreparedStatements(); err != nil {
		return err
	}

	id := p.current()
	if id == "" {
		return ErrNoSession
	}

	var next *session.Session
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		current, err := p.loadSession(ctx, tx.StmtContext(ctx, p.stmts.getSessionForUpdate), id)
		if err != nil {
			return err
		}
		now := p.clock.Now()
		if current.IsExpired(now) {
			return sql.ErrNoRows
		}

		next = provider.Rotate(current, now, p.sessionTTL)
		_, err = tx.StmtContext(ctx, p.stmts.rotateSession).ExecContext(
			ctx,
			next.ID,
			next.AccessToken,
			next.RefreshToken,
			next.IssuedAt,
			next.ExpiresAt,
		)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		p.forget(id)
		return ErrNoSession
	}
	if err != nil {
		return classify(err)
	}

	p.hub.Publish(session.EventTokenRefreshed, next)
	return nil
}

func (p *Provider) openSession(ctx context.Context, user session.User) error {
	sess := provider.IssueSession(user, p.clock.Now(), p.sessionTTL)

	_, err := p.stmts.putSession.ExecContext(
		ctx,
		sess.ID,
		sess.User.ID,
		sess.AccessToken,
		sess.RefreshToken,
		sess.IssuedAt,
		sess.ExpiresAt,
	)
	if err != nil {
		return classify(err)
	}

	p.mu.Lock()
	p.currentID = sess.ID
	p.mu.Unlock()

	p.hub.Publish(session.EventSignedIn, sess)
	return nil
}

func (p *Provider) loadSession(ctx context.Context, stmt *sql.Stmt, id string) (*session.Session, error) {
	var (
		sess       session.Session
		attributes []byte
	)
	err := stmt.QueryRowContext(ctx, id).Scan(
		&sess.ID,
		&sess.AccessToken,
		&sess.RefreshToken,
		&sess.IssuedAt,
		&sess.ExpiresAt,
		&sess.User.ID,
		&sess.User.Email,
		&attributes,
		&sess.User.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if sess.User.Attributes, err = decodeAttributes(attributes); err != nil {
		return nil, fmt.Errorf("postgres provider: decode user attributes: %w", err)
	}
	return &sess, nil
}

func (p *Provider) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if fn == nil {
		return errNilTxCallback
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (p *Provider) current() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentID
}

func (p *Provider) forget(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.currentID == id {
		p.currentID = ""
	}
}
