package session

import (
	"context"
	"time"
)

type Attributes map[string]any

type User struct {
	ID         string
	Email      string
	Attributes Attributes
	CreatedAt  time.Time
}

// Session is issued by an identity provider and never patched in place; a
// refresh or a new push event replaces it wholesale.
type Session struct {
	ID           string
	AccessToken  string
	RefreshToken string
	User         User
	IssuedAt     time.Time
	ExpiresAt    time.Time
}

func (s *Session) IsExpired(now time.Time) bool {
	if s == nil {
		return true
	}
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(s.ExpiresAt)
}

func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}

	cloned := make(Attributes, len(a))
	for key, value := range a {
		cloned[key] = value
	}
	return cloned
}

type SignUpOptions struct {
	Attributes Attributes
	// AutoSignIn asks the provider to open a session for the new user and
	// push SIGNED_IN.
	AutoSignIn bool
}

// Provider is the capability surface of a remote identity provider. Errors
// that are worth retrying must be annotated with errors.Transient.
type Provider interface {
	GetCurrentSession(ctx context.Context) (*Session, error)
	SignInWithPassword(ctx context.Context, credentials Credentials) error
	SignUp(ctx context.Context, credentials Credentials, options SignUpOptions) error
	SignOut(ctx context.Context) error
	RefreshSession(ctx context.Context) error
	SubscribeToAuthStateChanges(listener Listener) (unsubscribe func())
}
