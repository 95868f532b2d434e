package provider

import (
	"time"

	"github.com/google/uuid"

	"github.com/porthorian/recipebox/pkg/session"
)

const DefaultSessionTTL = time.Hour

// IssueSession mints a fresh session for user. Tokens are opaque random
// identifiers; the backend is the only party that interprets them.
func IssueSession(user session.User, now time.Time, ttl time.Duration) *session.Session {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	user.Attributes = user.Attributes.Clone()

	return &session.Session{
		ID:           uuid.NewString(),
		AccessToken:  uuid.NewString(),
		RefreshToken: uuid.NewString(),
		User:         user,
		IssuedAt:     now.UTC(),
		ExpiresAt:    now.UTC().Add(ttl),
	}
}

// Rotate returns a replacement for sess with new tokens and a renewed expiry.
func Rotate(sess *session.Session, now time.Time, ttl time.Duration) *session.Session {
	next := IssueSession(sess.User, now, ttl)
	next.ID = sess.ID
	return next
}
