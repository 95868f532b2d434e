package recipebox

import (
	"github.com/porthorian/recipebox/pkg/authstate"
	"github.com/porthorian/recipebox/pkg/session"
)

type (
	Session       = session.Session
	User          = session.User
	Credentials   = session.Credentials
	SignUpOptions = session.SignUpOptions
	Provider      = session.Provider

	State         = authstate.State
	Status        = authstate.Status
	StateListener = authstate.Listener
)

const (
	StatusUninitialized   = authstate.StatusUninitialized
	StatusInitializing    = authstate.StatusInitializing
	StatusAuthenticated   = authstate.StatusAuthenticated
	StatusUnauthenticated = authstate.StatusUnauthenticated
	StatusFailed          = authstate.StatusFailed
)
