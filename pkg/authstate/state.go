package authstate

import (
	"github.com/porthorian/recipebox/pkg/session"
)

type Status int

const (
	StatusUninitialized Status = iota
	StatusInitializing
	StatusAuthenticated
	StatusUnauthenticated
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusUninitialized:
		return "uninitialized"
	case StatusInitializing:
		return "initializing"
	case StatusAuthenticated:
		return "authenticated"
	case StatusUnauthenticated:
		return "unauthenticated"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// State is one snapshot of the auth status. Session is set only while
// Authenticated; Err carries the last failure for display.
type State struct {
	Status  Status
	Session *session.Session
	Err     error
}

func Uninitialized() State {
	return State{Status: StatusUninitialized}
}

func Initializing() State {
	return State{Status: StatusInitializing}
}

func Authenticated(sess *session.Session) State {
	return State{Status: StatusAuthenticated, Session: sess}
}

func Unauthenticated() State {
	return State{Status: StatusUnauthenticated}
}

func Failed(err error) State {
	return State{Status: StatusFailed, Err: err}
}

func (s State) IsAuthenticated() bool {
	return s.Status == StatusAuthenticated
}

func (s State) WithError(err error) State {
	s.Err = err
	return s
}

// ErrorMessage is the text shown to users, or "" when there is no error.
func (s State) ErrorMessage() string {
	if s.Err == nil {
		return ""
	}
	return s.Err.Error()
}

func (s State) equal(other State) bool {
	return s.Status == other.Status &&
		s.Session == other.Session &&
		s.ErrorMessage() == other.ErrorMessage()
}
