package session

import (
	"strings"

	oerrors "github.com/porthorian/recipebox/pkg/errors"
)

const MinPasswordLength = 6

var (
	ErrEmailRequired    = oerrors.Validation("email is required")
	ErrEmailInvalid     = oerrors.Validation("email address is invalid")
	ErrPasswordRequired = oerrors.Validation("password is required")
	ErrPasswordTooShort = oerrors.Validation("password should be at least 6 characters")
)

type Credentials struct {
	Email    string
	Password string
}

func (c Credentials) Normalize() Credentials {
	return Credentials{
		Email:    strings.ToLower(strings.TrimSpace(c.Email)),
		Password: c.Password,
	}
}

func (c Credentials) Validate() error {
	email := strings.TrimSpace(c.Email)
	if email == "" {
		return ErrEmailRequired
	}
	at := strings.Index(email, "@")
	if at <= 0 || at == len(email)-1 || strings.ContainsAny(email, " \t\r\n") {
		return ErrEmailInvalid
	}
	if c.Password == "" {
		return ErrPasswordRequired
	}
	return nil
}

func (c Credentials) ValidateSignUp() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if len(c.Password) < MinPasswordLength {
		return ErrPasswordTooShort
	}
	return nil
}
