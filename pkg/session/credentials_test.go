package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	oerrors "github.com/porthorian/recipebox/pkg/errors"
)

func TestCredentialsValidate(t *testing.T) {
	tests := []struct {
		name        string
		credentials Credentials
		want        error
	}{
		{name: "valid", credentials: Credentials{Email: "cook@example.com", Password: "pw"}},
		{name: "surrounding spaces", credentials: Credentials{Email: "  cook@example.com ", Password: "pw"}},
		{name: "missing email", credentials: Credentials{Email: "  ", Password: "pw"}, want: ErrEmailRequired},
		{name: "no at sign", credentials: Credentials{Email: "cook.example.com", Password: "pw"}, want: ErrEmailInvalid},
		{name: "no domain", credentials: Credentials{Email: "cook@", Password: "pw"}, want: ErrEmailInvalid},
		{name: "inner space", credentials: Credentials{Email: "co ok@example.com", Password: "pw"}, want: ErrEmailInvalid},
		{name: "missing password", credentials: Credentials{Email: "cook@example.com"}, want: ErrPasswordRequired},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.credentials.Validate()
			if tc.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.want)
			assert.True(t, oerrors.IsCode(err, oerrors.CodeValidation))
		})
	}
}

func TestValidateSignUpEnforcesPasswordLength(t *testing.T) {
	assert.ErrorIs(t, Credentials{Email: "cook@example.com", Password: "12345"}.ValidateSignUp(), ErrPasswordTooShort)
	assert.NoError(t, Credentials{Email: "cook@example.com", Password: "123456"}.ValidateSignUp())
	assert.ErrorIs(t, Credentials{Password: "123456"}.ValidateSignUp(), ErrEmailRequired)
}

func TestNormalizeLowercasesEmail(t *testing.T) {
	got := Credentials{Email: "  Cook@Example.COM ", Password: " Secret "}.Normalize()

	assert.Equal(t, "cook@example.com", got.Email)
	assert.Equal(t, " Secret ", got.Password)
}

func TestSessionIsExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.False(t, (&Session{ExpiresAt: now.Add(time.Minute)}).IsExpired(now))
	assert.True(t, (&Session{ExpiresAt: now}).IsExpired(now))
	assert.False(t, (&Session{}).IsExpired(now))
	assert.True(t, (*Session)(nil).IsExpired(now))
}

func TestAttributesCloneIsIndependent(t *testing.T) {
	attrs := Attributes{"display_name": "Ada"}
	clone := attrs.Clone()
	clone["display_name"] = "Grace"

	assert.Equal(t, "Ada", attrs["display_name"])
	assert.Nil(t, Attributes(nil).Clone())
}
