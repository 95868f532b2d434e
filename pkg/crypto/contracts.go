package crypto

import "errors"

var (
	ErrInvalidHash   = errors.New("password: invalid hash")
	ErrEmptyPassword = errors.New("password: empty password")
)

// Hasher turns passwords into self-describing encoded hashes for identity
// provider backends.
type Hasher interface {
	Hash(password string) (string, error)
	Verify(password string, encodedHash string) (bool, error)
}
