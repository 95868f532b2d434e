package retry

import (
	"time"

	oerrors "github.com/porthorian/recipebox/pkg/errors"
)

const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = time.Second
)

// Policy decides whether a failed attempt is retried and how long to wait
// before the next one. Attempts are counted from 1.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Retryable   func(err error) bool
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		Retryable:   oerrors.IsTransient,
	}
}

func (p Policy) normalize() Policy {
	defaults := DefaultPolicy()

	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaults.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaults.BaseDelay
	}
	if p.Retryable == nil {
		p.Retryable = defaults.Retryable
	}
	return p
}

// ShouldRetry reports whether another attempt may follow the attempt-th
// failure. The final attempt never retries, whatever the error class.
func (p Policy) ShouldRetry(err error, attempt int) bool {
	p = p.normalize()
	if err == nil || attempt >= p.MaxAttempts {
		return false
	}
	return p.Retryable(err)
}

// DelayFor is linear: BaseDelay * attempt.
func (p Policy) DelayFor(attempt int) time.Duration {
	p = p.normalize()
	if attempt < 1 {
		attempt = 1
	}
	return p.BaseDelay * time.Duration(attempt)
}
