// Package liveness provides the teardown flag shared by all asynchronous work
// spawned by one session manager.
package liveness

import (
	"context"
	"errors"
	"sync/atomic"
)

var ErrTornDown = errors.New("liveness: owner torn down")

type Token struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	dead   atomic.Bool
}

func New() *Token {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Token{
		ctx:    ctx,
		cancel: cancel,
	}
}

// Alive reports whether the owner is still active. A nil token is always alive.
func (t *Token) Alive() bool {
	if t == nil {
		return true
	}
	return !t.dead.Load()
}

// Kill flips the token. Only the first call returns true.
func (t *Token) Kill() bool {
	if t == nil {
		return false
	}
	if !t.dead.CompareAndSwap(false, true) {
		return false
	}
	t.cancel(ErrTornDown)
	return true
}

// Context is cancelled when the token is killed.
func (t *Token) Context() context.Context {
	if t == nil {
		return context.Background()
	}
	return t.ctx
}

// Bind derives a context from parent that is also cancelled when the token is
// killed. The returned cancel func must be called to release the binding.
func (t *Token) Bind(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}

	ctx, cancel := context.WithCancelCause(parent)
	if t == nil {
		return ctx, func() { cancel(context.Canceled) }
	}

	stop := context.AfterFunc(t.ctx, func() {
		cancel(ErrTornDown)
	})
	return ctx, func() {
		stop()
		cancel(context.Canceled)
	}
}
