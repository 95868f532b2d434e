// Package lifecycle keeps a client's authenticated session with a remote
// identity provider in sync.
//
// A Manager fetches the current session on Initialize, retries transient
// provider failures with a linear backoff, refreshes the session on a fixed
// interval while it is authenticated, and applies the provider's push events
// to its state store in arrival order.
//
// Teardown is terminal. Once it returns, no in-flight retry, scheduled
// refresh or push event can write to the store, and every operation returns
// errors.ErrClosed.
package lifecycle
