package authstate

import (
	"sync"
	"sync/atomic"

	"github.com/porthorian/recipebox/pkg/liveness"
)

type Listener func(State)

type subscription struct {
	id       uint64
	listener Listener
}

// Store is the single mutation point for auth state. Writers are serialized.
// Listeners run synchronously, in subscription order and in the order the
// changes were written, on the goroutine that is already delivering
// notifications. No lock is held while a listener runs, so a listener may
// call back into the store or tear its owner down. Its own writes are
// delivered after the current notification completes.
type Store struct {
	live   *liveness.Token
	closed atomic.Bool

	writeMu sync.Mutex

	mu        sync.RWMutex
	state     State
	listeners []subscription
	nextID    uint64

	queueMu     sync.Mutex
	pending     []State
	dispatching bool
}

func NewStore(live *liveness.Token) *Store {
	return &Store{
		live:  live,
		state: Uninitialized(),
	}
}

func (s *Store) Current() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Set replaces the state. It reports whether a change was applied; writes
// after the owning token is killed are dropped.
func (s *Store) Set(next State) bool {
	return s.Update(func(State) (State, bool) {
		return next, true
	})
}

// SetError annotates the current state with err without changing its status.
func (s *Store) SetError(err error) bool {
	return s.Update(func(current State) (State, bool) {
		return current.WithError(err), true
	})
}

// Update computes the next state from the current one under the writer lock.
// fn returning false leaves the state untouched.
func (s *Store) Update(fn func(current State) (State, bool)) bool {
	if !s.open() {
		return false
	}

	s.writeMu.Lock()
	if !s.open() {
		s.writeMu.Unlock()
		return false
	}

	s.mu.Lock()
	next, ok := fn(s.state)
	if !ok || next.equal(s.state) {
		s.mu.Unlock()
		s.writeMu.Unlock()
		return false
	}
	s.state = next
	s.mu.Unlock()

	// Queued under writeMu so notifications keep the write order.
	s.queueMu.Lock()
	s.pending = append(s.pending, next)
	s.queueMu.Unlock()
	s.writeMu.Unlock()

	s.dispatch()
	return true
}

func (s *Store) Subscribe(listener Listener) (unsubscribe func()) {
	if listener == nil {
		return func() {}
	}

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, subscription{id: id, listener: listener})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, sub := range s.listeners {
				if sub.id == id {
					s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Close rejects all later writes and drops undelivered notifications. It
// never blocks on a writer, so it is safe to call from a listener.
func (s *Store) Close() {
	s.closed.Store(true)

	s.mu.Lock()
	s.listeners = nil
	s.mu.Unlock()

	s.queueMu.Lock()
	s.pending = nil
	s.queueMu.Unlock()
}

func (s *Store) open() bool {
	return !s.closed.Load() && s.live.Alive()
}

// dispatch drains the pending queue unless another call up the stack or on
// another goroutine is already draining it.
func (s *Store) dispatch() {
	s.queueMu.Lock()
	if s.dispatching {
		s.queueMu.Unlock()
		return
	}
	s.dispatching = true

	for len(s.pending) > 0 {
		next := s.pending[0]
		s.pending = s.pending[1:]
		s.queueMu.Unlock()

		s.notify(next)

		s.queueMu.Lock()
	}
	s.dispatching = false
	s.queueMu.Unlock()
}

func (s *Store) notify(state State) {
	s.mu.RLock()
	listeners := make([]subscription, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.RUnlock()

	for _, sub := range listeners {
		if !s.open() {
			return
		}
		sub.listener(state)
	}
}
