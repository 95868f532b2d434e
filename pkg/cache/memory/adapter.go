package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/porthorian/recipebox/pkg/cache"
)

var (
	ErrInvalidTTL = errors.New("memory cache: ttl must be greater than zero")
	ErrMissingKey = errors.New("memory cache: key is required")
)

type entry struct {
	value   []byte
	expires time.Time
}

type Adapter struct {
	clock clockwork.Clock

	mu      sync.RWMutex
	entries map[string]entry
}

var _ cache.Store = (*Adapter)(nil)

func NewAdapter() *Adapter {
	return NewAdapterWithClock(clockwork.NewRealClock())
}

func NewAdapterWithClock(clock clockwork.Clock) *Adapter {
	return &Adapter{
		clock:   clock,
		entries: map[string]entry{},
	}
}

func (a *Adapter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := validateSetInput(key, ttl); err != nil {
		return err
	}

	a.mu.Lock()
	a.entries[key] = entry{
		value:   cloneBytes(value),
		expires: a.clock.Now().UTC().Add(ttl),
	}
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Get(ctx context.Context, key string) ([]byte, bool, error) {
	now := a.clock.Now().UTC()

	a.mu.RLock()
	e, ok := a.entries[key]
	a.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	if !now.Before(e.expires) {
		a.mu.Lock()
		if current, still := a.entries[key]; still && current.expires.Equal(e.expires) {
			delete(a.entries, key)
		}
		a.mu.Unlock()
		return nil, false, nil
	}

	return cloneBytes(e.value), true, nil
}

func (a *Adapter) Delete(ctx context.Context, key string) error {
	a.mu.Lock()
	delete(a.entries, key)
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Clear(ctx context.Context) error {
	a.mu.Lock()
	a.entries = map[string]entry{}
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.entries)
}

func validateSetInput(key string, ttl time.Duration) error {
	if key == "" {
		return ErrMissingKey
	}
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	return nil
}

func cloneBytes(value []byte) []byte {
	if value == nil {
		return nil
	}
	cloned := make([]byte, len(value))
	copy(cloned, value)
	return cloned
}
