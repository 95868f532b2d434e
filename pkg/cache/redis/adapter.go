package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/porthorian/recipebox/pkg/cache"
)

const (
	defaultNamespace = "recipebox"
	clearBatchSize   = 256
)

var (
	ErrInvalidTTL = errors.New("redis cache: ttl must be greater than zero")
	ErrMissingKey = errors.New("redis cache: key is required")
	ErrNilClient  = errors.New("redis cache: client is nil")
)

type Config struct {
	Address     string
	Username    string
	Password    string
	Database    int
	Namespace   string
	DialTimeout time.Duration
}

type Adapter struct {
	client    goredis.UniversalClient
	namespace string
	ownClient bool
}

var _ cache.Store = (*Adapter)(nil)

func NewAdapter(config Config) *Adapter {
	client := goredis.NewClient(&goredis.Options{
		Addr:        config.Address,
		Username:    config.Username,
		Password:    config.Password,
		DB:          config.Database,
		DialTimeout: config.DialTimeout,
	})

	adapter := NewAdapterWithClient(client, config.Namespace)
	adapter.ownClient = true
	return adapter
}

// NewAdapterWithClient wraps a caller-owned client; Close leaves it open.
func NewAdapterWithClient(client goredis.UniversalClient, namespace string) *Adapter {
	if namespace == "" {
		namespace = defaultNamespace
	}
	return &Adapter{
		client:    client,
		namespace: namespace,
	}
}

func (a *Adapter) Ping(ctx context.Context) error {
	if a.client == nil {
		return ErrNilClient
	}
	if err := a.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis cache: ping: %w", err)
	}
	return nil
}

func (a *Adapter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return ErrMissingKey
	}
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	if a.client == nil {
		return ErrNilClient
	}

	if err := a.client.Set(ctx, a.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis cache: set %q: %w", key, err)
	}
	return nil
}

func (a *Adapter) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if a.client == nil {
		return nil, false, ErrNilClient
	}

	value, err := a.client.Get(ctx, a.key(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis cache: get %q: %w", key, err)
	}
	return value, true, nil
}

func (a *Adapter) Delete(ctx context.Context, key string) error {
	if a.client == nil {
		return ErrNilClient
	}

	if err := a.client.Del(ctx, a.key(key)).Err(); err != nil {
		return fmt.Errorf("redis cache: delete %q: %w", key, err)
	}
	return nil
}

// Clear removes every key under the adapter's namespace and nothing else.
func (a *Adapter) Clear(ctx context.Context) error {
	if a.client == nil {
		return ErrNilClient
	}

	iter := a.client.Scan(ctx, 0, a.namespace+":*", clearBatchSize).Iterator()
	batch := make([]string, 0, clearBatchSize)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == clearBatchSize {
			if err := a.client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("redis cache: clear: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis cache: clear: %w", err)
	}

	if len(batch) > 0 {
		if err := a.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("redis cache: clear: %w", err)
		}
	}
	return nil
}

func (a *Adapter) Close() error {
	if a.client == nil || !a.ownClient {
		return nil
	}
	return a.client.Close()
}

func (a *Adapter) key(key string) string {
	return a.namespace + ":" + key
}
