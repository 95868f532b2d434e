package recipebox

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	_ "github.com/jackc/pgx/v5/stdlib"
	memorycache "github.com/porthorian/recipebox/pkg/cache/memory"
	rediscache "github.com/porthorian/recipebox/pkg/cache/redis"
	memoryprovider "github.com/porthorian/recipebox/pkg/provider/memory"
	postgresprovider "github.com/porthorian/recipebox/pkg/provider/postgres"
	"github.com/porthorian/recipebox/pkg/retry"
	"github.com/porthorian/recipebox/pkg/scheduler"
)

type ProviderBackend string

const (
	ProviderBackendNone     ProviderBackend = "none"
	ProviderBackendMemory   ProviderBackend = "memory"
	ProviderBackendPostgres ProviderBackend = "postgres"
)

type CacheBackend string

const (
	CacheBackendNone   CacheBackend = "none"
	CacheBackendMemory CacheBackend = "memory"
	CacheBackendRedis  CacheBackend = "redis"
)

type RuntimeConfig struct {
	Provider ProviderConfig `envPrefix:"PROVIDER_"`
	Cache    CacheConfig    `envPrefix:"CACHE_"`
	Session  SessionConfig  `envPrefix:"SESSION_"`
}

type ProviderConfig struct {
	Backend    ProviderBackend `env:"BACKEND" envDefault:"none"`
	SessionTTL time.Duration   `env:"SESSION_TTL" envDefault:"1h"`
	Postgres   PostgresConfig  `envPrefix:"POSTGRES_"`
}

type PostgresConfig struct {
	DriverName      string        `env:"DRIVER" envDefault:"pgx"`
	DSN             string        `env:"DSN"`
	MaxOpenConns    int           `env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `env:"CONN_MAX_LIFETIME"`
	ConnMaxIdleTime time.Duration `env:"CONN_MAX_IDLE_TIME"`
	PingTimeout     time.Duration `env:"PING_TIMEOUT" envDefault:"5s"`
	OpenDB          func(driverName string, dsn string) (*sql.DB, error)
}

type CacheConfig struct {
	Backend CacheBackend     `env:"BACKEND" envDefault:"none"`
	Redis   RedisCacheConfig `envPrefix:"REDIS_"`
}

type RedisCacheConfig struct {
	Address     string        `env:"ADDRESS"`
	Username    string        `env:"USERNAME"`
	Password    string        `env:"PASSWORD"`
	Database    int           `env:"DATABASE"`
	Namespace   string        `env:"NAMESPACE" envDefault:"recipebox"`
	DialTimeout time.Duration `env:"DIAL_TIMEOUT" envDefault:"5s"`
}

type SessionConfig struct {
	RefreshInterval time.Duration `env:"REFRESH_INTERVAL" envDefault:"10m"`
	MaxAttempts     int           `env:"MAX_ATTEMPTS" envDefault:"5"`
	BaseDelay       time.Duration `env:"BASE_DELAY" envDefault:"1s"`
}

func (c Config) initialize(ctx context.Context) (func() error, Config, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	config := c
	config.Logger = resolveLogger(config.Logger)
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}
	config.Runtime.Session = resolveSessionConfig(config.Runtime.Session)

	closeProvider, config, err := initializeProvider(ctx, config)
	if err != nil {
		return nil, Config{}, err
	}

	closeCache, config, err := initializeCache(ctx, config)
	if err != nil {
		_ = closeProvider()
		return nil, Config{}, err
	}

	return joinClosers(closeProvider, closeCache), config, nil
}

func resolveSessionConfig(config SessionConfig) SessionConfig {
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = scheduler.DefaultInterval
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = retry.DefaultMaxAttempts
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = retry.DefaultBaseDelay
	}
	return config
}

func initializeProvider(ctx context.Context, config Config) (func() error, Config, error) {
	if config.Provider != nil {
		return noopCloser, config, nil
	}

	backend := config.Runtime.Provider.Backend
	if backend == "" {
		backend = ProviderBackendNone
	}

	switch backend {
	case ProviderBackendNone:
		return noopCloser, config, nil
	case ProviderBackendMemory:
		config.Provider = memoryprovider.New(memoryprovider.Options{
			Clock:      config.Clock,
			SessionTTL: config.Runtime.Provider.SessionTTL,
		})
		config.Logger.V(1).Info("initialized memory identity provider")
		return noopCloser, config, nil
	case ProviderBackendPostgres:
		return initializePostgres(ctx, config)
	default:
		return nil, Config{}, fmt.Errorf("recipebox config: unsupported runtime.provider.backend %q", backend)
	}
}

func initializeCache(ctx context.Context, config Config) (func() error, Config, error) {
	if config.Cache != nil {
		return noopCloser, config, nil
	}

	backend := config.Runtime.Cache.Backend
	if backend == "" {
		backend = CacheBackendNone
	}

	switch backend {
	case CacheBackendNone:
		return noopCloser, config, nil
	case CacheBackendMemory:
		config.Cache = memorycache.NewAdapterWithClock(config.Clock)
		config.Logger.V(1).Info("initialized memory cache backend")
		return noopCloser, config, nil
	case CacheBackendRedis:
		return initializeRedisCache(ctx, config)
	default:
		return nil, Config{}, fmt.Errorf("recipebox config: unsupported runtime.cache.backend %q", backend)
	}
}

func initializeRedisCache(ctx context.Context, config Config) (func() error, Config, error) {
	redisConfig := config.Runtime.Cache.Redis
	if redisConfig.Address == "" {
		return nil, Config{}, fmt.Errorf("recipebox config: runtime.cache.redis.address is required")
	}
	if redisConfig.DialTimeout <= 0 {
		redisConfig.DialTimeout = 5 * time.Second
	}

	adapter := rediscache.NewAdapter(rediscache.Config{
		Address:     redisConfig.Address,
		Username:    redisConfig.Username,
		Password:    redisConfig.Password,
		Database:    redisConfig.Database,
		Namespace:   redisConfig.Namespace,
		DialTimeout: redisConfig.DialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, redisConfig.DialTimeout)
	defer cancel()
	if err := adapter.Ping(pingCtx); err != nil {
		_ = adapter.Close()
		return nil, Config{}, fmt.Errorf("recipebox config: failed to reach redis cache: %w", err)
	}

	config.Cache = adapter
	config.Runtime.Cache.Redis = redisConfig
	config.Logger.V(1).Info("initialized redis cache backend", "address", redisConfig.Address, "database", redisConfig.Database, "namespace", redisConfig.Namespace)
	return adapter.Close, config, nil
}

func initializePostgres(ctx context.Context, config Config) (func() error, Config, error) {
	pgConfig := config.Runtime.Provider.Postgres
	if pgConfig.DSN == "" {
		return nil, Config{}, fmt.Errorf("recipebox config: runtime.provider.postgres.dsn is required")
	}

	if pgConfig.DriverName == "" {
		pgConfig.DriverName = "pgx"
	}
	if pgConfig.PingTimeout <= 0 {
		pgConfig.PingTimeout = 5 * time.Second
	}
	if pgConfig.OpenDB == nil {
		pgConfig.OpenDB = sql.Open
	}

	db, err := pgConfig.OpenDB(pgConfig.DriverName, pgConfig.DSN)
	if err != nil {
		return nil, Config{}, fmt.Errorf("recipebox config: failed to open postgres database: %w", err)
	}

	if pgConfig.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pgConfig.MaxOpenConns)
	}
	if pgConfig.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pgConfig.MaxIdleConns)
	}
	if pgConfig.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pgConfig.ConnMaxLifetime)
	}
	if pgConfig.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(pgConfig.ConnMaxIdleTime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pgConfig.PingTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, Config{}, fmt.Errorf("recipebox config: failed to ping postgres database: %w", err)
	}

	provider, err := postgresprovider.New(db, postgresprovider.Options{
		Clock:      config.Clock,
		Logger:     config.Logger.WithName("postgres"),
		SessionTTL: config.Runtime.Provider.SessionTTL,
	})
	if err != nil {
		_ = db.Close()
		return nil, Config{}, fmt.Errorf("recipebox config: failed to initialize postgres provider: %w", err)
	}

	config.Provider = provider
	config.Runtime.Provider.Postgres = pgConfig
	config.Logger.V(1).Info("initialized postgres identity provider", "driver", pgConfig.DriverName, "max_open_conns", pgConfig.MaxOpenConns, "max_idle_conns", pgConfig.MaxIdleConns)
	return joinClosers(db.Close, provider.Close), config, nil
}

func joinClosers(closers ...func() error) func() error {
	return func() error {
		var errs []error

		for i := len(closers) - 1; i >= 0; i-- {
			if closers[i] == nil {
				continue
			}
			if err := closers[i](); err != nil {
				errs = append(errs, err)
			}
		}

		return stderrors.Join(errs...)
	}
}

func noopCloser() error {
	return nil
}
