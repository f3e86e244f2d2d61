package session

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrKeyNotFound    = errors.New("session key not found")
	ErrKeyCollision   = errors.New("session key already exists")
	ErrInvalidConfig  = errors.New("invalid registry configuration")
	ErrInvalidDriver  = errors.New("invalid registry driver")
	ErrRegistryClosed = errors.New("registry is closed")
)

// Registry maps call identifiers to in-flight sessions.
//
// Every mutation of a stored session goes through Update, which holds a lock
// scoped to that key only. Operations on different keys never block each other.
type Registry interface {
	// Create stores a new session under key.
	// Returns ErrKeyCollision if the key is already present.
	Create(ctx context.Context, key string, s *Session) error

	// Rekey moves the session stored under oldKey to newKey.
	// Returns ErrKeyNotFound if oldKey is absent and ErrKeyCollision if newKey is present.
	Rekey(ctx context.Context, oldKey, newKey string) error

	// Get returns a copy of the session, or nil if the key is absent.
	Get(ctx context.Context, key string) (*Session, error)

	// Update runs fn with exclusive access to the session and stores the result
	// when fn returns nil. Returns ErrKeyNotFound if the key is absent.
	Update(ctx context.Context, key string, fn func(*Session) error) error

	// Remove deletes the session. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error

	Close() error
}

// Driver selects the registry implementation.
type Driver string

const (
	DriverMemory Driver = "memory"
	DriverRedis  Driver = "redis"
)

// Option configures a registry created by NewRegistry.
type Option func(*registryConfig)

type registryConfig struct {
	redisClient *redis.Client
	redisTTL    time.Duration
	lockTTL     time.Duration
	prefix      string
}

// WithRedisClient sets the client used by the redis driver.
func WithRedisClient(client *redis.Client) Option {
	return func(c *registryConfig) {
		c.redisClient = client
	}
}

// WithRedisTTL sets how long an untouched session survives in redis.
func WithRedisTTL(ttl time.Duration) Option {
	return func(c *registryConfig) {
		c.redisTTL = ttl
	}
}

// WithLockTTL sets the lease of a per-key lock in redis.
func WithLockTTL(ttl time.Duration) Option {
	return func(c *registryConfig) {
		c.lockTTL = ttl
	}
}

// WithKeyPrefix namespaces redis keys.
func WithKeyPrefix(prefix string) Option {
	return func(c *registryConfig) {
		c.prefix = prefix
	}
}

// NewRegistry builds a registry for the given driver.
func NewRegistry(driver Driver, opts ...Option) (Registry, error) {
	cfg := &registryConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	switch driver {
	case DriverMemory, "":
		return NewMemoryRegistry(), nil
	case DriverRedis:
		if cfg.redisClient == nil {
			return nil, ErrInvalidConfig
		}
		return NewRedisRegistry(cfg.redisClient, cfg.redisTTL, cfg.lockTTL, cfg.prefix), nil
	default:
		return nil, ErrInvalidDriver
	}
}
