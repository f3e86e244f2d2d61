package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "hh-screener:"
	// Sessions of calls that never reach a terminal status expire on their own.
	defaultSessionTTL = 6 * time.Hour
	// A turn holds the lock for the duration of a generation call.
	defaultLockTTL   = 2 * time.Minute
	lockPollInterval = 25 * time.Millisecond
	maxRekeyAttempts = 3
)

var releaseLock = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisRegistry stores sessions in redis so several server replicas can share them.
// Per-key exclusion is a lease lock (SET NX PX) released with a compare-and-delete script.
type RedisRegistry struct {
	client  *redis.Client
	ttl     time.Duration
	lockTTL time.Duration
	prefix  string
	now     func() time.Time
}

// NewRedisRegistry creates a redis-backed registry. Zero values select defaults.
func NewRedisRegistry(client *redis.Client, ttl, lockTTL time.Duration, prefix string) *RedisRegistry {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisRegistry{
		client:  client,
		ttl:     ttl,
		lockTTL: lockTTL,
		prefix:  prefix,
		now:     time.Now,
	}
}

// Create implements Registry.
func (r *RedisRegistry) Create(ctx context.Context, key string, s *Session) error {
	stored := s.Clone()
	now := r.now()
	stored.CreatedAt = now
	stored.UpdatedAt = now

	val, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	ok, err := r.client.SetNX(ctx, r.sessionKey(key), val, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	if !ok {
		return ErrKeyCollision
	}
	return nil
}

// Rekey implements Registry.
// Both keys are watched so a concurrent writer aborts the transaction instead of
// leaving the session under two keys.
func (r *RedisRegistry) Rekey(ctx context.Context, oldKey, newKey string) error {
	from, to := r.sessionKey(oldKey), r.sessionKey(newKey)

	move := func(tx *redis.Tx) error {
		val, err := tx.Get(ctx, from).Result()
		if errors.Is(err, redis.Nil) {
			return ErrKeyNotFound
		}
		if err != nil {
			return err
		}

		taken, err := tx.Exists(ctx, to).Result()
		if err != nil {
			return err
		}
		if taken > 0 {
			return ErrKeyCollision
		}

		var stored Session
		if err := json.Unmarshal([]byte(val), &stored); err != nil {
			return fmt.Errorf("decode session: %w", err)
		}
		stored.CallID = newKey
		stored.UpdatedAt = r.now()

		moved, err := json.Marshal(&stored)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, to, moved, r.ttl)
			pipe.Del(ctx, from)
			return nil
		})
		return err
	}

	var err error
	for attempt := 0; attempt < maxRekeyAttempts; attempt++ {
		err = r.client.Watch(ctx, move, from, to)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("rekey %s: %w", oldKey, err)
}

// Get implements Registry.
func (r *RedisRegistry) Get(ctx context.Context, key string) (*Session, error) {
	val, err := r.client.Get(ctx, r.sessionKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var s Session
	if err := json.Unmarshal([]byte(val), &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}

// Update implements Registry.
// The write uses SET XX so a session removed while fn was running is not resurrected.
func (r *RedisRegistry) Update(ctx context.Context, key string, fn func(*Session) error) error {
	unlock, err := r.lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	current, err := r.Get(ctx, key)
	if err != nil {
		return err
	}
	if current == nil {
		return ErrKeyNotFound
	}

	if err := fn(current); err != nil {
		return err
	}
	current.UpdatedAt = r.now()

	val, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	ok, err := r.client.SetXX(ctx, r.sessionKey(key), val, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	if !ok {
		return ErrKeyNotFound
	}
	return nil
}

// Remove implements Registry.
func (r *RedisRegistry) Remove(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.sessionKey(key)).Err()
}

// Close implements Registry.
func (r *RedisRegistry) Close() error {
	return r.client.Close()
}

func (r *RedisRegistry) lock(ctx context.Context, key string) (func(), error) {
	lockKey := r.lockKey(key)
	token := uuid.NewString()

	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, lockKey, token, r.lockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire session lock: %w", err)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	return func() {
		// A fresh context: the lock must be released even if ctx is already done.
		_ = releaseLock.Run(context.Background(), r.client, []string{lockKey}, token).Err()
	}, nil
}

func (r *RedisRegistry) sessionKey(key string) string {
	return r.prefix + "session:" + key
}

func (r *RedisRegistry) lockKey(key string) string {
	return r.prefix + "lock:" + key
}
