package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	emerrors "github.com/emberq/emberq/internal/errors"
)

// releaseScript deletes a lock key only if it still holds our token,
// so a lock whose TTL already expired and was re-acquired by another
// holder is never deleted out from under them.
var releaseScript = redis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
	return redis.call('del', KEYS[1])
else
	return 0
end
`)

var extendScript = redis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
	return redis.call('pexpire', KEYS[1], ARGV[2])
else
	return 0
end
`)

// Lock is a Redis SETNX-based distributed lock with a fencing token,
// used by the periodic scheduler (one enqueue per tick across
// instances).
type Lock struct {
	client *redis.Client
	key    string
	token  string
}

// AcquireLock attempts to acquire a lock at key for ttl. Returns a nil
// Lock (no error) if another holder already owns it.
func (b *Broker) AcquireLock(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	token := uuid.New().String()
	fullKey := b.prefixed("lock:" + key)

	acquired, err := b.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", emerrors.ErrBrokerUnavailable, err)
	}
	if !acquired {
		return nil, nil
	}
	return &Lock{client: b.client, key: fullKey, token: token}, nil
}

// Release releases the lock, a no-op if it was already lost (expired
// and possibly re-acquired by another holder).
func (l *Lock) Release(ctx context.Context) error {
	_, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", emerrors.ErrBrokerUnavailable, err)
	}
	return nil
}

// Extend resets the lock's TTL to ttl from now, failing if it's no
// longer owned by this holder.
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	result, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", emerrors.ErrBrokerUnavailable, err)
	}
	if result == int64(0) {
		return fmt.Errorf("broker: lock %q no longer owned by this holder", l.key)
	}
	return nil
}

// SetIfAbsent sets key to value with the given TTL only if it does not
// already exist, returning whether this call set it. Used by the
// unique-job middleware to skip duplicate dispatches within a
// fingerprint window.
func (b *Broker) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := b.client.SetNX(ctx, b.prefixed("unique:"+key), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", emerrors.ErrBrokerUnavailable, err)
	}
	return ok, nil
}
