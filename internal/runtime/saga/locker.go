package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/rueidis"

	errspkg "github.com/drblury/cqrsflow/internal/runtime/errors"
	idspkg "github.com/drblury/cqrsflow/internal/runtime/ids"
	"github.com/drblury/cqrsflow/internal/runtime/keylock"
)

// Locker grants exclusive access to one saga at a time.
type Locker interface {
	// Lock blocks until sagaID is held, ctx is done, or the locker gives
	// up. The returned function releases the lock.
	Lock(ctx context.Context, sagaID string) (func(), error)
}

// LocalLocker serializes sagas within one process.
type LocalLocker struct {
	locks *keylock.Locks[string]
}

// NewLocalLocker returns an in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: keylock.New[string]()}
}

func (l *LocalLocker) Lock(ctx context.Context, sagaID string) (func(), error) {
	return l.locks.Lock(ctx, sagaID)
}

// releaseScript deletes the lock only while it still holds our token, so
// an expired lease taken over by another holder is left alone.
var releaseScript = rueidis.NewLuaScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLockerConfig tunes the distributed lock.
type RedisLockerConfig struct {
	// Prefix is prepended to the saga id to form the key.
	Prefix string
	// TTL bounds how long a crashed holder blocks the saga. Work done under
	// the lock must finish within it.
	TTL time.Duration
	// RetryInterval is the pause between acquisition attempts.
	RetryInterval time.Duration
	// WaitTimeout bounds how long Lock waits; ErrLockNotAcquired after it.
	WaitTimeout time.Duration
}

func (c RedisLockerConfig) withDefaults() RedisLockerConfig {
	if c.Prefix == "" {
		c.Prefix = "cqrsflow:saga:lock:"
	}
	if c.TTL <= 0 {
		c.TTL = 30 * time.Second
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 50 * time.Millisecond
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = c.TTL
	}
	return c
}

// RedisLocker is a lease lock shared by every process using the same Redis:
// SET NX PX to acquire, compare-and-delete to release.
type RedisLocker struct {
	client rueidis.Client
	cfg    RedisLockerConfig
}

// NewRedisLocker returns a locker over client.
func NewRedisLocker(client rueidis.Client, cfg RedisLockerConfig) (*RedisLocker, error) {
	if client == nil {
		return nil, errors.New("saga: redis client is required")
	}
	return &RedisLocker{client: client, cfg: cfg.withDefaults()}, nil
}

// DialRedis connects to the given addresses.
func DialRedis(addresses []string) (rueidis.Client, error) {
	if len(addresses) == 0 {
		return nil, errors.New("saga: redis address is required")
	}
	client, err := rueidis.NewClient(rueidis.ClientOption{InitAddress: addresses})
	if err != nil {
		return nil, fmt.Errorf("saga: connect redis: %w", err)
	}
	return client, nil
}

func (l *RedisLocker) Lock(ctx context.Context, sagaID string) (func(), error) {
	key := l.cfg.Prefix + sagaID
	token := idspkg.NewMessageID()

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		cmd := l.client.B().Set().Key(key).Value(token).Nx().PxMilliseconds(l.cfg.TTL.Milliseconds()).Build()
		err := l.client.Do(ctx, cmd).Error()
		if rueidis.IsRedisNil(err) {
			return struct{}{}, errspkg.ErrLockNotAcquired
		}
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(l.cfg.RetryInterval)),
		backoff.WithMaxElapsedTime(l.cfg.WaitTimeout),
	)
	if err != nil {
		if errors.Is(err, errspkg.ErrLockNotAcquired) {
			return nil, fmt.Errorf("saga %s: %w", sagaID, errspkg.ErrLockNotAcquired)
		}
		return nil, fmt.Errorf("saga: lock %s: %w", sagaID, err)
	}

	return func() {
		// a fresh context so release still runs when ctx was cancelled
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.RetryInterval*20)
		defer cancel()
		_ = releaseScript.Exec(releaseCtx, l.client, []string{key}, []string{token}).Error()
	}, nil
}
