package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"QueueFM/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// EngineLockKey guards the single playback engine per stream.
const EngineLockKey = "queuefm:engine:lock"

// ErrLockHeld is returned when another process owns the lock.
var ErrLockHeld = errors.New("instance lock held by another process")

// ErrLockLost is returned by Refresh when the lock expired or was taken over.
var ErrLockLost = errors.New("instance lock lost")

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// InstanceLock is a TTL lease identified by a random owner token.
type InstanceLock struct {
	client *redis.Client
	key    string
	owner  string
	ttl    time.Duration
}

// NewInstanceLock 创建实例锁
func NewInstanceLock(client *redis.Client, key string, ttl time.Duration) *InstanceLock {
	return &InstanceLock{
		client: client,
		key:    key,
		owner:  uuid.NewString(),
		ttl:    ttl,
	}
}

// Owner returns the token written into the lock key.
func (l *InstanceLock) Owner() string {
	return l.owner
}

// Acquire takes the lock or returns ErrLockHeld.
func (l *InstanceLock) Acquire(ctx context.Context) error {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return ErrLockHeld
	}
	return nil
}

// Refresh extends the lease if this process still owns it.
func (l *InstanceLock) Refresh(ctx context.Context) error {
	n, err := refreshScript.Run(ctx, l.client, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("refresh lock: %w", err)
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

// Release deletes the key only when it still carries our owner token.
func (l *InstanceLock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Err(); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// Keep refreshes the lease every ttl/3 until ctx is done. onLost is called
// once if the lease cannot be renewed.
func (l *InstanceLock) Keep(ctx context.Context, onLost func(error)) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Refresh(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Error("instance lock refresh failed", logger.Component("lock"), logger.ErrorField(err))
				if onLost != nil {
					onLost(err)
				}
				return
			}
		}
	}
}
