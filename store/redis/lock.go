package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	conveyor "github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/lock"
)

// releaseScript deletes the lock only when the caller's token still
// matches: a holder whose lock expired cannot evict the next owner.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the TTL only when the token still matches.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Acquire implements lock.Locker via SET NX PX.
func (s *Store) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := lock.NewToken()

	ok, err := s.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return "", conveyor.ErrLockBusy
	}
	return token, nil
}

// Release implements lock.Locker via atomic compare-and-delete.
func (s *Store) Release(ctx context.Context, key, token string) error {
	n, err := releaseScript.Run(ctx, s.client, []string{key}, token).Int()
	if err != nil {
		return fmt.Errorf("redis: release lock %s: %w", key, err)
	}
	if n == 0 {
		return conveyor.ErrLockLost
	}
	return nil
}

// Refresh implements lock.Locker via atomic compare-and-expire.
func (s *Store) Refresh(ctx context.Context, key, token string, ttl time.Duration) error {
	n, err := refreshScript.Run(ctx, s.client, []string{key}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("redis: refresh lock %s: %w", key, err)
	}
	if n == 0 {
		return conveyor.ErrLockLost
	}
	return nil
}
