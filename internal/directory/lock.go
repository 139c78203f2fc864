package directory

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"fabricgate.org/internal/ids"
)

// Locker provides a cross-replica mutual exclusion for sync runs.
type Locker interface {
	// Acquire returns ok=false when the lock is held elsewhere. release is
	// non-nil only when ok is true.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX and a compare-and-delete release.
type RedisLocker struct {
	Client redis.UniversalClient
	Prefix string
}

func NewRedisLocker(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{Client: client, Prefix: "fabricgate:lock:"}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	token := ids.Token(16)
	redisKey := l.Prefix + key
	ok, err := l.Client.SetNX(ctx, redisKey, token, ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.Client, []string{redisKey}, token).Err()
	}
	return release, true, nil
}
