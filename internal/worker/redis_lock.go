package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const lockPrefix = "raffle:task:"

type setNXer interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// RedisLocker выдаёт аренду через SET NX PX. Аренда не снимается явно и истекает
// через ttl, поэтому задача запускается не чаще одного раза за интервал на все реплики.
type RedisLocker struct {
	client setNXer
	owner  string
}

// NewRedisLocker создаёт locker поверх клиента Redis. owner идентифицирует реплику в значении ключа.
func NewRedisLocker(client redis.Cmdable, owner string) *RedisLocker {
	return &RedisLocker{client: client, owner: owner}
}

// TryLock пытается получить аренду задачи key на ttl.
func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	// Аренда чуть короче интервала, чтобы следующий тик не упёрся в собственный ключ.
	lease := ttl - ttl/10
	if lease <= 0 {
		lease = ttl
	}

	ok, err := l.client.SetNX(ctx, lockPrefix+key, l.owner, lease).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", key, err)
	}

	return ok, nil
}
