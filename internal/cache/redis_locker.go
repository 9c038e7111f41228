package cache

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	interfaces "github.com/sheikh-saqib/challenge-escrow-ledger/internal/interfaces"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/models"
)

const lockPrefix = "escrow:lock:"

// releaseScript deletes the lock only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a single-instance Redis lock (SET NX PX). A holder that dies
// loses the lock when the ttl runs out.
type RedisLocker struct {
	client *redis.Client
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (func(), error) {
	key := lockPrefix + name
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, models.ErrLockHeld
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseScript.Run(context.Background(), l.client, []string{key}, token)
		})
	}, nil
}

var _ interfaces.Locker = (*RedisLocker)(nil)
