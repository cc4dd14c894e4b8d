// Package redis provides the Redis-backed bill lock shared by API and worker instances.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// unlockScript deletes the key only while it still holds our token
var unlockScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// NewClient connects to url (redis://...) and pings
func NewClient(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Locker implements engine.Locker with SET NX and a per-lease token
type Locker struct {
	client goredis.UniversalClient
	prefix string
	logger *zap.Logger
}

// NewLocker creates a locker. Keys are stored under prefix.
func NewLocker(client goredis.UniversalClient, prefix string, logger *zap.Logger) *Locker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Locker{client: client, prefix: prefix, logger: logger}
}

func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.prefix+key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("setnx %s: %w", key, err)
	}
	if !ok {
		l.logger.Debug("lock held elsewhere", zap.String("key", key))
		return "", false, nil
	}
	return token, true, nil
}

// Unlock releases key if token still owns it. An expired or stolen lease is
// left alone.
func (l *Locker) Unlock(ctx context.Context, key, token string) error {
	n, err := unlockScript.Run(ctx, l.client, []string{l.prefix + key}, token).Int()
	if err != nil {
		return fmt.Errorf("unlock %s: %w", key, err)
	}
	if n == 0 {
		l.logger.Warn("lock expired before release", zap.String("key", key))
	}
	return nil
}
