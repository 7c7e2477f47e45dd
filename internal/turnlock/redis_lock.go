package turnlock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AllThePasswords/conversationfirst-sub000/internal/util"
)

// releaseScript deletes the lock only while it still carries the holder's
// token, so an expired lock taken over by another instance is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLock holds at most one turn per conversation across every chat
// instance sharing the Redis server. Locks expire after ttl so a crashed
// instance cannot block a conversation forever.
type RedisLock struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisLock(addr, password, prefix string, ttl time.Duration) (*RedisLock, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("turn lock redis addr is required")
	}
	if ttl <= 0 {
		return nil, errors.New("turn lock ttl must be positive")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "chat:inflight"
	}
	return &RedisLock{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		prefix: prefix,
		ttl:    ttl,
	}, nil
}

// Acquire takes the lock for conversationID. ok is false when another turn
// holds it.
func (l *RedisLock) Acquire(ctx context.Context, conversationID string) (func(), bool, error) {
	key := l.prefix + ":" + conversationID
	token := util.NewID()
	acquired, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire turn lock %s: %w", conversationID, err)
	}
	if !acquired {
		return nil, false, nil
	}
	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err(); err != nil {
			util.LoggerFromContext(ctx).Warn("release turn lock failed", "conversation_id", conversationID, "err", err)
		}
	}
	return release, true, nil
}

func (l *RedisLock) Close() error {
	if l == nil {
		return nil
	}
	return l.client.Close()
}
