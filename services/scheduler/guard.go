package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"otplink/pkg/rediskey"
)

// Guard answers "has this logical trigger already fired for this period".
// The loop polls every minute, so each trigger needs exactly-once protection
// within its window.
type Guard interface {
	Once(ctx context.Context, name, period string) bool
}

// redisGuard survives restarts: a SETNX with TTL marks the trigger fired.
type redisGuard struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisGuard(rdb *redis.Client) Guard {
	return &redisGuard{rdb: rdb, ttl: 48 * time.Hour}
}

func (g *redisGuard) Once(ctx context.Context, name, period string) bool {
	ok, err := g.rdb.SetNX(ctx, rediskey.BuildTriggerKey(name, period), 1, g.ttl).Result()
	if err != nil {
		// Redis trouble must not suppress a daily trigger forever; fall
		// through to firing and rely on the handlers being idempotent.
		return true
	}
	return ok
}

// memoryGuard is the in-process fallback when redis is disabled.
type memoryGuard struct {
	mu    sync.Mutex
	fired map[string]string
}

func NewMemoryGuard() Guard {
	return &memoryGuard{fired: make(map[string]string)}
}

func (g *memoryGuard) Once(_ context.Context, name, period string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fired[name] == period {
		return false
	}
	g.fired[name] = period
	return true
}
