// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package activator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/arvidsson/gpufleet/internal/log"
)

// DistributedLocker backs the in-process singleflight group with a
// cross-process mutual-exclusion primitive for multi-process deployments,
// per SPEC_FULL.md's "On-Demand Activator — additional detail" section.
// TryLock returns an unlock func, whether the lock was acquired, and an
// error only for unexpected backend failures (a lost race is not an
// error: it's reported via the bool).
type DistributedLocker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(), locked bool, err error)
}

// RedisLocker implements DistributedLocker with a Redis `SET NX PX` lock,
// released with a token-checked `DEL` so a lock can't be released by a
// process other than the one that acquired it (e.g. after its TTL already
// expired and someone else acquired it in the meantime).
type RedisLocker struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisLocker dials a Redis instance for distributed activation locks.
func NewRedisLocker(addr, password string, db int) (*RedisLocker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("activator: redis connection failed: %w", err)
	}

	return &RedisLocker{client: client, logger: log.WithComponent("activator.lock")}, nil
}

const unlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	token := uuid.NewString()
	redisKey := "gpufleet:activator:lock:" + key

	ok, err := l.client.SetNX(ctx, redisKey, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("activator: redis SET NX: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	unlock := func() {
		if err := l.client.Eval(context.Background(), unlockScript, []string{redisKey}, token).Err(); err != nil {
			l.logger.Warn().Err(err).Str("key", key).Msg("failed to release distributed activation lock")
		}
	}
	return unlock, true, nil
}
