// Package presence mirrors which users hold at least one live connection
// on this gateway into Redis, so other services can see who is online.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/real-rm/chatgateway/internal/constants"
)

// Tracker records user presence. Implementations never fail the caller;
// errors are logged.
type Tracker interface {
	Online(ctx context.Context, userID string)
	Refresh(ctx context.Context, userIDs []string)
	Offline(ctx context.Context, userID string)
}

// redisClient is the part of *redis.Client the tracker uses
type redisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

// RedisTracker stores presence as chatgw:presence:<userId> = gateway id,
// expiring after ttl unless refreshed
type RedisTracker struct {
	client    redisClient
	gatewayID string
	ttl       time.Duration
	logger    *slog.Logger
}

// NewRedisClient connects to Redis and verifies the connection
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	// No else needed: early return pattern (guard clause)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return rdb, nil
}

// NewRedisTracker creates a tracker writing under this gateway's id
func NewRedisTracker(client redisClient, gatewayID string, ttl time.Duration, logger *slog.Logger) *RedisTracker {
	return &RedisTracker{
		client:    client,
		gatewayID: gatewayID,
		ttl:       ttl,
		logger:    logger.With("component", "presence"),
	}
}

// Key returns the presence key for a user
func Key(userID string) string {
	return constants.PresenceKeyPrefix + userID
}

// Online marks the user online on this gateway
func (t *RedisTracker) Online(ctx context.Context, userID string) {
	// No else needed: optional operation (log only)
	if err := t.client.Set(ctx, Key(userID), t.gatewayID, t.ttl).Err(); err != nil {
		t.logger.Warn("Failed to mark user online", "user_id", userID, "error", err)
	}
}

// Refresh extends the presence of users that are still connected
func (t *RedisTracker) Refresh(ctx context.Context, userIDs []string) {
	for _, userID := range userIDs {
		t.Online(ctx, userID)
	}
}

// Offline removes the user's presence
func (t *RedisTracker) Offline(ctx context.Context, userID string) {
	// No else needed: optional operation (log only)
	if err := t.client.Del(ctx, Key(userID)).Err(); err != nil {
		t.logger.Warn("Failed to mark user offline", "user_id", userID, "error", err)
	}
}

// Lookup returns the gateway a user is connected to
func (t *RedisTracker) Lookup(ctx context.Context, userID string) (gatewayID string, online bool, err error) {
	val, err := t.client.Get(ctx, Key(userID)).Result()
	// No else needed: early return pattern (guard clause)
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Noop is used when Redis is not configured
type Noop struct{}

func (Noop) Online(context.Context, string)     {}
func (Noop) Refresh(context.Context, []string) {}
func (Noop) Offline(context.Context, string)    {}
