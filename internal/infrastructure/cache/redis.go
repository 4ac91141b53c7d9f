// Package cache stores computed valuation responses in Redis so repeated API
// reads between state commits do not re-run the aggregator.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/walletkit/asset-valuation/internal/config"
	"github.com/walletkit/asset-valuation/internal/domain/entities"
)

// ErrCacheMiss indicates no response is cached under the key.
var ErrCacheMiss = errors.New("cache miss")

// keyPrefix namespaces every valuation key so InvalidateAll cannot touch
// anything else sharing the Redis database.
const keyPrefix = "valuation:"

// WalletsKey is the cache key for the all-wallets valuation response.
func WalletsKey() string {
	return keyPrefix + "wallets"
}

// ChangeKey is the cache key for one wallet's period-change response.
func ChangeKey(walletID string, period entities.Period) string {
	return fmt.Sprintf("%schange:%s:%s", keyPrefix, walletID, period)
}

// ValuationCache holds JSON-encoded valuation responses with a fixed TTL.
// Responses are also invalidated eagerly on state commits, so the TTL only
// bounds staleness if an invalidation is missed.
type ValuationCache struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewValuationCache connects to Redis and verifies the connection.
func NewValuationCache(cfg config.RedisConfig, ttl time.Duration, logger *zap.Logger) (*ValuationCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Connected to Redis",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.Duration("response_ttl", ttl),
	)

	return &ValuationCache{
		client: client,
		logger: logger,
		ttl:    ttl,
	}, nil
}

// Close closes the Redis connection.
func (c *ValuationCache) Close() error {
	return c.client.Close()
}

// GetResponse decodes the cached response under key into dest. Returns
// ErrCacheMiss when nothing is cached.
func (c *ValuationCache) GetResponse(ctx context.Context, key string, dest interface{}) error {
	val, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return ErrCacheMiss
		}
		return fmt.Errorf("failed to read cached response: %w", err)
	}

	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return fmt.Errorf("failed to decode cached response: %w", err)
	}
	return nil
}

// PutResponse caches a response under key for the configured TTL.
func (c *ValuationCache) PutResponse(ctx context.Context, key string, response interface{}) error {
	data, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}

	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache response: %w", err)
	}
	return nil
}

// InvalidateAll drops every cached valuation response. Called after a balance,
// market-data or rate commit makes the cached totals stale.
func (c *ValuationCache) InvalidateAll(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			c.logger.Warn("Failed to drop cached response",
				zap.String("key", iter.Val()),
				zap.Error(err),
			)
		}
	}
	return iter.Err()
}

// HealthCheck checks if Redis is reachable.
func (c *ValuationCache) HealthCheck(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
