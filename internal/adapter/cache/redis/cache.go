// Package redis implements the pool cache on Redis. Health statuses and
// pool snapshots are stored as JSON values under prefixed keys so operators
// can inspect them with redis-cli.
package redis

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/carpool-router/internal/domain"
)

const (
	healthKeyPrefix = "health:"
	poolKeyPrefix   = "pool:"
)

// Cache implements domain.PoolCache on a Redis client.
type Cache struct {
	rdb *redis.Client
}

// NewCache wraps an existing client. The caller owns the client lifecycle.
func NewCache(rdb *redis.Client) *Cache { return &Cache{rdb: rdb} }

// NewClient dials Redis with the given address and optional password.
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// GetHealth fetches the last probe result for an account. The second return
// is false when no probe has been recorded (or it expired).
func (c *Cache) GetHealth(ctx domain.Context, accountID string) (domain.HealthStatus, bool, error) {
	raw, err := c.rdb.Get(ctx, healthKeyPrefix+accountID).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.HealthStatus{}, false, nil
	}
	if err != nil {
		return domain.HealthStatus{}, false, fmt.Errorf("op=cache.get_health account=%s: %w", accountID, err)
	}
	var hs domain.HealthStatus
	if err := json.Unmarshal(raw, &hs); err != nil {
		return domain.HealthStatus{}, false, fmt.Errorf("op=cache.get_health decode account=%s: %w", accountID, err)
	}
	return hs, true, nil
}

// SetHealth stores a probe result with the given TTL.
func (c *Cache) SetHealth(ctx domain.Context, hs domain.HealthStatus, ttl time.Duration) error {
	raw, err := json.Marshal(hs)
	if err != nil {
		return fmt.Errorf("op=cache.set_health encode account=%s: %w", hs.AccountID, err)
	}
	if err := c.rdb.Set(ctx, healthKeyPrefix+hs.AccountID, raw, ttl).Err(); err != nil {
		return fmt.Errorf("op=cache.set_health account=%s: %w", hs.AccountID, err)
	}
	return nil
}

// GetPool fetches the current snapshot for a service type.
func (c *Cache) GetPool(ctx domain.Context, svc domain.ServiceType) (domain.AccountPool, bool, error) {
	raw, err := c.rdb.Get(ctx, poolKeyPrefix+string(svc)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.AccountPool{}, false, nil
	}
	if err != nil {
		return domain.AccountPool{}, false, fmt.Errorf("op=cache.get_pool service=%s: %w", svc, err)
	}
	var pool domain.AccountPool
	if err := json.Unmarshal(raw, &pool); err != nil {
		return domain.AccountPool{}, false, fmt.Errorf("op=cache.get_pool decode service=%s: %w", svc, err)
	}
	return pool, true, nil
}

// SetPool replaces the snapshot for a service type atomically (single SET).
func (c *Cache) SetPool(ctx domain.Context, pool domain.AccountPool, ttl time.Duration) error {
	raw, err := json.Marshal(pool)
	if err != nil {
		return fmt.Errorf("op=cache.set_pool encode service=%s: %w", pool.ServiceType, err)
	}
	if err := c.rdb.Set(ctx, poolKeyPrefix+string(pool.ServiceType), raw, ttl).Err(); err != nil {
		return fmt.Errorf("op=cache.set_pool service=%s: %w", pool.ServiceType, err)
	}
	return nil
}

// InvalidatePools deletes every pool snapshot. Uses SCAN rather than KEYS so
// a large keyspace does not block the server.
func (c *Cache) InvalidatePools(ctx domain.Context) error {
	iter := c.rdb.Scan(ctx, 0, poolKeyPrefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("op=cache.invalidate_pools scan: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("op=cache.invalidate_pools del: %w", err)
	}
	return nil
}

// Ping reports cache reachability for readiness checks.
func (c *Cache) Ping(ctx domain.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("op=cache.ping: %w", err)
	}
	return nil
}
