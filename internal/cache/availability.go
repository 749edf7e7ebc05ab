// Package cache holds advisory availability figures in Redis. Entries
// expire by TTL only; nothing reads them on a reservation path.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/distributed-ecommerce-saga/rental-inventory/internal/domain"
	"github.com/distributed-ecommerce-saga/rental-inventory/internal/metrics"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const keyPrefix = "rental-inventory:availability"

type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

type Config struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

type AvailabilityCache struct {
	client redisClient
	ttl    time.Duration
}

func NewAvailabilityCache(cfg Config) *AvailabilityCache {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &AvailabilityCache{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		ttl: ttl,
	}
}

func (c *AvailabilityCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *AvailabilityCache) GetAvailability(ctx context.Context, itemID uuid.UUID, window *domain.Window) (int, bool, error) {
	raw, err := c.client.Get(ctx, Key(itemID, window)).Result()
	if errors.Is(err, redis.Nil) {
		metrics.RecordCacheLookup(false)
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("availability cache get: %w", err)
	}
	qty, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("availability cache value %q: %w", raw, err)
	}
	metrics.RecordCacheLookup(true)
	return qty, true, nil
}

func (c *AvailabilityCache) SetAvailability(ctx context.Context, itemID uuid.UUID, window *domain.Window, qty int) error {
	if err := c.client.Set(ctx, Key(itemID, window), strconv.Itoa(qty), c.ttl).Err(); err != nil {
		return fmt.Errorf("availability cache set: %w", err)
	}
	return nil
}

func (c *AvailabilityCache) Close() error {
	return c.client.Close()
}

// Key is "<prefix>:<item>" for on-hand figures and
// "<prefix>:<item>:<start unix nano>:<end unix nano>" for windowed ones.
func Key(itemID uuid.UUID, window *domain.Window) string {
	if window == nil {
		return keyPrefix + ":" + itemID.String()
	}
	return fmt.Sprintf("%s:%s:%d:%d", keyPrefix, itemID, window.Start.UnixNano(), window.End.UnixNano())
}
