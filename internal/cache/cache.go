package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ParkMazorika/areapulse/internal/location"
)

// DefaultTTL is how long a point result stays cached.
const DefaultTTL = 10 * time.Minute

// Cache wraps a Redis client and provides typed get/set/delete for point results.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache constructs a Cache. A non-positive ttl selects DefaultTTL.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{client: client, ttl: ttl}
}

// Key returns the Redis key for a point query. Coordinates are rounded to
// five decimals, roughly one metre.
func Key(at location.Coordinate, radiusMeters int) string {
	return fmt.Sprintf("point:%.5f:%.5f:%d", at.Latitude, at.Longitude, radiusMeters)
}

// Get retrieves a point result from cache.
// Returns nil, nil on a cache miss (not an error).
func (c *Cache) Get(ctx context.Context, at location.Coordinate, radiusMeters int) (*location.PointResult, error) {
	k := Key(at, radiusMeters)
	val, err := c.client.Get(ctx, k).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("cache get %s: %w", k, err)
	}

	var res location.PointResult
	if err := json.Unmarshal(val, &res); err != nil {
		return nil, fmt.Errorf("unmarshaling cached result %s: %w", k, err)
	}

	return &res, nil
}

// Set stores a point result with the configured TTL. Degraded results are
// not cached so the next query retries the failed sources.
func (c *Cache) Set(ctx context.Context, res *location.PointResult) error {
	if res == nil || res.IsDegraded() {
		return nil
	}

	k := Key(res.Coordinate, res.RadiusMeters)
	b, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshaling point result %s: %w", k, err)
	}

	if err := c.client.Set(ctx, k, b, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", k, err)
	}

	return nil
}

// Delete removes the cached entry for a point query.
func (c *Cache) Delete(ctx context.Context, at location.Coordinate, radiusMeters int) error {
	k := Key(at, radiusMeters)
	if err := c.client.Del(ctx, k).Err(); err != nil {
		return fmt.Errorf("cache delete %s: %w", k, err)
	}
	return nil
}
