package geo

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// GeoCommander is the subset of *redis.Client used by RedisIndex.
type GeoCommander interface {
	GeoAdd(ctx context.Context, key string, geoLocation ...*redis.GeoLocation) *redis.IntCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	GeoSearch(ctx context.Context, key string, q *redis.GeoSearchQuery) *redis.StringSliceCmd
}

// RedisIndex keeps driver positions in a Redis GEO set so several
// processes (and the location consumer) share one view.
type RedisIndex struct {
	client GeoCommander
	key    string
}

func NewRedisIndex(client GeoCommander, key string) *RedisIndex {
	if key == "" {
		key = "drivers_geo"
	}
	return &RedisIndex{client: client, key: key}
}

// NewRedisClient builds the client used by RedisIndex and checks it answers.
func NewRedisClient(ctx context.Context, addr, password string) (*redis.Client, error) {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return c, nil
}

func (r *RedisIndex) Upsert(ctx context.Context, id string, c models.Coord) error {
	return r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Name: id, Longitude: c.Lng, Latitude: c.Lat}).Err()
}

func (r *RedisIndex) Remove(ctx context.Context, id string) error {
	return r.client.ZRem(ctx, r.key, id).Err()
}

func (r *RedisIndex) Within(ctx context.Context, center models.Coord, radiusKm float64) ([]string, error) {
	return r.client.GeoSearch(ctx, r.key, searchQuery(center, radiusKm)).Result()
}

func searchQuery(center models.Coord, radiusKm float64) *redis.GeoSearchQuery {
	return &redis.GeoSearchQuery{
		Longitude:  center.Lng,
		Latitude:   center.Lat,
		Radius:     radiusKm,
		RadiusUnit: "km",
		Sort:       "ASC",
	}
}
