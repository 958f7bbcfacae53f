package geo

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

const DefaultGeoKey = "drivers_geo"

// RedisIndex implements Index using Redis GEO commands so every node and the
// location consumer share one index.
type RedisIndex struct {
	client redis.UniversalClient
	key    string
}

func NewRedisIndex(client redis.UniversalClient, key string) *RedisIndex {
	if key == "" {
		key = DefaultGeoKey
	}
	return &RedisIndex{client: client, key: key}
}

func (r *RedisIndex) Upsert(ctx context.Context, driverID string, c models.Coord) error {
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Name: driverID, Longitude: c.Lng, Latitude: c.Lat}).Err(); err != nil {
		return fmt.Errorf("geoadd %s: %w", driverID, err)
	}
	return nil
}

func (r *RedisIndex) Remove(ctx context.Context, driverID string) error {
	return r.client.ZRem(ctx, r.key, driverID).Err()
}

func (r *RedisIndex) Nearby(ctx context.Context, c models.Coord, radiusMeters float64, limit int) ([]Hit, error) {
	if radiusMeters <= 0 {
		radiusMeters = 5000
	}
	res, err := r.client.GeoRadius(ctx, r.key, c.Lng, c.Lat, &redis.GeoRadiusQuery{
		Radius:    radiusMeters,
		Unit:      "m",
		WithCoord: true,
		WithDist:  true,
		Count:     limit,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("georadius: %w", err)
	}
	out := make([]Hit, 0, len(res))
	for _, g := range res {
		out = append(out, Hit{
			DriverID:       g.Name,
			Location:       models.Coord{Lat: g.Latitude, Lng: g.Longitude},
			DistanceMeters: g.Dist,
		})
	}
	return out, nil
}
