package geo

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisIndex implements Index on Redis GEO commands so the driver position
// set is shared across server and consumer processes.
type RedisIndex struct {
	client *redis.Client
	key    string
}

func NewRedisIndex(client *redis.Client, key string) *RedisIndex {
	return &RedisIndex{client: client, key: key}
}

func (r *RedisIndex) Upsert(ctx context.Context, driverID string, coord models.Coord) error {
	if !coord.Valid() {
		return ErrInvalidCoordinates
	}
	return r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Name:      driverID,
		Longitude: coord.Lon,
		Latitude:  coord.Lat,
	}).Err()
}

func (r *RedisIndex) Remove(ctx context.Context, driverID string) error {
	return r.client.ZRem(ctx, r.key, driverID).Err()
}

func (r *RedisIndex) Query(ctx context.Context, center models.Coord, radiusMeters float64, limit int) ([]Candidate, error) {
	if !center.Valid() {
		return nil, ErrInvalidCoordinates
	}
	res, err := r.client.GeoRadius(ctx, r.key, center.Lon, center.Lat, &redis.GeoRadiusQuery{
		Radius:    radiusMeters,
		Unit:      "m",
		WithCoord: true,
		WithDist:  true,
		Count:     limit,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(res))
	for _, g := range res {
		out = append(out, Candidate{
			DriverID: g.Name,
			Distance: g.Dist, // WithDist in query units, meters here
			Coord:    models.Coord{Lat: g.Latitude, Lon: g.Longitude},
		})
	}
	return out, nil
}
