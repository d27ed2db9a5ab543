package presence

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisStore keeps presence in per-driver hashes with a TTL, so a driver
// whose process died simply ages out instead of matching forever.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func presenceKey(id string) string { return "driver:presence:" + id }

func (s *RedisStore) Upsert(ctx context.Context, p models.DriverPresence) error {
	key := presenceKey(p.DriverID)
	now := time.Now()
	fields := map[string]interface{}{
		"lat":          strconv.FormatFloat(p.Coord.Lat, 'f', -1, 64),
		"lon":          strconv.FormatFloat(p.Coord.Lon, 'f', -1, 64),
		"status":       string(p.Status),
		"available":    strconv.FormatBool(p.Available),
		"subscription": strconv.FormatBool(p.SubscriptionActive),
		"updated":      now.Format(time.RFC3339Nano),
	}
	if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
		return err
	}
	return s.client.Expire(ctx, key, s.ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, driverID string) (models.DriverPresence, error) {
	m, err := s.client.HGetAll(ctx, presenceKey(driverID)).Result()
	if err != nil {
		return models.DriverPresence{}, err
	}
	if len(m) == 0 {
		return models.DriverPresence{}, ErrNotFound
	}
	p := models.DriverPresence{DriverID: driverID}
	p.Coord.Lat, _ = strconv.ParseFloat(m["lat"], 64)
	p.Coord.Lon, _ = strconv.ParseFloat(m["lon"], 64)
	p.Status = models.DriverStatus(m["status"])
	p.Available, _ = strconv.ParseBool(m["available"])
	p.SubscriptionActive, _ = strconv.ParseBool(m["subscription"])
	if ts, err := time.Parse(time.RFC3339Nano, m["updated"]); err == nil {
		p.UpdatedAt = ts
	}
	return p, nil
}

func (s *RedisStore) SetStatus(ctx context.Context, driverID string, status models.DriverStatus, available bool) error {
	key := presenceKey(driverID)
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	err = s.client.HSet(ctx, key, map[string]interface{}{
		"status":    string(status),
		"available": strconv.FormatBool(available),
		"updated":   time.Now().Format(time.RFC3339Nano),
	}).Err()
	if err != nil {
		return err
	}
	return s.client.Expire(ctx, key, s.ttl).Err()
}

func (s *RedisStore) Touch(ctx context.Context, driverID string, coord models.Coord) error {
	key := presenceKey(driverID)
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	err = s.client.HSet(ctx, key, map[string]interface{}{
		"lat":     strconv.FormatFloat(coord.Lat, 'f', -1, 64),
		"lon":     strconv.FormatFloat(coord.Lon, 'f', -1, 64),
		"updated": time.Now().Format(time.RFC3339Nano),
	}).Err()
	if err != nil {
		return err
	}
	return s.client.Expire(ctx, key, s.ttl).Err()
}
