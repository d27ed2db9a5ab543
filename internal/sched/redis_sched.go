package sched

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisScheduler stores deadlines in a sorted set scored by unix
// milliseconds, so pending offer expirations survive a process restart.
// A poll loop pops due members and hands them to the handler; because the
// expiration transition is itself a check-and-set, a deadline replayed by
// another process is harmless.
type RedisScheduler struct {
	client  *redis.Client
	key     string
	handler Handler
	logger  *slog.Logger
	poll    time.Duration
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewRedisScheduler(client *redis.Client, key string, poll time.Duration, h Handler, logger *slog.Logger) *RedisScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &RedisScheduler{
		client:  client,
		key:     key,
		handler: h,
		logger:  logger,
		poll:    poll,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go s.run(ctx)
	return s
}

func (s *RedisScheduler) Schedule(rideID string, at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.client.ZAdd(ctx, s.key, redis.Z{Score: float64(at.UnixMilli()), Member: rideID}).Err(); err != nil {
		s.logger.Error("schedule deadline", "ride_id", rideID, "error", err)
	}
}

func (s *RedisScheduler) Cancel(rideID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.client.ZRem(ctx, s.key, rideID).Err(); err != nil {
		s.logger.Error("cancel deadline", "ride_id", rideID, "error", err)
	}
}

func (s *RedisScheduler) Close() {
	s.cancel()
	<-s.done
}

func (s *RedisScheduler) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fireDue(ctx)
		}
	}
}

func (s *RedisScheduler) fireDue(ctx context.Context) {
	now := float64(time.Now().UnixMilli())
	due, err := s.client.ZRangeByScore(ctx, s.key, &redis.ZRangeBy{Min: "-inf", Max: formatScore(now), Count: 100}).Result()
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("poll deadlines", "error", err)
		}
		return
	}
	for _, rideID := range due {
		// Claim the member before firing so only one process handles it.
		removed, err := s.client.ZRem(ctx, s.key, rideID).Result()
		if err != nil || removed == 0 {
			continue
		}
		s.handler(rideID)
	}
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
