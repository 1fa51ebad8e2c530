package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DeliveryState keeps confirmed (dedup_key, channel) pairs in Redis so
// alert idempotency survives process restarts. Keys expire after ttl;
// past that point the Postgres alert row still blocks re-raising.
type DeliveryState struct {
	client *redis.Client
	ttl    time.Duration
}

func NewDeliveryState(url string, ttl time.Duration) (*DeliveryState, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &DeliveryState{client: client, ttl: ttl}, nil
}

func (s *DeliveryState) Close() error {
	return s.client.Close()
}

func key(dedupKey, channel string) string {
	return "monitor:delivered:" + dedupKey + ":" + channel
}

func (s *DeliveryState) IsConfirmed(ctx context.Context, dedupKey, channel string) (bool, error) {
	n, err := s.client.Exists(ctx, key(dedupKey, channel)).Result()
	if err != nil {
		return false, fmt.Errorf("check delivery state: %w", err)
	}
	return n > 0, nil
}

func (s *DeliveryState) MarkConfirmed(ctx context.Context, dedupKey, channel string) error {
	if err := s.client.Set(ctx, key(dedupKey, channel), "1", s.ttl).Err(); err != nil {
		return fmt.Errorf("mark delivery confirmed: %w", err)
	}
	return nil
}
