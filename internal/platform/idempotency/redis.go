package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "idem:"

// RedisStore shares reservations across instances. Reservation is a SET NX so exactly one request wins.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps a go-redis client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Reserve implements Store.
func (s *RedisStore) Reserve(ctx context.Context, key, fingerprint string, ttl time.Duration) (Outcome, Record, error) {
	record := Record{Fingerprint: fingerprint}
	payload, err := json.Marshal(record)
	if err != nil {
		return InFlight, Record{}, err
	}
	won, err := s.client.SetNX(ctx, redisKeyPrefix+key, payload, ttl).Result()
	if err != nil {
		return InFlight, Record{}, fmt.Errorf("idempotency: reserve: %w", err)
	}
	if won {
		return Proceed, record, nil
	}

	data, err := s.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; let the client retry.
		return InFlight, Record{}, nil
	}
	if err != nil {
		return InFlight, Record{}, fmt.Errorf("idempotency: load: %w", err)
	}
	var existing Record
	if err := json.Unmarshal(data, &existing); err != nil {
		return InFlight, Record{}, fmt.Errorf("idempotency: decode: %w", err)
	}
	outcome, err := classify(existing, fingerprint)
	return outcome, existing, err
}

// Complete implements Store.
func (s *RedisStore) Complete(ctx context.Context, key string, record Record, ttl time.Duration) error {
	record.Completed = true
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, redisKeyPrefix+key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("idempotency: complete: %w", err)
	}
	return nil
}

// Release implements Store.
func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("idempotency: release: %w", err)
	}
	return nil
}
