package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/Reaper312-A/tgshop/internal/domain"
	"github.com/redis/go-redis/v9"
)

type RedisStore struct {
	client  *redis.Client
	baseTTL time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client:  client,
		baseTTL: ttl,
	}
}

func (r *RedisStore) Get(ctx context.Context, userID int64) (*domain.CheckoutSession, error) {
	key := sessionKey(userID)

	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var s domain.CheckoutSession
	if e2 := json.Unmarshal(data, &s); e2 != nil {
		return nil, fmt.Errorf("unmarshal session failed: %w", e2)
	}

	return &s, nil
}

func (r *RedisStore) Put(ctx context.Context, s *domain.CheckoutSession) error {
	key := sessionKey(s.UserID)
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session failed: %w", err)
	}

	// Jitter spreads expiries so sessions started together do not all
	// vanish in the same instant.
	jitter := time.Duration(rand.Intn(5)) * time.Minute
	ttl := r.baseTTL + jitter
	if ret := r.client.Set(ctx, key, data, ttl); ret.Err() != nil {
		return fmt.Errorf("redis set failed: %w", ret.Err())
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, userID int64) error {
	key := sessionKey(userID)
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}

	return nil
}

func sessionKey(userID int64) string {
	return fmt.Sprintf("session:%d", userID)
}
