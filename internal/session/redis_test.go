package session

import (
	"context"
	"testing"
	"time"

	"github.com/Reaper312-A/tgshop/internal/domain"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRedisStore(client, 30*time.Minute), mr
}

func TestRedisStore_RoundTrip(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	s := &domain.CheckoutSession{
		UserID:         42,
		ProductID:      7,
		ProductName:    "Товар",
		UnitPrice:      1500,
		MaxQuantity:    5,
		Quantity:       2,
		IdempotencyKey: "key-1",
		State:          domain.StateCollectingAddress,
	}
	require.NoError(t, store.Put(ctx, s))

	got, err := store.Get(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

func TestRedisStore_GetMissing(t *testing.T) {
	store, _ := setupStore(t)

	_, err := store.Get(context.Background(), 999)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRedisStore_Delete(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, &domain.CheckoutSession{UserID: 42}))
	require.NoError(t, store.Delete(ctx, 42))

	_, err := store.Get(ctx, 42)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRedisStore_TTLEviction(t *testing.T) {
	store, mr := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, &domain.CheckoutSession{UserID: 42}))

	// Past the base TTL plus the maximum jitter the session must be gone.
	mr.FastForward(36 * time.Minute)

	_, err := store.Get(ctx, 42)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
