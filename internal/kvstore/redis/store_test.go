package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestStoreRoundTrip(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()
	store := New(client, WithPrefix("pager:test:"))

	require.NoError(t, store.Set(ctx, "snapshot", []byte(`[]`)))
	assert.True(t, mr.Exists("pager:test:snapshot"))

	value, ok, err := store.Get(ctx, "snapshot")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `[]`, string(value))

	require.NoError(t, store.Delete(ctx, "snapshot"))
	_, ok, err = store.Get(ctx, "snapshot")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreTTL(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()
	store := New(client, WithTTL(time.Minute))

	require.NoError(t, store.Set(ctx, "snapshot", []byte(`{}`)))
	mr.FastForward(2 * time.Minute)

	_, ok, err := store.Get(ctx, "snapshot")
	require.NoError(t, err)
	assert.False(t, ok)
}
