package data

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armazem-sao-joaquim/backoffice/internal/testutil"
)

// setupTestRedis creates a Redis client for testing.
// Tests will be skipped if Redis is not available.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	return testutil.SetupTestRedis(t)
}

func TestRedisCacheRepo_Set_Get_Delete(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	client := setupTestRedis(t)

	repo := NewRedisCacheRepo(client)
	ctx := context.Background()

	t.Run("set and get", func(t *testing.T) {
		key := "admin:user-1"
		value := []byte(`{"is_admin":true}`)
		ttl := 5 * time.Minute

		require.NoError(t, repo.Set(ctx, key, value, ttl))

		result, err := repo.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, value, result)

		actualTTL := client.TTL(ctx, key).Val()
		assert.True(t, actualTTL > 0 && actualTTL <= ttl)
	})

	t.Run("get non-existent key", func(t *testing.T) {
		result, err := repo.Get(ctx, "admin:missing")
		require.NoError(t, err)
		assert.Nil(t, result)
	})

	t.Run("delete existing key", func(t *testing.T) {
		key := "admin:user-2"
		require.NoError(t, repo.Set(ctx, key, []byte("x"), time.Minute))

		deleted, err := repo.Delete(ctx, key)
		require.NoError(t, err)
		assert.True(t, deleted)

		result, err := repo.Get(ctx, key)
		require.NoError(t, err)
		assert.Nil(t, result)
	})

	t.Run("delete non-existent key", func(t *testing.T) {
		deleted, err := repo.Delete(ctx, "admin:never")
		require.NoError(t, err)
		assert.False(t, deleted)
	})

	t.Run("health check", func(t *testing.T) {
		assert.NoError(t, repo.Health(ctx))
	})
}

func TestRedisCacheRepo_DeletePrefix(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	client := setupTestRedis(t)

	repo := NewRedisCacheRepoWithNamespace(client, "bo:")
	ctx := context.Background()

	for i := range 450 {
		require.NoError(t, repo.Set(ctx, fmt.Sprintf("admin:u-1:%d", i), []byte("x"), time.Minute))
	}
	require.NoError(t, repo.Set(ctx, "admin:u-1", []byte("x"), time.Minute))
	require.NoError(t, repo.Set(ctx, "admin:u-12:0", []byte("x"), time.Minute))
	require.NoError(t, repo.Set(ctx, "admin:u-1[x]:0", []byte("x"), time.Minute))

	n, err := repo.DeletePrefix(ctx, "admin:u-1:")
	require.NoError(t, err)
	assert.Equal(t, int64(450), n)

	for _, key := range []string{"admin:u-1", "admin:u-12:0", "admin:u-1[x]:0"} {
		v, getErr := repo.Get(ctx, key)
		require.NoError(t, getErr)
		assert.NotNil(t, v, key)
	}

	n, err = repo.DeletePrefix(ctx, "admin:u-1[x]:")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "glob characters in the prefix match literally")

	raw, err := client.Exists(ctx, "bo:admin:u-1").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), raw, "keys are stored under the namespace")
}

func TestRedisCacheRepo_Validation(t *testing.T) {
	repo := NewRedisCacheRepo(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}))
	ctx := context.Background()

	require.Error(t, repo.Set(ctx, "", []byte("x"), time.Minute))
	_, err := repo.Get(ctx, "")
	require.Error(t, err)
	_, err = repo.Delete(ctx, "")
	require.Error(t, err)
	_, err = repo.DeletePrefix(ctx, "")
	require.Error(t, err)
}

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, `admin:u-1:`, escapeGlob("admin:u-1:"))
	assert.Equal(t, `a\*b\?c\[d\]e\\f`, escapeGlob(`a*b?c[d]e\f`))
}

func TestDefaultRedisConfig(t *testing.T) {
	cfg := DefaultRedisConfig()
	assert.Equal(t, "localhost:6379", cfg.Addr)
	assert.Empty(t, cfg.Password)
	assert.Equal(t, 0, cfg.DB)
}

func TestNewRedisClient(t *testing.T) {
	client := NewRedisClient(RedisConfig{Addr: "localhost:6380", DB: 3})
	assert.Equal(t, "localhost:6380", client.Options().Addr)
	assert.Equal(t, 3, client.Options().DB)
}
