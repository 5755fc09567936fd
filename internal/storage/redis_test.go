package storage

import (
	"context"
	"testing"

	"github.com/kelseyhightower/envconfig"
	"github.com/stretchr/testify/require"

	"github.com/walletmesh/coordinator/config"
)

type redisTestConfig struct {
	Host string `envconfig:"REDIS_HOST"`
	Port string `envconfig:"REDIS_PORT" default:"6379"`
	DB   int    `envconfig:"REDIS_DB" default:"9"`
}

func newRedisUnderTest(t *testing.T) *RedisStorage {
	t.Helper()

	var cfg redisTestConfig
	require.NoError(t, envconfig.Process("coordinator_test", &cfg))
	if cfg.Host == "" {
		t.Skip("COORDINATOR_TEST_REDIS_HOST not set")
	}

	s, err := NewRedisStorage(config.RedisConfig{
		Host: cfg.Host,
		Port: cfg.Port,
		DB:   cfg.DB,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func TestRedisStorageRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newRedisUnderTest(t)

	key := TxKey("0xredis-test", "round-trip")
	require.NoError(t, s.Set(ctx, key, []byte("v1")))
	t.Cleanup(func() {
		_ = s.Delete(context.Background(), key)
	})

	val, ok, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", string(val))

	require.NoError(t, s.Delete(ctx, key))
	_, ok, err = s.Get(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisStorageUpdateAborted(t *testing.T) {
	ctx := context.Background()
	s := newRedisUnderTest(t)

	key := TxKey("0xredis-test", "update-aborted")
	require.NoError(t, s.Set(ctx, key, []byte("keep")))
	t.Cleanup(func() {
		_ = s.Delete(context.Background(), key)
	})

	err := s.Update(ctx, key, func(old []byte, ok bool) ([]byte, error) {
		require.True(t, ok)
		require.Equal(t, "keep", string(old))
		return nil, ErrAborted
	})
	require.NoError(t, err)

	val, ok, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "keep", string(val))
}
