package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startRedis launches a throwaway Redis container, or skips the test when
// Docker is not available.
func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	var (
		container testcontainers.Container
		err       error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("docker not available: %v", r)
			}
		}()
		container, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7-alpine",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor:   wait.ForLog("Ready to accept connections"),
			},
			Started: true,
		})
	}()
	if err != nil {
		t.Skipf("Docker not available, skipping Redis tests: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	require.NoError(t, client.Ping(ctx).Err())
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisGetSet(t *testing.T) {
	client := startRedis(t)
	ctx := context.Background()

	c, err := NewRedis(RedisOptions{Client: client})
	require.NoError(t, err)

	_, ok, err := c.Get(ctx, Key("missing"))
	require.NoError(t, err)
	assert.False(t, ok)

	key := Key("moderation", "some text")
	require.NoError(t, c.Set(ctx, key, []byte(`{"flagged":false}`)))
	val, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"flagged":false}`, string(val))
}

func TestRedisTTL(t *testing.T) {
	client := startRedis(t)
	ctx := context.Background()

	c, err := NewRedis(RedisOptions{Client: client, TTL: time.Second})
	require.NoError(t, err)
	require.NoError(t, c.Set(ctx, "short", []byte("v")))

	ttl, err := client.TTL(ctx, "agentwire:cache:short").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0), "redis entries always carry a TTL")
	assert.LessOrEqual(t, ttl, time.Second)
}

func TestRedisPrefixIsolation(t *testing.T) {
	client := startRedis(t)
	ctx := context.Background()

	a, err := NewRedis(RedisOptions{Client: client, Prefix: "a:"})
	require.NoError(t, err)
	b, err := NewRedis(RedisOptions{Client: client, Prefix: "b:"})
	require.NoError(t, err)

	require.NoError(t, a.Set(ctx, "k", []byte("from-a")))
	_, ok, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "prefixes partition the keyspace")
}

func TestNewRedisRequiresClient(t *testing.T) {
	_, err := NewRedis(RedisOptions{})
	require.Error(t, err)
}
