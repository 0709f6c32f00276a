package pulse

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

	"goa.design/agentwire/chunk"
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
		t.Skipf("Docker not available, skipping Pulse tests: %v", err)
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

func TestPublishSubscribeRoundTrip(t *testing.T) {
	rdb := startRedis(t)
	ctx := context.Background()

	client, err := NewClient(ClientOptions{Redis: rdb, StreamMaxLen: 100})
	require.NoError(t, err)

	sink, err := NewSink(SinkOptions{Client: client})
	require.NoError(t, err)
	sub, err := NewSubscriber(SubscriberOptions{Client: client})
	require.NoError(t, err)

	chunks, errs, cancel, err := sub.Subscribe(ctx, "run/run-it")
	require.NoError(t, err)
	defer cancel()

	sent := []chunk.Chunk{
		chunk.New("run-it", chunk.FromAgent, chunk.TextDelta{ID: "t1", Text: "hello "}),
		chunk.New("run-it", chunk.FromAgent, chunk.TextDelta{ID: "t1", Text: "world"}),
	}
	for _, c := range sent {
		require.NoError(t, sink.Send(ctx, c))
	}

	var got []chunk.Chunk
	for len(got) < len(sent) {
		select {
		case c := <-chunks:
			got = append(got, c)
		case err := <-errs:
			t.Fatalf("subscriber error: %v", err)
		case <-time.After(10 * time.Second):
			t.Fatalf("timed out after %d chunks", len(got))
		}
	}
	assert.Equal(t, sent, got)
}
