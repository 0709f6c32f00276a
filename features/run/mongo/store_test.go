package mongo

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"goa.design/agentwire/chunk"
	"goa.design/agentwire/run"
)

func TestNewValidation(t *testing.T) {
	_, err := New(context.Background(), Options{Database: "db"})
	require.EqualError(t, err, "mongo client is required")
	_, err = New(context.Background(), Options{Client: &mongodriver.Client{}})
	require.EqualError(t, err, "database name is required")
}

func TestPutRequiresID(t *testing.T) {
	s := &Store{}
	err := s.Put(context.Background(), run.Record{})
	require.EqualError(t, err, "run id is required")
}

func TestGetRequiresID(t *testing.T) {
	s := &Store{}
	_, err := s.Get(context.Background(), "")
	require.EqualError(t, err, "run id is required")
}

// startMongo launches a throwaway MongoDB container, or skips the test when
// Docker is not available.
func startMongo(t *testing.T) *mongodriver.Client {
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
				Image:        "mongo:7",
				ExposedPorts: []string{"27017/tcp"},
				WaitingFor:   wait.ForLog("Waiting for connections"),
				Tmpfs:        map[string]string{"/data/db": "rw"},
			},
			Started: true,
		})
	}()
	if err != nil {
		t.Skipf("Docker not available, skipping MongoDB tests: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "27017")
	require.NoError(t, err)

	client, err := mongodriver.Connect(options.Client().ApplyURI("mongodb://" + host + ":" + port.Port()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })
	return client
}

func TestPutGetRoundTrip(t *testing.T) {
	client := startMongo(t)
	ctx := context.Background()

	store, err := New(ctx, Options{Client: client, Database: "agentwire_test"})
	require.NoError(t, err)
	require.NoError(t, store.Ping(ctx))

	rec := run.Record{
		ID:           "run-1",
		FinishReason: "stop",
		Text:         "hello",
		Object:       json.RawMessage(`{"name":"Ada"}`),
		Usage:        chunk.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
		Steps:        1,
		FinishedAt:   time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, store.Put(ctx, rec))

	got, err := store.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, rec.FinishReason, got.FinishReason)
	assert.Equal(t, rec.Text, got.Text)
	assert.JSONEq(t, string(rec.Object), string(got.Object))
	assert.Equal(t, rec.Usage, got.Usage)
	assert.True(t, rec.FinishedAt.Equal(got.FinishedAt))

	// Put replaces.
	rec.Text = "updated"
	require.NoError(t, store.Put(ctx, rec))
	got, err = store.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "updated", got.Text)
}

func TestGetMissing(t *testing.T) {
	client := startMongo(t)
	ctx := context.Background()

	store, err := New(ctx, Options{Client: client, Database: "agentwire_test"})
	require.NoError(t, err)

	_, err = store.Get(ctx, "missing")
	require.ErrorIs(t, err, run.ErrNotFound)
}

func TestListNewestFirst(t *testing.T) {
	client := startMongo(t)
	ctx := context.Background()

	store, err := New(ctx, Options{Client: client, Database: "agentwire_list_test"})
	require.NoError(t, err)

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i := 0; i < 3; i++ {
		require.NoError(t, store.Put(ctx, run.Record{
			ID:           fmt.Sprintf("run-%d", i),
			FinishReason: "stop",
			FinishedAt:   base.Add(time.Duration(i) * time.Minute),
		}))
	}

	recs, err := store.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "run-2", recs[0].ID)
	assert.Equal(t, "run-1", recs[1].ID)

	all, err := store.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
