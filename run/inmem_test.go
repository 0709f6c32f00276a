package run

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemPutGet(t *testing.T) {
	s := NewInMem()
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	rec := Record{ID: "run-1", FinishReason: "stop", Text: "hello", Steps: 1, FinishedAt: time.Now().UTC()}
	require.NoError(t, s.Put(ctx, rec))

	got, err := s.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	// Put replaces.
	rec.Text = "updated"
	require.NoError(t, s.Put(ctx, rec))
	got, err = s.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "updated", got.Text)
}

func TestInMemListNewestFirst(t *testing.T) {
	s := NewInMem()
	ctx := context.Background()
	base := time.Now().UTC()
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Put(ctx, Record{ID: id, FinishedAt: base.Add(time.Duration(i) * time.Second)}))
	}

	recs, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "c", recs[0].ID)
	assert.Equal(t, "a", recs[2].ID)

	recs, err = s.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, []string{"c", "b"}, []string{recs[0].ID, recs[1].ID})
}
