package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workglow-dev/flowcore/checkpoint"
	"github.com/workglow-dev/flowcore/checkpoint/redis"
)

func newTestStore(t *testing.T) *redis.Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	return redis.NewWithClient(client, "test:", 0)
}

func TestSaveAndGetCheckpoint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	data := checkpoint.Data{
		CheckpointID: "c1",
		ThreadID:     "t1",
		GraphJSON:    []byte(`{}`),
		Metadata:     checkpoint.Metadata{CreatedAt: time.Now()},
	}
	require.NoError(t, s.SaveCheckpoint(ctx, data))

	got, err := s.GetCheckpoint(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.ThreadID)
}

func TestGetCheckpointNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetCheckpoint(context.Background(), "missing")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestHistoryOrderedByCreationTime(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, s.SaveCheckpoint(ctx, checkpoint.Data{CheckpointID: "c2", ThreadID: "t1", Metadata: checkpoint.Metadata{CreatedAt: base.Add(time.Minute)}}))
	require.NoError(t, s.SaveCheckpoint(ctx, checkpoint.Data{CheckpointID: "c1", ThreadID: "t1", Metadata: checkpoint.Metadata{CreatedAt: base}}))

	history, err := s.GetCheckpointHistory(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "c1", history[0].CheckpointID)
	assert.Equal(t, "c2", history[1].CheckpointID)

	latest, err := s.GetLatestCheckpoint(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "c2", latest.CheckpointID)
}

func TestDeleteCheckpoints(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveCheckpoint(ctx, checkpoint.Data{CheckpointID: "c1", ThreadID: "t1", Metadata: checkpoint.Metadata{CreatedAt: time.Now()}}))
	require.NoError(t, s.DeleteCheckpoints(ctx, "t1"))
	_, err := s.GetCheckpoint(ctx, "c1")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}
