package memorystore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workglow-dev/flowcore/checkpoint"
	"github.com/workglow-dev/flowcore/checkpoint/memorystore"
)

func TestSaveAndGet(t *testing.T) {
	s := memorystore.New()
	ctx := context.Background()

	data := checkpoint.Data{
		CheckpointID: "c1",
		ThreadID:     "t1",
		Metadata:     checkpoint.Metadata{CreatedAt: time.Now()},
	}
	require.NoError(t, s.SaveCheckpoint(ctx, data))

	got, err := s.GetCheckpoint(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.ThreadID)
}

func TestGetLatestAndHistoryOrdered(t *testing.T) {
	s := memorystore.New()
	ctx := context.Background()

	base := time.Now()
	require.NoError(t, s.SaveCheckpoint(ctx, checkpoint.Data{CheckpointID: "c1", ThreadID: "t1", Metadata: checkpoint.Metadata{CreatedAt: base}}))
	require.NoError(t, s.SaveCheckpoint(ctx, checkpoint.Data{CheckpointID: "c2", ThreadID: "t1", ParentCheckpointID: "c1", Metadata: checkpoint.Metadata{CreatedAt: base.Add(time.Second)}}))

	latest, err := s.GetLatestCheckpoint(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "c2", latest.CheckpointID)

	history, err := s.GetCheckpointHistory(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "c1", history[0].CheckpointID)
	assert.Equal(t, "c2", history[1].CheckpointID)
}

func TestGetCheckpointNotFound(t *testing.T) {
	s := memorystore.New()
	_, err := s.GetCheckpoint(context.Background(), "missing")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestGetCheckpointsForIteration(t *testing.T) {
	s := memorystore.New()
	ctx := context.Background()
	idx0, idx1 := 0, 1

	require.NoError(t, s.SaveCheckpoint(ctx, checkpoint.Data{
		CheckpointID: "c1", ThreadID: "t1",
		Metadata: checkpoint.Metadata{CreatedAt: time.Now(), IterationParentTaskID: "map1", IterationIndex: &idx0},
	}))
	require.NoError(t, s.SaveCheckpoint(ctx, checkpoint.Data{
		CheckpointID: "c2", ThreadID: "t1",
		Metadata: checkpoint.Metadata{CreatedAt: time.Now(), IterationParentTaskID: "map1", IterationIndex: &idx1},
	}))
	require.NoError(t, s.SaveCheckpoint(ctx, checkpoint.Data{
		CheckpointID: "c3", ThreadID: "t1",
		Metadata: checkpoint.Metadata{CreatedAt: time.Now()},
	}))

	iter, err := s.GetCheckpointsForIteration(ctx, "t1", "map1")
	require.NoError(t, err)
	assert.Len(t, iter, 2)
}

func TestDeleteCheckpoints(t *testing.T) {
	s := memorystore.New()
	ctx := context.Background()
	require.NoError(t, s.SaveCheckpoint(ctx, checkpoint.Data{CheckpointID: "c1", ThreadID: "t1"}))
	require.NoError(t, s.DeleteCheckpoints(ctx, "t1"))
	_, err := s.GetCheckpoint(ctx, "c1")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}
