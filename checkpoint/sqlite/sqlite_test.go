package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workglow-dev/flowcore/checkpoint"
	"github.com/workglow-dev/flowcore/checkpoint/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(sqlite.Options{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveAndGetCheckpoint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	data := checkpoint.Data{
		CheckpointID: "c1",
		ThreadID:     "t1",
		GraphJSON:    []byte(`{"tasks":[]}`),
		TaskStates:   []checkpoint.TaskState{{TaskID: "a", Status: "COMPLETED"}},
		Metadata:     checkpoint.Metadata{CreatedAt: time.Now()},
	}
	require.NoError(t, s.SaveCheckpoint(ctx, data))

	got, err := s.GetCheckpoint(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.ThreadID)
	require.Len(t, got.TaskStates, 1)
	assert.Equal(t, "a", got.TaskStates[0].TaskID)
}

func TestUpsertOverwrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveCheckpoint(ctx, checkpoint.Data{CheckpointID: "c1", ThreadID: "t1", Metadata: checkpoint.Metadata{CreatedAt: time.Now()}}))
	require.NoError(t, s.SaveCheckpoint(ctx, checkpoint.Data{CheckpointID: "c1", ThreadID: "t2", Metadata: checkpoint.Metadata{CreatedAt: time.Now()}}))

	got, err := s.GetCheckpoint(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "t2", got.ThreadID)
}

func TestGetCheckpointHistoryOrdered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, s.SaveCheckpoint(ctx, checkpoint.Data{CheckpointID: "c1", ThreadID: "t1", Metadata: checkpoint.Metadata{CreatedAt: base}}))
	require.NoError(t, s.SaveCheckpoint(ctx, checkpoint.Data{CheckpointID: "c2", ThreadID: "t1", ParentCheckpointID: "c1", Metadata: checkpoint.Metadata{CreatedAt: base.Add(time.Minute)}}))

	history, err := s.GetCheckpointHistory(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "c1", history[0].CheckpointID)
	assert.Equal(t, "c2", history[1].CheckpointID)
	assert.Equal(t, "c1", history[1].ParentCheckpointID)
}

func TestDeleteCheckpoints(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveCheckpoint(ctx, checkpoint.Data{CheckpointID: "c1", ThreadID: "t1", Metadata: checkpoint.Metadata{CreatedAt: time.Now()}}))
	require.NoError(t, s.DeleteCheckpoints(ctx, "t1"))
	_, err := s.GetCheckpoint(ctx, "c1")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}
