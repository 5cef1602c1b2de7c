package postgres_test

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workglow-dev/flowcore/checkpoint"
	"github.com/workglow-dev/flowcore/checkpoint/postgres"
)

func TestSaveCheckpoint(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := postgres.NewWithPool(mock, "checkpoints")

	data := checkpoint.Data{
		CheckpointID: "c1",
		ThreadID:     "t1",
		GraphJSON:    []byte(`{}`),
		TaskStates:   []checkpoint.TaskState{{TaskID: "a", Status: "COMPLETED"}},
		Metadata:     checkpoint.Metadata{CreatedAt: time.Now()},
	}
	taskStatesJSON, _ := json.Marshal(data.TaskStates)
	dataflowStatesJSON, _ := json.Marshal(data.DataflowStates)
	metadataJSON, _ := json.Marshal(data.Metadata)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO checkpoints")).
		WithArgs(data.CheckpointID, data.ThreadID, data.ParentCheckpointID, data.GraphJSON,
			taskStatesJSON, dataflowStatesJSON, metadataJSON,
			data.Metadata.CreatedAt, data.Metadata.IterationParentTaskID).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.SaveCheckpoint(context.Background(), data))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetCheckpoint(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := postgres.NewWithPool(mock, "checkpoints")

	created := time.Now()
	taskStatesJSON, _ := json.Marshal([]checkpoint.TaskState{{TaskID: "a", Status: "COMPLETED"}})
	dataflowStatesJSON, _ := json.Marshal([]checkpoint.DataflowState{})
	metadataJSON, _ := json.Marshal(checkpoint.Metadata{CreatedAt: created})

	rows := pgxmock.NewRows([]string{
		"checkpoint_id", "thread_id", "parent_checkpoint_id", "graph_json",
		"task_states", "dataflow_states", "metadata", "created_at", "iteration_parent_task_id",
	}).AddRow("c1", "t1", nil, []byte(`{}`), taskStatesJSON, dataflowStatesJSON, metadataJSON, created, nil)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT checkpoint_id, thread_id, parent_checkpoint_id, graph_json, task_states, dataflow_states, metadata, created_at, iteration_parent_task_id FROM checkpoints WHERE checkpoint_id = $1")).
		WithArgs("c1").
		WillReturnRows(rows)

	got, err := store.GetCheckpoint(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.ThreadID)
	require.Len(t, got.TaskStates, 1)
	assert.Equal(t, "a", got.TaskStates[0].TaskID)

	assert.NoError(t, mock.ExpectationsWereMet())
}
