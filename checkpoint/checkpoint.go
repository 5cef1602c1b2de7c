// Package checkpoint defines the CheckpointData record and Store interface
// used by the scheduler to persist and resume runs, plus the
// memorystore/sqlite/postgres/redis backends that implement Store. A
// checkpoint carries a thread/parent-chain id pair, the serialized graph,
// and per-task/per-dataflow state, with per-iteration lookup for compound
// iterator tasks.
package checkpoint

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested checkpoint does not exist.
var ErrNotFound = errors.New("checkpoint: not found")

// TaskState is the persisted snapshot of one task at checkpoint time.
type TaskState struct {
	TaskID        string         `json:"taskId"`
	Status        string         `json:"status"`
	Progress      int            `json:"progress"`
	RunInputData  map[string]any `json:"runInputData,omitempty"`
	RunOutputData map[string]any `json:"runOutputData,omitempty"`
}

// DataflowState is the persisted status of one dataflow edge at checkpoint
// time.
type DataflowState struct {
	SourceID   string `json:"sourceId"`
	SourcePort string `json:"sourcePort"`
	TargetID   string `json:"targetId"`
	TargetPort string `json:"targetPort"`
	Status     string `json:"status"`
}

// Metadata carries the context a checkpoint was taken under.
type Metadata struct {
	CreatedAt             time.Time `json:"createdAt"`
	TriggerTaskID          string    `json:"triggerTaskId,omitempty"`
	IterationParentTaskID  string    `json:"iterationParentTaskId,omitempty"`
	IterationIndex         *int      `json:"iterationIndex,omitempty"`
}

// Data is a single checkpoint record, exactly per the data model's
// CheckpointData: {checkpointId, threadId, parentCheckpointId?, graphJson,
// taskStates[], dataflowStates[], metadata}.
type Data struct {
	CheckpointID       string          `json:"checkpointId"`
	ThreadID           string          `json:"threadId"`
	ParentCheckpointID string          `json:"parentCheckpointId,omitempty"`
	GraphJSON          []byte          `json:"graphJson"`
	TaskStates         []TaskState     `json:"taskStates"`
	DataflowStates     []DataflowState `json:"dataflowStates"`
	Metadata           Metadata        `json:"metadata"`
}

// Store is the checkpoint persistence interface. SaveCheckpoint is an
// idempotent upsert keyed by CheckpointID. Within a thread,
// ParentCheckpointID forms a chain terminating at the first checkpoint;
// GetCheckpointHistory returns that chain oldest-to-newest.
type Store interface {
	SaveCheckpoint(ctx context.Context, data Data) error
	GetCheckpoint(ctx context.Context, checkpointID string) (Data, error)
	GetLatestCheckpoint(ctx context.Context, threadID string) (Data, error)
	GetCheckpointHistory(ctx context.Context, threadID string) ([]Data, error)
	GetCheckpointsForIteration(ctx context.Context, threadID, iterationParentTaskID string) ([]Data, error)
	DeleteCheckpoints(ctx context.Context, threadID string) error
}
