// Package sqlite implements checkpoint.Store on top of an embedded SQLite
// database via mattn/go-sqlite3, with an index on (thread_id, created_at)
// to serve GetCheckpointHistory in creation order.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/workglow-dev/flowcore/checkpoint"
)

// Store implements checkpoint.Store using SQLite.
type Store struct {
	db        *sql.DB
	tableName string
}

// Options configures a Store.
type Options struct {
	Path      string
	TableName string // default "checkpoints"
}

// New opens (creating if necessary) a SQLite-backed checkpoint store.
func New(opts Options) (*Store, error) {
	db, err := sql.Open("sqlite3", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint/sqlite: open: %w", err)
	}

	tableName := opts.TableName
	if tableName == "" {
		tableName = "checkpoints"
	}

	s := &Store{db: db, tableName: tableName}
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			checkpoint_id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			parent_checkpoint_id TEXT,
			graph_json BLOB NOT NULL,
			task_states TEXT NOT NULL,
			dataflow_states TEXT NOT NULL,
			metadata TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			iteration_parent_task_id TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_%s_thread_created ON %s (thread_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_%s_iteration ON %s (thread_id, iteration_parent_task_id);
	`, s.tableName, s.tableName, s.tableName, s.tableName, s.tableName)

	_, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("checkpoint/sqlite: create schema: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) SaveCheckpoint(ctx context.Context, data checkpoint.Data) error {
	taskStatesJSON, err := json.Marshal(data.TaskStates)
	if err != nil {
		return fmt.Errorf("checkpoint/sqlite: marshal task states: %w", err)
	}
	dataflowStatesJSON, err := json.Marshal(data.DataflowStates)
	if err != nil {
		return fmt.Errorf("checkpoint/sqlite: marshal dataflow states: %w", err)
	}
	metadataJSON, err := json.Marshal(data.Metadata)
	if err != nil {
		return fmt.Errorf("checkpoint/sqlite: marshal metadata: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (checkpoint_id, thread_id, parent_checkpoint_id, graph_json, task_states, dataflow_states, metadata, created_at, iteration_parent_task_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(checkpoint_id) DO UPDATE SET
			thread_id = excluded.thread_id,
			parent_checkpoint_id = excluded.parent_checkpoint_id,
			graph_json = excluded.graph_json,
			task_states = excluded.task_states,
			dataflow_states = excluded.dataflow_states,
			metadata = excluded.metadata,
			created_at = excluded.created_at,
			iteration_parent_task_id = excluded.iteration_parent_task_id
	`, s.tableName)

	_, err = s.db.ExecContext(ctx, query,
		data.CheckpointID, data.ThreadID, data.ParentCheckpointID, data.GraphJSON,
		string(taskStatesJSON), string(dataflowStatesJSON), string(metadataJSON),
		data.Metadata.CreatedAt, data.Metadata.IterationParentTaskID,
	)
	if err != nil {
		return fmt.Errorf("checkpoint/sqlite: save: %w", err)
	}
	return nil
}

func (s *Store) scanRow(row *sql.Row) (checkpoint.Data, error) {
	var d checkpoint.Data
	var taskStatesJSON, dataflowStatesJSON, metadataJSON string
	var parentCheckpointID sql.NullString

	err := row.Scan(&d.CheckpointID, &d.ThreadID, &parentCheckpointID, &d.GraphJSON, &taskStatesJSON, &dataflowStatesJSON, &metadataJSON)
	if err != nil {
		if err == sql.ErrNoRows {
			return checkpoint.Data{}, checkpoint.ErrNotFound
		}
		return checkpoint.Data{}, fmt.Errorf("checkpoint/sqlite: scan: %w", err)
	}
	d.ParentCheckpointID = parentCheckpointID.String

	if err := json.Unmarshal([]byte(taskStatesJSON), &d.TaskStates); err != nil {
		return checkpoint.Data{}, fmt.Errorf("checkpoint/sqlite: unmarshal task states: %w", err)
	}
	if err := json.Unmarshal([]byte(dataflowStatesJSON), &d.DataflowStates); err != nil {
		return checkpoint.Data{}, fmt.Errorf("checkpoint/sqlite: unmarshal dataflow states: %w", err)
	}
	if err := json.Unmarshal([]byte(metadataJSON), &d.Metadata); err != nil {
		return checkpoint.Data{}, fmt.Errorf("checkpoint/sqlite: unmarshal metadata: %w", err)
	}
	return d, nil
}

func (s *Store) GetCheckpoint(ctx context.Context, checkpointID string) (checkpoint.Data, error) {
	query := fmt.Sprintf(`SELECT checkpoint_id, thread_id, parent_checkpoint_id, graph_json, task_states, dataflow_states, metadata FROM %s WHERE checkpoint_id = ?`, s.tableName)
	return s.scanRow(s.db.QueryRowContext(ctx, query, checkpointID))
}

func (s *Store) GetLatestCheckpoint(ctx context.Context, threadID string) (checkpoint.Data, error) {
	query := fmt.Sprintf(`SELECT checkpoint_id, thread_id, parent_checkpoint_id, graph_json, task_states, dataflow_states, metadata FROM %s WHERE thread_id = ? ORDER BY created_at DESC LIMIT 1`, s.tableName)
	return s.scanRow(s.db.QueryRowContext(ctx, query, threadID))
}

func (s *Store) GetCheckpointHistory(ctx context.Context, threadID string) ([]checkpoint.Data, error) {
	query := fmt.Sprintf(`SELECT checkpoint_id, thread_id, parent_checkpoint_id, graph_json, task_states, dataflow_states, metadata FROM %s WHERE thread_id = ? ORDER BY created_at ASC`, s.tableName)
	rows, err := s.db.QueryContext(ctx, query, threadID)
	if err != nil {
		return nil, fmt.Errorf("checkpoint/sqlite: history query: %w", err)
	}
	defer rows.Close()
	return s.scanRows(rows)
}

func (s *Store) GetCheckpointsForIteration(ctx context.Context, threadID, iterationParentTaskID string) ([]checkpoint.Data, error) {
	query := fmt.Sprintf(`SELECT checkpoint_id, thread_id, parent_checkpoint_id, graph_json, task_states, dataflow_states, metadata FROM %s WHERE thread_id = ? AND iteration_parent_task_id = ? ORDER BY created_at ASC`, s.tableName)
	rows, err := s.db.QueryContext(ctx, query, threadID, iterationParentTaskID)
	if err != nil {
		return nil, fmt.Errorf("checkpoint/sqlite: iteration query: %w", err)
	}
	defer rows.Close()
	return s.scanRows(rows)
}

func (s *Store) scanRows(rows *sql.Rows) ([]checkpoint.Data, error) {
	var out []checkpoint.Data
	for rows.Next() {
		var d checkpoint.Data
		var taskStatesJSON, dataflowStatesJSON, metadataJSON string
		var parentCheckpointID sql.NullString

		if err := rows.Scan(&d.CheckpointID, &d.ThreadID, &parentCheckpointID, &d.GraphJSON, &taskStatesJSON, &dataflowStatesJSON, &metadataJSON); err != nil {
			return nil, fmt.Errorf("checkpoint/sqlite: scan row: %w", err)
		}
		d.ParentCheckpointID = parentCheckpointID.String
		if err := json.Unmarshal([]byte(taskStatesJSON), &d.TaskStates); err != nil {
			return nil, fmt.Errorf("checkpoint/sqlite: unmarshal task states: %w", err)
		}
		if err := json.Unmarshal([]byte(dataflowStatesJSON), &d.DataflowStates); err != nil {
			return nil, fmt.Errorf("checkpoint/sqlite: unmarshal dataflow states: %w", err)
		}
		if err := json.Unmarshal([]byte(metadataJSON), &d.Metadata); err != nil {
			return nil, fmt.Errorf("checkpoint/sqlite: unmarshal metadata: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("checkpoint/sqlite: row iteration: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteCheckpoints(ctx context.Context, threadID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE thread_id = ?`, s.tableName)
	_, err := s.db.ExecContext(ctx, query, threadID)
	if err != nil {
		return fmt.Errorf("checkpoint/sqlite: delete: %w", err)
	}
	return nil
}

var _ checkpoint.Store = (*Store)(nil)
