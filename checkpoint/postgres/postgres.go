// Package postgres implements checkpoint.Store on top of PostgreSQL via
// jackc/pgx/v5. The pool is accepted behind a small DBPool interface so
// pgxmock/v3 can stand in for a live database in tests.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/workglow-dev/flowcore/checkpoint"
)

// DBPool is the subset of *pgxpool.Pool this store needs; pgxmock/v3 can
// satisfy it in tests.
type DBPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements checkpoint.Store using PostgreSQL.
type Store struct {
	pool      DBPool
	tableName string
}

// Options configures a connection to PostgreSQL.
type Options struct {
	ConnString string
	TableName  string // default "checkpoints"
}

// New opens a pool and initializes the schema.
func New(ctx context.Context, opts Options) (*Store, error) {
	pool, err := pgxpool.New(ctx, opts.ConnString)
	if err != nil {
		return nil, fmt.Errorf("checkpoint/postgres: connect: %w", err)
	}
	s := NewWithPool(pool, opts.TableName)
	if err := s.InitSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool wraps an existing pool (or mock) without opening a new
// connection, useful for tests.
func NewWithPool(pool DBPool, tableName string) *Store {
	if tableName == "" {
		tableName = "checkpoints"
	}
	return &Store{pool: pool, tableName: tableName}
}

// InitSchema creates the checkpoints table if it does not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			checkpoint_id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			parent_checkpoint_id TEXT,
			graph_json JSONB NOT NULL,
			task_states JSONB NOT NULL,
			dataflow_states JSONB NOT NULL,
			metadata JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			iteration_parent_task_id TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_%s_thread_created ON %s (thread_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_%s_iteration ON %s (thread_id, iteration_parent_task_id);
	`, s.tableName, s.tableName, s.tableName, s.tableName, s.tableName)

	_, err := s.pool.Exec(ctx, query)
	if err != nil {
		return fmt.Errorf("checkpoint/postgres: create schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool.
func (s *Store) Close() { s.pool.Close() }

func (s *Store) SaveCheckpoint(ctx context.Context, data checkpoint.Data) error {
	taskStatesJSON, err := json.Marshal(data.TaskStates)
	if err != nil {
		return fmt.Errorf("checkpoint/postgres: marshal task states: %w", err)
	}
	dataflowStatesJSON, err := json.Marshal(data.DataflowStates)
	if err != nil {
		return fmt.Errorf("checkpoint/postgres: marshal dataflow states: %w", err)
	}
	metadataJSON, err := json.Marshal(data.Metadata)
	if err != nil {
		return fmt.Errorf("checkpoint/postgres: marshal metadata: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (checkpoint_id, thread_id, parent_checkpoint_id, graph_json, task_states, dataflow_states, metadata, created_at, iteration_parent_task_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (checkpoint_id) DO UPDATE SET
			thread_id = EXCLUDED.thread_id,
			parent_checkpoint_id = EXCLUDED.parent_checkpoint_id,
			graph_json = EXCLUDED.graph_json,
			task_states = EXCLUDED.task_states,
			dataflow_states = EXCLUDED.dataflow_states,
			metadata = EXCLUDED.metadata,
			created_at = EXCLUDED.created_at,
			iteration_parent_task_id = EXCLUDED.iteration_parent_task_id
	`, s.tableName)

	_, err = s.pool.Exec(ctx, query,
		data.CheckpointID, data.ThreadID, data.ParentCheckpointID, data.GraphJSON,
		taskStatesJSON, dataflowStatesJSON, metadataJSON,
		data.Metadata.CreatedAt, data.Metadata.IterationParentTaskID,
	)
	if err != nil {
		return fmt.Errorf("checkpoint/postgres: save: %w", err)
	}
	return nil
}

func (s *Store) scanOne(row pgx.Row) (checkpoint.Data, error) {
	var d checkpoint.Data
	var parentCheckpointID, iterationParentTaskID *string
	var taskStatesJSON, dataflowStatesJSON, metadataJSON []byte

	err := row.Scan(&d.CheckpointID, &d.ThreadID, &parentCheckpointID, &d.GraphJSON, &taskStatesJSON, &dataflowStatesJSON, &metadataJSON, &d.Metadata.CreatedAt, &iterationParentTaskID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return checkpoint.Data{}, checkpoint.ErrNotFound
		}
		return checkpoint.Data{}, fmt.Errorf("checkpoint/postgres: scan: %w", err)
	}
	if parentCheckpointID != nil {
		d.ParentCheckpointID = *parentCheckpointID
	}
	if err := json.Unmarshal(taskStatesJSON, &d.TaskStates); err != nil {
		return checkpoint.Data{}, fmt.Errorf("checkpoint/postgres: unmarshal task states: %w", err)
	}
	if err := json.Unmarshal(dataflowStatesJSON, &d.DataflowStates); err != nil {
		return checkpoint.Data{}, fmt.Errorf("checkpoint/postgres: unmarshal dataflow states: %w", err)
	}
	if err := json.Unmarshal(metadataJSON, &d.Metadata); err != nil {
		return checkpoint.Data{}, fmt.Errorf("checkpoint/postgres: unmarshal metadata: %w", err)
	}
	if iterationParentTaskID != nil {
		d.Metadata.IterationParentTaskID = *iterationParentTaskID
	}
	return d, nil
}

const selectColumns = `checkpoint_id, thread_id, parent_checkpoint_id, graph_json, task_states, dataflow_states, metadata, created_at, iteration_parent_task_id`

func (s *Store) GetCheckpoint(ctx context.Context, checkpointID string) (checkpoint.Data, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE checkpoint_id = $1`, selectColumns, s.tableName)
	return s.scanOne(s.pool.QueryRow(ctx, query, checkpointID))
}

func (s *Store) GetLatestCheckpoint(ctx context.Context, threadID string) (checkpoint.Data, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE thread_id = $1 ORDER BY created_at DESC LIMIT 1`, selectColumns, s.tableName)
	return s.scanOne(s.pool.QueryRow(ctx, query, threadID))
}

func (s *Store) queryMany(ctx context.Context, query string, args ...any) ([]checkpoint.Data, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("checkpoint/postgres: query: %w", err)
	}
	defer rows.Close()

	var out []checkpoint.Data
	for rows.Next() {
		d, err := s.scanOne(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("checkpoint/postgres: rows: %w", err)
	}
	return out, nil
}

func (s *Store) GetCheckpointHistory(ctx context.Context, threadID string) ([]checkpoint.Data, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE thread_id = $1 ORDER BY created_at ASC`, selectColumns, s.tableName)
	return s.queryMany(ctx, query, threadID)
}

func (s *Store) GetCheckpointsForIteration(ctx context.Context, threadID, iterationParentTaskID string) ([]checkpoint.Data, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE thread_id = $1 AND iteration_parent_task_id = $2 ORDER BY created_at ASC`, selectColumns, s.tableName)
	return s.queryMany(ctx, query, threadID, iterationParentTaskID)
}

func (s *Store) DeleteCheckpoints(ctx context.Context, threadID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE thread_id = $1`, s.tableName)
	_, err := s.pool.Exec(ctx, query, threadID)
	if err != nil {
		return fmt.Errorf("checkpoint/postgres: delete: %w", err)
	}
	return nil
}

var _ checkpoint.Store = (*Store)(nil)
