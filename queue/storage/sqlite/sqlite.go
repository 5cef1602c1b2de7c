// Package sqlite implements queue.IQueueStorage on top of an embedded
// SQLite database via mattn/go-sqlite3, adapted from
// checkpoint/sqlite's table-per-store shape. Next's CAS relies on SQLite's
// own serialized writer transactions rather than a SELECT...FOR UPDATE.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/workglow-dev/flowcore/queue"
)

// Store implements queue.IQueueStorage[Input, Output] using SQLite.
type Store[Input any, Output any] struct {
	db        *sql.DB
	tableName string
}

// Options configures a Store.
type Options struct {
	Path      string
	TableName string // default "queue_jobs"
}

// New opens (creating if necessary) a SQLite-backed job store.
func New[Input any, Output any](opts Options) (*Store[Input, Output], error) {
	db, err := sql.Open("sqlite3", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("queue/sqlite: open: %w", err)
	}

	tableName := opts.TableName
	if tableName == "" {
		tableName = "queue_jobs"
	}

	s := &Store[Input, Output]{db: db, tableName: tableName}
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store[Input, Output]) initSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			run_id TEXT,
			kind TEXT,
			status TEXT NOT NULL,
			input TEXT,
			output TEXT,
			err_message TEXT,
			err_code TEXT,
			progress INTEGER NOT NULL DEFAULT 0,
			run_attempts INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			run_after DATETIME,
			deadline_at DATETIME,
			last_ran_at DATETIME,
			fingerprint TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_%s_status_runafter ON %s (status, run_after);
		CREATE INDEX IF NOT EXISTS idx_%s_run_id ON %s (run_id);
		CREATE INDEX IF NOT EXISTS idx_%s_fingerprint ON %s (fingerprint, status);
	`, s.tableName, s.tableName, s.tableName, s.tableName, s.tableName, s.tableName, s.tableName)

	_, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("queue/sqlite: create schema: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store[Input, Output]) Close() error { return s.db.Close() }

func (s *Store[Input, Output]) Add(ctx context.Context, job queue.JobRecord[Input, Output]) error {
	inputJSON, err := json.Marshal(job.Input)
	if err != nil {
		return fmt.Errorf("queue/sqlite: marshal input: %w", err)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	job.UpdatedAt = job.CreatedAt

	query := fmt.Sprintf(`
		INSERT INTO %s (id, run_id, kind, status, input, progress, run_attempts, max_retries, run_after, deadline_at, fingerprint, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.tableName)
	_, err = s.db.ExecContext(ctx, query,
		job.ID, job.RunID, job.Kind, job.Status, string(inputJSON), job.Progress, job.RunAttempts, job.MaxRetries,
		job.RunAfter, job.DeadlineAt, job.Fingerprint, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("queue/sqlite: add: %w", err)
	}
	return nil
}

func (s *Store[Input, Output]) selectColumns() string {
	return "id, run_id, kind, status, input, output, err_message, err_code, progress, run_attempts, max_retries, run_after, deadline_at, last_ran_at, fingerprint, created_at, updated_at"
}

func (s *Store[Input, Output]) scanRow(row interface {
	Scan(dest ...any) error
}) (queue.JobRecord[Input, Output], error) {
	var job queue.JobRecord[Input, Output]
	var inputJSON, outputJSON sql.NullString
	var runAfter, lastRanAt sql.NullTime
	var deadlineAt sql.NullTime

	err := row.Scan(
		&job.ID, &job.RunID, &job.Kind, &job.Status, &inputJSON, &outputJSON, &job.ErrMessage, &job.ErrCode,
		&job.Progress, &job.RunAttempts, &job.MaxRetries, &runAfter, &deadlineAt, &lastRanAt,
		&job.Fingerprint, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return queue.JobRecord[Input, Output]{}, queue.ErrNotFound
		}
		return queue.JobRecord[Input, Output]{}, fmt.Errorf("queue/sqlite: scan: %w", err)
	}

	if inputJSON.Valid && inputJSON.String != "" {
		if err := json.Unmarshal([]byte(inputJSON.String), &job.Input); err != nil {
			return queue.JobRecord[Input, Output]{}, fmt.Errorf("queue/sqlite: unmarshal input: %w", err)
		}
	}
	if outputJSON.Valid && outputJSON.String != "" {
		if err := json.Unmarshal([]byte(outputJSON.String), &job.Output); err != nil {
			return queue.JobRecord[Input, Output]{}, fmt.Errorf("queue/sqlite: unmarshal output: %w", err)
		}
	}
	job.RunAfter = runAfter.Time
	job.LastRanAt = lastRanAt.Time
	if deadlineAt.Valid {
		d := deadlineAt.Time
		job.DeadlineAt = &d
	}
	return job, nil
}

func (s *Store[Input, Output]) Get(ctx context.Context, id string) (queue.JobRecord[Input, Output], error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, s.selectColumns(), s.tableName)
	return s.scanRow(s.db.QueryRowContext(ctx, query, id))
}

func (s *Store[Input, Output]) Next(ctx context.Context, now time.Time) (queue.JobRecord[Input, Output], error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return queue.JobRecord[Input, Output]{}, fmt.Errorf("queue/sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`
		SELECT id FROM %s
		WHERE status = ? AND run_after <= ? AND (deadline_at IS NULL OR deadline_at > ?)
		ORDER BY created_at ASC LIMIT 1
	`, s.tableName)
	var id string
	err = tx.QueryRowContext(ctx, query, queue.StatusPending, now, now).Scan(&id)
	if err == sql.ErrNoRows {
		return queue.JobRecord[Input, Output]{}, queue.ErrNoRunnableJob
	}
	if err != nil {
		return queue.JobRecord[Input, Output]{}, fmt.Errorf("queue/sqlite: next select: %w", err)
	}

	update := fmt.Sprintf(`UPDATE %s SET status = ?, last_ran_at = ?, updated_at = ? WHERE id = ? AND status = ?`, s.tableName)
	res, err := tx.ExecContext(ctx, update, queue.StatusProcessing, now, now, id, queue.StatusPending)
	if err != nil {
		return queue.JobRecord[Input, Output]{}, fmt.Errorf("queue/sqlite: next update: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return queue.JobRecord[Input, Output]{}, queue.ErrNoRunnableJob
	}

	selectQuery := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, s.selectColumns(), s.tableName)
	job, err := s.scanRow(tx.QueryRowContext(ctx, selectQuery, id))
	if err != nil {
		return queue.JobRecord[Input, Output]{}, err
	}
	if err := tx.Commit(); err != nil {
		return queue.JobRecord[Input, Output]{}, fmt.Errorf("queue/sqlite: commit: %w", err)
	}
	return job, nil
}

func (s *Store[Input, Output]) Complete(ctx context.Context, id string, output Output) error {
	outputJSON, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("queue/sqlite: marshal output: %w", err)
	}
	query := fmt.Sprintf(`UPDATE %s SET status = ?, output = ?, updated_at = ? WHERE id = ?`, s.tableName)
	_, err = s.db.ExecContext(ctx, query, queue.StatusCompleted, string(outputJSON), time.Now(), id)
	if err != nil {
		return fmt.Errorf("queue/sqlite: complete: %w", err)
	}
	return nil
}

func (s *Store[Input, Output]) Fail(ctx context.Context, id string, errMessage, errCode string) error {
	query := fmt.Sprintf(`UPDATE %s SET status = ?, err_message = ?, err_code = ?, updated_at = ? WHERE id = ?`, s.tableName)
	_, err := s.db.ExecContext(ctx, query, queue.StatusFailed, errMessage, errCode, time.Now(), id)
	if err != nil {
		return fmt.Errorf("queue/sqlite: fail: %w", err)
	}
	return nil
}

func (s *Store[Input, Output]) Retry(ctx context.Context, id string, errMessage string, runAfter time.Time) error {
	query := fmt.Sprintf(`UPDATE %s SET status = ?, run_attempts = run_attempts + 1, err_message = ?, run_after = ?, updated_at = ? WHERE id = ?`, s.tableName)
	_, err := s.db.ExecContext(ctx, query, queue.StatusPending, errMessage, runAfter, time.Now(), id)
	if err != nil {
		return fmt.Errorf("queue/sqlite: retry: %w", err)
	}
	return nil
}

func (s *Store[Input, Output]) Abort(ctx context.Context, id string) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	var next queue.Status
	switch job.Status {
	case queue.StatusPending:
		next = queue.StatusDisabled
	case queue.StatusProcessing:
		next = queue.StatusAborting
	default:
		return nil
	}
	query := fmt.Sprintf(`UPDATE %s SET status = ?, updated_at = ? WHERE id = ?`, s.tableName)
	_, err = s.db.ExecContext(ctx, query, next, time.Now(), id)
	if err != nil {
		return fmt.Errorf("queue/sqlite: abort: %w", err)
	}
	return nil
}

func (s *Store[Input, Output]) SaveProgress(ctx context.Context, id string, progress int) error {
	query := fmt.Sprintf(`UPDATE %s SET progress = ?, updated_at = ? WHERE id = ?`, s.tableName)
	_, err := s.db.ExecContext(ctx, query, progress, time.Now(), id)
	if err != nil {
		return fmt.Errorf("queue/sqlite: save progress: %w", err)
	}
	return nil
}

func (s *Store[Input, Output]) Peek(ctx context.Context, status queue.Status, n int) ([]queue.JobRecord[Input, Output], error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE status = ? ORDER BY created_at ASC`, s.selectColumns(), s.tableName)
	args := []any{status}
	if n > 0 {
		query += ` LIMIT ?`
		args = append(args, n)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("queue/sqlite: peek: %w", err)
	}
	defer rows.Close()
	return s.scanRows(rows)
}

func (s *Store[Input, Output]) scanRows(rows *sql.Rows) ([]queue.JobRecord[Input, Output], error) {
	var out []queue.JobRecord[Input, Output]
	for rows.Next() {
		job, err := s.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue/sqlite: row iteration: %w", err)
	}
	return out, nil
}

func (s *Store[Input, Output]) Size(ctx context.Context, status queue.Status) (int, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE status = ?`, s.tableName)
	var count int
	if err := s.db.QueryRowContext(ctx, query, status).Scan(&count); err != nil {
		return 0, fmt.Errorf("queue/sqlite: size: %w", err)
	}
	return count, nil
}

func (s *Store[Input, Output]) GetByRunID(ctx context.Context, runID string) ([]queue.JobRecord[Input, Output], error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE run_id = ? ORDER BY created_at ASC`, s.selectColumns(), s.tableName)
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("queue/sqlite: get by run id: %w", err)
	}
	defer rows.Close()
	return s.scanRows(rows)
}

func (s *Store[Input, Output]) OutputForInput(ctx context.Context, fingerprint string) (queue.JobRecord[Input, Output], bool, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE fingerprint = ? AND status = ? ORDER BY created_at DESC LIMIT 1`, s.selectColumns(), s.tableName)
	job, err := s.scanRow(s.db.QueryRowContext(ctx, query, fingerprint, queue.StatusCompleted))
	if err == queue.ErrNotFound {
		return queue.JobRecord[Input, Output]{}, false, nil
	}
	if err != nil {
		return queue.JobRecord[Input, Output]{}, false, err
	}
	return job, true, nil
}

func (s *Store[Input, Output]) Delete(ctx context.Context, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, s.tableName)
	_, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("queue/sqlite: delete: %w", err)
	}
	return nil
}

func (s *Store[Input, Output]) DeleteJobsByStatusAndAge(ctx context.Context, status queue.Status, age time.Duration) (int, error) {
	cutoff := time.Now().Add(-age)
	query := fmt.Sprintf(`DELETE FROM %s WHERE status = ? AND updated_at < ?`, s.tableName)
	res, err := s.db.ExecContext(ctx, query, status, cutoff)
	if err != nil {
		return 0, fmt.Errorf("queue/sqlite: delete by age: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("queue/sqlite: rows affected: %w", err)
	}
	return int(n), nil
}

var _ queue.IQueueStorage[string, string] = (*Store[string, string])(nil)
