// Package bolt implements queue.IQueueStorage on top of an embedded
// go.etcd.io/bbolt database, grounded on the pack's
// anhnv24810310060-source-SWARM-INTELLIGENCE-NETWORK orchestrator's
// WorkflowStore (per-bucket bbolt layout, prefix-scanned secondary
// indexes). Next's CAS needs no optimistic retry at all: bbolt allows only
// one write transaction at a time, so a single db.Update call that reads
// then conditionally writes is already atomic.
package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/workglow-dev/flowcore/queue"
)

var (
	bucketJobs         = []byte("jobs")
	bucketPendingOrder = []byte("pending_order") // key: zero-padded-nanos + 0x00 + id -> id
	bucketByStatus     = []byte("by_status")      // key: status + 0x00 + id -> nil
	bucketByRun        = []byte("by_run")         // key: runID + 0x00 + id -> nil
	bucketByFingerprint = []byte("by_fingerprint") // key: fingerprint -> id
)

// Store implements queue.IQueueStorage[Input, Output] using bbolt.
type Store[Input any, Output any] struct {
	db *bbolt.DB
}

// Options configures a Store.
type Options struct {
	Path string
}

// New opens (creating if necessary) a bbolt-backed job store.
func New[Input any, Output any](opts Options) (*Store[Input, Output], error) {
	db, err := bbolt.Open(opts.Path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("queue/bolt: open: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketJobs, bucketPendingOrder, bucketByStatus, bucketByRun, bucketByFingerprint} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("queue/bolt: create buckets: %w", err)
	}
	return &Store[Input, Output]{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store[Input, Output]) Close() error { return s.db.Close() }

func padTime(t time.Time) string { return fmt.Sprintf("%020d", t.UnixNano()) }

func statusKey(status queue.Status, id string) []byte {
	return []byte(string(status) + "\x00" + id)
}

func runKey(runID, id string) []byte { return []byte(runID + "\x00" + id) }

func pendingKey(t time.Time, id string) []byte { return []byte(padTime(t) + "\x00" + id) }

func hasPrefix(key, prefix []byte) bool {
	if len(key) < len(prefix) {
		return false
	}
	for i := range prefix {
		if key[i] != prefix[i] {
			return false
		}
	}
	return true
}

func decodeJob[Input any, Output any](raw []byte) (queue.JobRecord[Input, Output], error) {
	var job queue.JobRecord[Input, Output]
	if err := json.Unmarshal(raw, &job); err != nil {
		return queue.JobRecord[Input, Output]{}, fmt.Errorf("queue/bolt: unmarshal: %w", err)
	}
	return job, nil
}

func (s *Store[Input, Output]) putJob(tx *bbolt.Tx, job queue.JobRecord[Input, Output]) error {
	blob, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue/bolt: marshal: %w", err)
	}
	return tx.Bucket(bucketJobs).Put([]byte(job.ID), blob)
}

func (s *Store[Input, Output]) getJob(tx *bbolt.Tx, id string) (queue.JobRecord[Input, Output], error) {
	raw := tx.Bucket(bucketJobs).Get([]byte(id))
	if raw == nil {
		return queue.JobRecord[Input, Output]{}, queue.ErrNotFound
	}
	return decodeJob[Input, Output](raw)
}

func (s *Store[Input, Output]) Add(ctx context.Context, job queue.JobRecord[Input, Output]) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	job.UpdatedAt = job.CreatedAt

	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := s.putJob(tx, job); err != nil {
			return err
		}
		if err := tx.Bucket(bucketByStatus).Put(statusKey(job.Status, job.ID), nil); err != nil {
			return err
		}
		if job.Status == queue.StatusPending {
			score := job.RunAfter
			if score.IsZero() {
				score = job.CreatedAt
			}
			if err := tx.Bucket(bucketPendingOrder).Put(pendingKey(score, job.ID), []byte(job.ID)); err != nil {
				return err
			}
		}
		if job.RunID != "" {
			if err := tx.Bucket(bucketByRun).Put(runKey(job.RunID, job.ID), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store[Input, Output]) Get(ctx context.Context, id string) (queue.JobRecord[Input, Output], error) {
	var job queue.JobRecord[Input, Output]
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		job, err = s.getJob(tx, id)
		return err
	})
	return job, err
}

// Next scans pending_order in RunAfter order, claiming the first candidate
// whose job record is still PENDING and not past its deadline. Stale
// entries (a job that moved on without its pending_order entry being
// cleaned up by some earlier path) are pruned as they're encountered.
func (s *Store[Input, Output]) Next(ctx context.Context, now time.Time) (queue.JobRecord[Input, Output], error) {
	var claimed queue.JobRecord[Input, Output]
	found := false
	nowPrefix := padTime(now)

	err := s.db.Update(func(tx *bbolt.Tx) error {
		order := tx.Bucket(bucketPendingOrder)
		cursor := order.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			if len(k) < 20 || string(k[:20]) > nowPrefix {
				break
			}
			id := string(v)
			job, err := s.getJob(tx, id)
			if err != nil {
				if err := order.Delete(k); err != nil {
					return err
				}
				continue
			}
			if job.Status != queue.StatusPending {
				if err := order.Delete(k); err != nil {
					return err
				}
				continue
			}
			if job.DeadlineAt != nil && job.DeadlineAt.Before(now) {
				continue
			}

			job.Status = queue.StatusProcessing
			job.LastRanAt = now
			job.UpdatedAt = now
			if err := s.putJob(tx, job); err != nil {
				return err
			}
			if err := order.Delete(k); err != nil {
				return err
			}
			if err := tx.Bucket(bucketByStatus).Delete(statusKey(queue.StatusPending, id)); err != nil {
				return err
			}
			if err := tx.Bucket(bucketByStatus).Put(statusKey(queue.StatusProcessing, id), nil); err != nil {
				return err
			}
			claimed = job
			found = true
			return nil
		}
		return nil
	})
	if err != nil {
		return queue.JobRecord[Input, Output]{}, fmt.Errorf("queue/bolt: next: %w", err)
	}
	if !found {
		return queue.JobRecord[Input, Output]{}, queue.ErrNoRunnableJob
	}
	return claimed, nil
}

func (s *Store[Input, Output]) moveStatus(tx *bbolt.Tx, id string, from, to queue.Status) error {
	if from != "" {
		if err := tx.Bucket(bucketByStatus).Delete(statusKey(from, id)); err != nil {
			return err
		}
	}
	return tx.Bucket(bucketByStatus).Put(statusKey(to, id), nil)
}

func (s *Store[Input, Output]) Complete(ctx context.Context, id string, output Output) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		job, err := s.getJob(tx, id)
		if err != nil {
			return err
		}
		prev := job.Status
		job.Status = queue.StatusCompleted
		job.Output = output
		job.UpdatedAt = time.Now()
		if err := s.putJob(tx, job); err != nil {
			return err
		}
		if err := s.moveStatus(tx, id, prev, queue.StatusCompleted); err != nil {
			return err
		}
		if job.Fingerprint != "" {
			if err := tx.Bucket(bucketByFingerprint).Put([]byte(job.Fingerprint), []byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store[Input, Output]) Fail(ctx context.Context, id string, errMessage, errCode string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		job, err := s.getJob(tx, id)
		if err != nil {
			return err
		}
		prev := job.Status
		job.Status = queue.StatusFailed
		job.ErrMessage = errMessage
		job.ErrCode = errCode
		job.UpdatedAt = time.Now()
		if err := s.putJob(tx, job); err != nil {
			return err
		}
		return s.moveStatus(tx, id, prev, queue.StatusFailed)
	})
}

func (s *Store[Input, Output]) Retry(ctx context.Context, id string, errMessage string, runAfter time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		job, err := s.getJob(tx, id)
		if err != nil {
			return err
		}
		prev := job.Status
		job.Status = queue.StatusPending
		job.RunAttempts++
		job.ErrMessage = errMessage
		job.RunAfter = runAfter
		job.UpdatedAt = time.Now()
		if err := s.putJob(tx, job); err != nil {
			return err
		}
		if err := s.moveStatus(tx, id, prev, queue.StatusPending); err != nil {
			return err
		}
		return tx.Bucket(bucketPendingOrder).Put(pendingKey(runAfter, id), []byte(id))
	})
}

func (s *Store[Input, Output]) Abort(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		job, err := s.getJob(tx, id)
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
		prev := job.Status
		job.Status = next
		job.UpdatedAt = time.Now()
		if err := s.putJob(tx, job); err != nil {
			return err
		}
		if prev == queue.StatusPending {
			score := job.RunAfter
			if score.IsZero() {
				score = job.CreatedAt
			}
			if err := tx.Bucket(bucketPendingOrder).Delete(pendingKey(score, id)); err != nil {
				return err
			}
		}
		return s.moveStatus(tx, id, prev, next)
	})
}

func (s *Store[Input, Output]) SaveProgress(ctx context.Context, id string, progress int) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		job, err := s.getJob(tx, id)
		if err != nil {
			return err
		}
		job.Progress = progress
		job.UpdatedAt = time.Now()
		return s.putJob(tx, job)
	})
}

func (s *Store[Input, Output]) Peek(ctx context.Context, status queue.Status, n int) ([]queue.JobRecord[Input, Output], error) {
	var out []queue.JobRecord[Input, Output]
	err := s.db.View(func(tx *bbolt.Tx) error {
		prefix := []byte(string(status) + "\x00")
		cursor := tx.Bucket(bucketByStatus).Cursor()
		for k, _ := cursor.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = cursor.Next() {
			id := string(k[len(prefix):])
			job, err := s.getJob(tx, id)
			if err != nil {
				continue
			}
			out = append(out, job)
			if n > 0 && len(out) >= n {
				break
			}
		}
		return nil
	})
	return out, err
}

func (s *Store[Input, Output]) Size(ctx context.Context, status queue.Status) (int, error) {
	count := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		prefix := []byte(string(status) + "\x00")
		cursor := tx.Bucket(bucketByStatus).Cursor()
		for k, _ := cursor.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = cursor.Next() {
			count++
		}
		return nil
	})
	return count, err
}

func (s *Store[Input, Output]) GetByRunID(ctx context.Context, runID string) ([]queue.JobRecord[Input, Output], error) {
	var out []queue.JobRecord[Input, Output]
	err := s.db.View(func(tx *bbolt.Tx) error {
		prefix := []byte(runID + "\x00")
		cursor := tx.Bucket(bucketByRun).Cursor()
		for k, _ := cursor.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = cursor.Next() {
			id := string(k[len(prefix):])
			job, err := s.getJob(tx, id)
			if err != nil {
				continue
			}
			out = append(out, job)
		}
		return nil
	})
	return out, err
}

func (s *Store[Input, Output]) OutputForInput(ctx context.Context, fingerprint string) (queue.JobRecord[Input, Output], bool, error) {
	var job queue.JobRecord[Input, Output]
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		idRaw := tx.Bucket(bucketByFingerprint).Get([]byte(fingerprint))
		if idRaw == nil {
			return nil
		}
		j, err := s.getJob(tx, string(idRaw))
		if err != nil {
			return nil
		}
		if j.Status == queue.StatusCompleted {
			job = j
			found = true
		}
		return nil
	})
	return job, found, err
}

func (s *Store[Input, Output]) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		job, err := s.getJob(tx, id)
		if err == queue.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketJobs).Delete([]byte(id)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketByStatus).Delete(statusKey(job.Status, id)); err != nil {
			return err
		}
		if job.Status == queue.StatusPending {
			score := job.RunAfter
			if score.IsZero() {
				score = job.CreatedAt
			}
			if err := tx.Bucket(bucketPendingOrder).Delete(pendingKey(score, id)); err != nil {
				return err
			}
		}
		if job.RunID != "" {
			if err := tx.Bucket(bucketByRun).Delete(runKey(job.RunID, id)); err != nil {
				return err
			}
		}
		if job.Fingerprint != "" {
			if err := tx.Bucket(bucketByFingerprint).Delete([]byte(job.Fingerprint)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store[Input, Output]) DeleteJobsByStatusAndAge(ctx context.Context, status queue.Status, age time.Duration) (int, error) {
	jobs, err := s.Peek(ctx, status, 0)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-age)
	deleted := 0
	for _, job := range jobs {
		if job.UpdatedAt.Before(cutoff) {
			if err := s.Delete(ctx, job.ID); err != nil {
				return deleted, err
			}
			deleted++
		}
	}
	return deleted, nil
}

var _ queue.IQueueStorage[string, string] = (*Store[string, string])(nil)
