// Package memory implements queue.IQueueStorage with an in-process map,
// for tests and single-process deployments.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/workglow-dev/flowcore/queue"
)

// Store implements queue.IQueueStorage[Input, Output] over a mutex-guarded
// map, grounded on checkpoint/memorystore's same shape.
type Store[Input any, Output any] struct {
	mu   sync.Mutex
	jobs map[string]queue.JobRecord[Input, Output]
}

// New creates an empty Store.
func New[Input any, Output any]() *Store[Input, Output] {
	return &Store[Input, Output]{jobs: make(map[string]queue.JobRecord[Input, Output])}
}

func (s *Store[Input, Output]) Add(ctx context.Context, job queue.JobRecord[Input, Output]) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	job.UpdatedAt = job.CreatedAt
	s.jobs[job.ID] = job
	return nil
}

func (s *Store[Input, Output]) Get(ctx context.Context, id string) (queue.JobRecord[Input, Output], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return queue.JobRecord[Input, Output]{}, queue.ErrNotFound
	}
	return job, nil
}

func (s *Store[Input, Output]) Next(ctx context.Context, now time.Time) (queue.JobRecord[Input, Output], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *queue.JobRecord[Input, Output]
	for id, job := range s.jobs {
		job := job
		if job.Status != queue.StatusPending {
			continue
		}
		if !job.RunAfter.IsZero() && job.RunAfter.After(now) {
			continue
		}
		if job.DeadlineAt != nil && job.DeadlineAt.Before(now) {
			continue
		}
		if best == nil || job.CreatedAt.Before(best.CreatedAt) {
			j := job
			j.ID = id
			best = &j
		}
	}
	if best == nil {
		return queue.JobRecord[Input, Output]{}, queue.ErrNoRunnableJob
	}

	best.Status = queue.StatusProcessing
	best.LastRanAt = now
	best.UpdatedAt = now
	s.jobs[best.ID] = *best
	return *best, nil
}

func (s *Store[Input, Output]) Complete(ctx context.Context, id string, output Output) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return queue.ErrNotFound
	}
	job.Status = queue.StatusCompleted
	job.Output = output
	job.UpdatedAt = time.Now()
	s.jobs[id] = job
	return nil
}

func (s *Store[Input, Output]) Fail(ctx context.Context, id string, errMessage, errCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return queue.ErrNotFound
	}
	job.Status = queue.StatusFailed
	job.ErrMessage = errMessage
	job.ErrCode = errCode
	job.UpdatedAt = time.Now()
	s.jobs[id] = job
	return nil
}

func (s *Store[Input, Output]) Retry(ctx context.Context, id string, errMessage string, runAfter time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return queue.ErrNotFound
	}
	job.Status = queue.StatusPending
	job.RunAttempts++
	job.ErrMessage = errMessage
	job.RunAfter = runAfter
	job.UpdatedAt = time.Now()
	s.jobs[id] = job
	return nil
}

func (s *Store[Input, Output]) Abort(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return queue.ErrNotFound
	}
	switch job.Status {
	case queue.StatusPending:
		job.Status = queue.StatusDisabled
	case queue.StatusProcessing:
		job.Status = queue.StatusAborting
	default:
		return nil
	}
	job.UpdatedAt = time.Now()
	s.jobs[id] = job
	return nil
}

func (s *Store[Input, Output]) SaveProgress(ctx context.Context, id string, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return queue.ErrNotFound
	}
	job.Progress = progress
	job.UpdatedAt = time.Now()
	s.jobs[id] = job
	return nil
}

func (s *Store[Input, Output]) Peek(ctx context.Context, status queue.Status, n int) ([]queue.JobRecord[Input, Output], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []queue.JobRecord[Input, Output]
	for _, job := range s.jobs {
		if job.Status == status {
			out = append(out, job)
			if n > 0 && len(out) >= n {
				break
			}
		}
	}
	return out, nil
}

func (s *Store[Input, Output]) Size(ctx context.Context, status queue.Status) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, job := range s.jobs {
		if job.Status == status {
			count++
		}
	}
	return count, nil
}

func (s *Store[Input, Output]) GetByRunID(ctx context.Context, runID string) ([]queue.JobRecord[Input, Output], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []queue.JobRecord[Input, Output]
	for _, job := range s.jobs {
		if job.RunID == runID {
			out = append(out, job)
		}
	}
	return out, nil
}

func (s *Store[Input, Output]) OutputForInput(ctx context.Context, fingerprint string) (queue.JobRecord[Input, Output], bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.Fingerprint == fingerprint && job.Status == queue.StatusCompleted {
			return job, true, nil
		}
	}
	return queue.JobRecord[Input, Output]{}, false, nil
}

func (s *Store[Input, Output]) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

func (s *Store[Input, Output]) DeleteJobsByStatusAndAge(ctx context.Context, status queue.Status, age time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-age)
	deleted := 0
	for id, job := range s.jobs {
		if job.Status == status && job.UpdatedAt.Before(cutoff) {
			delete(s.jobs, id)
			deleted++
		}
	}
	return deleted, nil
}

var _ queue.IQueueStorage[string, string] = (*Store[string, string])(nil)
