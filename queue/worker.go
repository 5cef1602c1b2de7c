package queue

import (
	"context"
	"fmt"
	"time"
)

// Executor runs one job's Input to produce its Output. Returning a
// *PermanentError, *RetryableError, or *AbortedError steers Classify;
// any other error is treated as retryable with default backoff.
type Executor[Input any, Output any] func(ctx context.Context, job JobRecord[Input, Output]) (Output, error)

// runWorker is one polling loop against a shared Storage, bounded by a
// Limiter permit per in-flight job.
//
// runWorker polls Storage.Next every PollInterval, executing whatever it
// claims through Executor and persisting the outcome. It exits when ctx is
// cancelled or stopping is closed.
func runWorker[Input any, Output any](ctx context.Context, s *Server[Input, Output], stopping <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	interval := s.PollInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopping:
			return
		case <-ticker.C:
		}

		permit, err := s.Limiter.TryAcquire(ctx)
		if err != nil {
			continue
		}
		claimed, err := s.Storage.Next(ctx, time.Now())
		if err != nil {
			s.Limiter.Release(permit)
			continue
		}

		s.runOne(ctx, claimed)
		s.Limiter.Release(permit)
	}
}

// runOne executes a single claimed job and persists its outcome. Recovers
// from a panicking Executor, treating it like an unclassified (retryable)
// error.
func (s *Server[Input, Output]) runOne(ctx context.Context, job JobRecord[Input, Output]) {
	now := time.Now()
	if job.DeadlineAt != nil && job.DeadlineAt.Before(now) {
		s.fail(ctx, job.ID, "deadline exceeded before execution", ErrCodeDeadlineExceeded)
		return
	}

	executor, ok := s.executor(job.Kind)
	if !ok {
		s.fail(ctx, job.ID, fmt.Sprintf("no executor registered for kind %q", job.Kind), ErrCodePermanent)
		return
	}

	out, err := s.executeWithRecover(ctx, executor, job)
	if err == nil {
		if err := s.Storage.Complete(ctx, job.ID, out); err != nil {
			s.Log.Error("queue: complete job=%s err=%v", job.ID, err)
			return
		}
		s.emit(job.ID)
		return
	}

	permanent, aborted, runAfter := Classify(err)
	switch {
	case aborted:
		s.fail(ctx, job.ID, err.Error(), ErrCodeAborted)
	case permanent:
		s.fail(ctx, job.ID, err.Error(), ErrCodePermanent)
	default:
		attempt := job.RunAttempts + 1
		if job.MaxRetries > 0 && attempt >= job.MaxRetries {
			s.fail(ctx, job.ID, err.Error(), ErrCodeRetryable)
			return
		}
		at := time.Now().Add(s.Backoff.NextDelay(attempt))
		if runAfter != nil {
			at = *runAfter
		}
		if e := s.Storage.Retry(ctx, job.ID, err.Error(), at); e != nil {
			s.Log.Error("queue: retry job=%s err=%v", job.ID, e)
			return
		}
		s.emit(job.ID)
	}
}

func (s *Server[Input, Output]) executeWithRecover(ctx context.Context, executor Executor[Input, Output], job JobRecord[Input, Output]) (out Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue: panic in executor %q: %v", job.Kind, r)
		}
	}()
	return executor(ctx, job)
}

func (s *Server[Input, Output]) fail(ctx context.Context, id, message, code string) {
	if err := s.Storage.Fail(ctx, id, message, code); err != nil {
		s.Log.Error("queue: fail job=%s err=%v", id, err)
		return
	}
	s.emit(id)
}
