package queue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is a job's position in its lifecycle state machine, named exactly
// like task.Status so logs and persisted records read the same across the
// task kernel and the queue.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusAborting   Status = "ABORTING"
	StatusDisabled   Status = "DISABLED"
)

// Error codes recorded on a FAILED JobRecord's ErrCode field.
const (
	ErrCodePermanent       = "PERMANENT"
	ErrCodeAborted         = "ABORTED"
	ErrCodeDeadlineExceeded = "DEADLINE_EXCEEDED"
	ErrCodeRetryable       = "RETRYABLE"
)

// ErrNotFound is returned when a requested job does not exist.
var ErrNotFound = errors.New("queue: job not found")

// ErrNoRunnableJob is returned by Next when no job is currently eligible
// (none PENDING with RunAfter <= now and DeadlineAt > now).
var ErrNoRunnableJob = errors.New("queue: no runnable job")

// PermanentError marks a job failure that must never be retried.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// RetryableError marks a job failure eligible for another attempt.
// RunAfter, if set, overrides the queue's backoff-computed delay.
type RetryableError struct {
	Err      error
	RunAfter *time.Time
}

func (e *RetryableError) Error() string { return fmt.Sprintf("retryable: %v", e.Err) }
func (e *RetryableError) Unwrap() error { return e.Err }

// AbortedError marks a job that ended because it was aborted mid-run.
type AbortedError struct{ Err error }

func (e *AbortedError) Error() string { return fmt.Sprintf("aborted: %v", e.Err) }
func (e *AbortedError) Unwrap() error { return e.Err }

// Classify sorts err into one of the three named categories. An err that
// matches none of them (including a plain, unwrapped error) is treated as
// Retryable with no explicit RunAfter, so a job never gets stuck FAILED
// just because its execute func forgot to classify.
func Classify(err error) (permanent bool, aborted bool, runAfter *time.Time) {
	var perm *PermanentError
	if errors.As(err, &perm) {
		return true, false, nil
	}
	var ab *AbortedError
	if errors.As(err, &ab) {
		return false, true, nil
	}
	var retry *RetryableError
	if errors.As(err, &retry) {
		return false, false, retry.RunAfter
	}
	return false, false, nil
}

// BackoffStrategy computes the delay before a job's next attempt, given its
// attempt number (1-based: the attempt that just failed).
type BackoffStrategy interface {
	NextDelay(attempt int) time.Duration
}

// FixedBackoff always waits the same delay.
type FixedBackoff struct{ Delay time.Duration }

func (b FixedBackoff) NextDelay(int) time.Duration { return b.Delay }

// LinearBackoff grows the delay by Increment per attempt.
type LinearBackoff struct {
	Base      time.Duration
	Increment time.Duration
	Max       time.Duration
}

func (b LinearBackoff) NextDelay(attempt int) time.Duration {
	d := b.Base + b.Increment*time.Duration(attempt-1)
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// ExponentialBackoff doubles (or Factor-multiplies) the delay per attempt,
// capped at Max.
type ExponentialBackoff struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

func (b ExponentialBackoff) NextDelay(attempt int) time.Duration {
	factor := b.Factor
	if factor <= 0 {
		factor = 2.0
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * factor)
		if b.Max > 0 && d > b.Max {
			d = b.Max
			break
		}
	}
	return d
}

// DefaultBackoff is used by NewServer and NewWindowLimiter when given a nil
// Backoff: 100ms base, factor 2, capped at 5s.
var DefaultBackoff BackoffStrategy = ExponentialBackoff{Base: 100 * time.Millisecond, Factor: 2.0, Max: 5 * time.Second}

// JobRecord is one unit of work, parameterized over its input and output
// types so a single storage backend can serve many job kinds.
type JobRecord[Input any, Output any] struct {
	ID          string
	RunID       string // groups jobs submitted together via SubmitBatch
	Kind        string // the executor key a Server dispatches on
	Status      Status
	Input       Input
	Output      Output
	ErrMessage  string
	ErrCode     string
	Progress    int
	RunAttempts int
	MaxRetries  int
	RunAfter    time.Time
	DeadlineAt  *time.Time
	LastRanAt   time.Time
	// Fingerprint is an opaque cache key; OutputForInput looks up a
	// COMPLETED job sharing the same Fingerprint instead of re-running
	// equivalent work.
	Fingerprint string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IQueueStorage is the opaque persistence contract every backend
// implements. Next must atomically flip a PENDING job to PROCESSING
// (compare-and-swap semantics) so two Workers polling the same backend
// never both dequeue the same job.
type IQueueStorage[Input any, Output any] interface {
	Add(ctx context.Context, job JobRecord[Input, Output]) error
	Get(ctx context.Context, id string) (JobRecord[Input, Output], error)
	// Next atomically claims and returns one runnable job: Status PENDING,
	// RunAfter <= now, DeadlineAt > now (or unset). Returns ErrNoRunnableJob
	// if none qualify.
	Next(ctx context.Context, now time.Time) (JobRecord[Input, Output], error)
	Complete(ctx context.Context, id string, output Output) error
	// Fail records a terminal failure (code PERMANENT, ABORTED, or
	// DEADLINE_EXCEEDED).
	Fail(ctx context.Context, id string, errMessage, errCode string) error
	// Retry returns a job to PENDING with an incremented RunAttempts and
	// the given RunAfter.
	Retry(ctx context.Context, id string, errMessage string, runAfter time.Time) error
	// Abort requests cancellation: PENDING jobs go straight to DISABLED;
	// PROCESSING jobs move to ABORTING for their running Worker to notice.
	Abort(ctx context.Context, id string) error
	SaveProgress(ctx context.Context, id string, progress int) error
	Peek(ctx context.Context, status Status, n int) ([]JobRecord[Input, Output], error)
	Size(ctx context.Context, status Status) (int, error)
	GetByRunID(ctx context.Context, runID string) ([]JobRecord[Input, Output], error)
	OutputForInput(ctx context.Context, fingerprint string) (JobRecord[Input, Output], bool, error)
	Delete(ctx context.Context, id string) error
	DeleteJobsByStatusAndAge(ctx context.Context, status Status, age time.Duration) (int, error)
}
