package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/workglow-dev/flowcore/bus"
)

// EventSource delivers job-changed notifications (job IDs) to a connected
// Client. Subscribe's returned channel may be push- (pub/sub) or poll-
// backed; delivery is at-least-once and a duplicate ID is harmless since
// every consumer re-reads the job record from storage rather than trusting
// the notification payload.
type EventSource interface {
	Subscribe(ctx context.Context) (<-chan string, error)
}

// busEventSource adapts an in-process *bus.Bus (a Server's own event bus)
// into an EventSource, giving an attached Client (mode (a): same process
// as the Server) direct push notification instead of storage polling.
type busEventSource struct {
	b *bus.Bus
}

// NewBusEventSource wraps b, the event bus a Server emits
// EventJobChanged on, as an EventSource for an attached Client.
func NewBusEventSource(b *bus.Bus) EventSource { return &busEventSource{b: b} }

func (s *busEventSource) Subscribe(ctx context.Context) (<-chan string, error) {
	ch := make(chan string, 16)
	id := s.b.On(EventJobChanged, func(args ...any) {
		if len(args) == 0 {
			return
		}
		jobID, ok := args[0].(string)
		if !ok {
			return
		}
		select {
		case ch <- jobID:
		default:
		}
	})
	go func() {
		<-ctx.Done()
		s.b.Off(EventJobChanged, id)
		close(ch)
	}()
	return ch, nil
}

// EventJobChanged is emitted on a Server's Bus with the job ID every time
// a worker persists a status/progress transition.
const EventJobChanged = "job-changed"

// SubmitOptions configures one Client.Submit/SubmitBatch call.
type SubmitOptions struct {
	ID          string // generated if empty
	RunID       string // set by SubmitBatch; a caller may also pin one directly
	Kind        string // the executor key a Server dispatches on
	MaxRetries  int
	DeadlineAt  *time.Time
	RunAfter    time.Time
	Fingerprint string // cache-by-fingerprint key; see OutputForInput
}

// Client submits jobs against a shared IQueueStorage and observes their
// lifecycle, either attached (Events wraps a same-process Server's Bus) or
// connected (Events wraps the storage backend's own subscription
// mechanism, or is nil for poll-only).
type Client[Input any, Output any] struct {
	Storage      IQueueStorage[Input, Output]
	Events       EventSource
	PollInterval time.Duration // default 200ms when Events is nil or silent
}

// NewClient creates a Client. events may be nil, in which case Handle
// methods fall back to polling Storage at PollInterval.
func NewClient[Input any, Output any](storage IQueueStorage[Input, Output], events EventSource) *Client[Input, Output] {
	return &Client[Input, Output]{Storage: storage, Events: events, PollInterval: 200 * time.Millisecond}
}

// Handle is the in-process return value of Submit: an opaque id plus the
// means to wait for, abort, or observe the job it names.
type Handle[Input any, Output any] struct {
	ID     string
	RunID  string
	client *Client[Input, Output]
}

// Submit enqueues input as a new PENDING job, or — when Fingerprint names
// a cache key with an existing COMPLETED job — returns a Handle over that
// job directly, without enqueueing new work.
func (c *Client[Input, Output]) Submit(ctx context.Context, input Input, opts SubmitOptions) (*Handle[Input, Output], error) {
	if opts.Fingerprint != "" {
		if job, ok, err := c.Storage.OutputForInput(ctx, opts.Fingerprint); err != nil {
			return nil, err
		} else if ok {
			return &Handle[Input, Output]{ID: job.ID, RunID: job.RunID, client: c}, nil
		}
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	job := JobRecord[Input, Output]{
		ID:          id,
		RunID:       opts.RunID,
		Kind:        opts.Kind,
		Status:      StatusPending,
		Input:       input,
		MaxRetries:  opts.MaxRetries,
		DeadlineAt:  opts.DeadlineAt,
		RunAfter:    opts.RunAfter,
		Fingerprint: opts.Fingerprint,
	}
	if err := c.Storage.Add(ctx, job); err != nil {
		return nil, err
	}
	return &Handle[Input, Output]{ID: id, RunID: opts.RunID, client: c}, nil
}

// SubmitBatch submits every input under a freshly-generated (or
// caller-pinned, via opts.RunID) shared jobRunId, returning the run ID
// alongside one Handle per input in submission order.
func (c *Client[Input, Output]) SubmitBatch(ctx context.Context, inputs []Input, opts SubmitOptions) (string, []*Handle[Input, Output], error) {
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	handles := make([]*Handle[Input, Output], 0, len(inputs))
	for _, input := range inputs {
		o := opts
		o.RunID = runID
		o.ID = ""
		h, err := c.Submit(ctx, input, o)
		if err != nil {
			return runID, handles, err
		}
		handles = append(handles, h)
	}
	return runID, handles, nil
}

// AbortJobRun aborts every job sharing runID.
func (c *Client[Input, Output]) AbortJobRun(ctx context.Context, runID string) error {
	jobs, err := c.Storage.GetByRunID(ctx, runID)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if err := c.Storage.Abort(ctx, job.ID); err != nil {
			return err
		}
	}
	return nil
}

// Abort requests cancellation of this job.
func (h *Handle[Input, Output]) Abort(ctx context.Context) error {
	return h.client.Storage.Abort(ctx, h.ID)
}

func (h *Handle[Input, Output]) checkTerminal(ctx context.Context) (Output, bool, error) {
	var zero Output
	job, err := h.client.Storage.Get(ctx, h.ID)
	if err != nil {
		return zero, false, err
	}
	switch job.Status {
	case StatusCompleted:
		return job.Output, true, nil
	case StatusFailed:
		return zero, true, fmt.Errorf("queue: job %s failed (%s): %s", h.ID, job.ErrCode, job.ErrMessage)
	case StatusDisabled:
		return zero, true, fmt.Errorf("queue: job %s disabled", h.ID)
	}
	return zero, false, nil
}

// WaitFor blocks until the job reaches a terminal status, returning its
// output (COMPLETED) or an error describing why it didn't (FAILED,
// DISABLED, or ctx cancellation). It prefers push notification from
// client.Events when available, falling back to polling at PollInterval —
// both are consulted every loop, so a silent or absent event source never
// stalls the wait.
func (h *Handle[Input, Output]) WaitFor(ctx context.Context) (Output, error) {
	if out, done, err := h.checkTerminal(ctx); done {
		return out, err
	}

	var changes <-chan string
	if h.client.Events != nil {
		if ch, err := h.client.Events.Subscribe(ctx); err == nil {
			changes = ch
		}
	}

	interval := h.client.PollInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var zero Output
	for {
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-changes:
		case <-ticker.C:
		}
		if out, done, err := h.checkTerminal(ctx); done {
			return out, err
		}
	}
}

// OnProgress invokes cb every time the job's recorded progress changes,
// until the job reaches a terminal status or the returned unsubscribe func
// is called.
func (h *Handle[Input, Output]) OnProgress(ctx context.Context, cb func(progress int)) (unsubscribe func()) {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		var changes <-chan string
		if h.client.Events != nil {
			if ch, err := h.client.Events.Subscribe(ctx); err == nil {
				changes = ch
			}
		}
		interval := h.client.PollInterval
		if interval <= 0 {
			interval = 200 * time.Millisecond
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		last := -1
		for {
			select {
			case <-ctx.Done():
				return
			case <-changes:
			case <-ticker.C:
			}
			job, err := h.client.Storage.Get(ctx, h.ID)
			if err != nil {
				return
			}
			if job.Progress != last {
				last = job.Progress
				cb(last)
			}
			switch job.Status {
			case StatusCompleted, StatusFailed, StatusDisabled:
				return
			}
		}
	}()

	return cancel
}
