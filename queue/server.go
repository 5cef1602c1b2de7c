package queue

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/workglow-dev/flowcore/bus"
	"github.com/workglow-dev/flowcore/flog"
)

// CleanupRule deletes jobs of Status older than Age every run of the
// Server's cleanup schedule.
type CleanupRule struct {
	Status Status
	Age    time.Duration
}

// ServerOptions configures a Server. NewServer applies defaults to a nil
// Limiter, Backoff or Log; a zero PollInterval means 100ms in each worker's
// poll loop. NewServer does not read Workers: Start and ScaleWorkers take
// the worker count.
type ServerOptions struct {
	Workers         int
	Limiter         Limiter
	Backoff         BackoffStrategy
	Log             flog.Logger
	PollInterval    time.Duration
	CleanupSchedule string // robfig/cron expression; empty disables cleanup
	CleanupRules    []CleanupRule
}

// Server owns a worker fleet, a Limiter, and a cleanup schedule over one
// IQueueStorage. Workers dispatch by JobRecord.Kind into the matching
// registered Executor.
type Server[Input any, Output any] struct {
	Storage      IQueueStorage[Input, Output]
	Executors    map[string]Executor[Input, Output]
	Limiter      Limiter
	Backoff      BackoffStrategy
	Log          flog.Logger
	PollInterval time.Duration
	CleanupRules []CleanupRule

	Bus *bus.Bus

	mu       sync.RWMutex
	fleetCtx context.Context
	cancel   context.CancelFunc
	stopping []chan struct{}
	stopped  []chan struct{}
	cron     *cron.Cron
	cronSpec string
}

// NewServer creates a Server. A nil Limiter defaults to
// NewConcurrencyLimiter(32), at most 32 jobs at once; a nil Backoff defaults to
// DefaultBackoff; a nil Log defaults to flog.NoOpLogger.
func NewServer[Input any, Output any](storage IQueueStorage[Input, Output], opts ServerOptions) *Server[Input, Output] {
	limiter := opts.Limiter
	if limiter == nil {
		limiter = NewConcurrencyLimiter(32)
	}
	backoff := opts.Backoff
	if backoff == nil {
		backoff = DefaultBackoff
	}
	log := opts.Log
	if log == nil {
		log = &flog.NoOpLogger{}
	}

	s := &Server[Input, Output]{
		Storage:      storage,
		Executors:    make(map[string]Executor[Input, Output]),
		Limiter:      limiter,
		Backoff:      backoff,
		Log:          log,
		PollInterval: opts.PollInterval,
		CleanupRules: opts.CleanupRules,
		Bus:          bus.New(),
		cronSpec:     opts.CleanupSchedule,
	}
	return s
}

// RegisterExecutor binds an Executor to a job Kind. Workers started after
// registration dispatch matching jobs to it; re-registering a Kind
// replaces its Executor.
func (s *Server[Input, Output]) RegisterExecutor(kind string, executor Executor[Input, Output]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Executors[kind] = executor
}

// executor looks up the Executor registered for kind, safe to call
// concurrently with RegisterExecutor.
func (s *Server[Input, Output]) executor(kind string) (Executor[Input, Output], bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.Executors[kind]
	return e, ok
}

// EventSource returns an EventSource wrapping this Server's own Bus, for
// building a Client attached to the same process.
func (s *Server[Input, Output]) EventSource() EventSource {
	return NewBusEventSource(s.Bus)
}

func (s *Server[Input, Output]) emit(jobID string) {
	s.Bus.Emit(EventJobChanged, jobID)
}

// Start launches n workers and, if CleanupSchedule was set, the periodic
// cleanup job. Calling Start again after Stop restarts a fresh fleet.
func (s *Server[Input, Output]) Start(ctx context.Context, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fleetCtx, cancel := context.WithCancel(ctx)
	s.fleetCtx = fleetCtx
	s.cancel = cancel

	for i := 0; i < n; i++ {
		s.spawnWorkerLocked()
	}

	if s.cronSpec != "" {
		s.cron = cron.New(cron.WithSeconds())
		s.cron.AddFunc(s.cronSpec, func() { s.runCleanup(fleetCtx) })
		s.cron.Start()
	}
}

// spawnWorkerLocked starts one worker goroutine against the fleet's shared
// context. Caller must hold s.mu and must have called Start first.
func (s *Server[Input, Output]) spawnWorkerLocked() {
	stopping := make(chan struct{})
	stopped := make(chan struct{})
	s.stopping = append(s.stopping, stopping)
	s.stopped = append(s.stopped, stopped)
	go runWorker(s.fleetCtx, s, stopping, stopped)
}

// ScaleWorkers adjusts the running worker count to n, spawning additional
// workers against the fleet's existing context or signalling excess ones
// to stop after their current job.
func (s *Server[Input, Output]) ScaleWorkers(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := len(s.stopping)
	if n > current {
		for i := current; i < n; i++ {
			s.spawnWorkerLocked()
		}
		return
	}
	for i := n; i < current; i++ {
		close(s.stopping[i])
	}
	s.stopping = s.stopping[:n]
	s.stopped = s.stopped[:n]
}

// Stop signals every worker to exit, stops the cleanup cron if running,
// and blocks until all workers have returned.
func (s *Server[Input, Output]) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	if s.cron != nil {
		s.cron.Stop()
		s.cron = nil
	}
	stopped := append([]chan struct{}{}, s.stopped...)
	s.mu.Unlock()

	for _, ch := range stopped {
		<-ch
	}
}

func (s *Server[Input, Output]) runCleanup(ctx context.Context) {
	for _, rule := range s.CleanupRules {
		n, err := s.Storage.DeleteJobsByStatusAndAge(ctx, rule.Status, rule.Age)
		if err != nil {
			s.Log.Error("queue: cleanup status=%s err=%v", rule.Status, err)
			continue
		}
		if n > 0 {
			s.Log.Info("queue: cleanup status=%s deleted=%d", rule.Status, n)
		}
	}
}
