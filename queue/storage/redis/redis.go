// Package redis implements queue.IQueueStorage and queue.LimiterStorage on
// top of Redis via redis/go-redis/v9.
//
// Adapted from checkpoint/redis's key-prefix/pipeline shape: a job record
// lives in one string key, a per-status SET indexes it for Peek/Size, a
// ZSET scored by RunAfter serves Next's candidate scan, and every
// transition is PUBLISHed on a per-queue channel for cross-process Client
// subscribers — at-least-once delivery, matching the Open Question's
// resolution that clients must be idempotent over duplicate events.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/workglow-dev/flowcore/queue"
)

// Store implements queue.IQueueStorage[Input, Output] using Redis.
type Store[Input any, Output any] struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// Options configures a connection to Redis.
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string        // key prefix, default "flowcore:queue:"
	TTL      time.Duration // expiration for job keys, 0 = no expiration
}

// New creates a Store connected to the given Redis instance.
func New[Input any, Output any](opts Options) *Store[Input, Output] {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewWithClient[Input, Output](client, opts.Prefix, opts.TTL)
}

// NewWithClient wraps an existing *redis.Client, useful with miniredis in
// tests.
func NewWithClient[Input any, Output any](client *redis.Client, prefix string, ttl time.Duration) *Store[Input, Output] {
	if prefix == "" {
		prefix = "flowcore:queue:"
	}
	return &Store[Input, Output]{client: client, prefix: prefix, ttl: ttl}
}

func (s *Store[Input, Output]) jobKey(id string) string      { return fmt.Sprintf("%sjob:%s", s.prefix, id) }
func (s *Store[Input, Output]) pendingKey() string            { return s.prefix + "pending" }
func (s *Store[Input, Output]) statusKey(st queue.Status) string {
	return fmt.Sprintf("%sstatus:%s", s.prefix, st)
}
func (s *Store[Input, Output]) runKey(runID string) string { return fmt.Sprintf("%srun:%s", s.prefix, runID) }
func (s *Store[Input, Output]) fpKey(fp string) string     { return fmt.Sprintf("%sfp:%s", s.prefix, fp) }
func (s *Store[Input, Output]) eventsKey() string          { return s.prefix + "events" }

func (s *Store[Input, Output]) publish(ctx context.Context, job queue.JobRecord[Input, Output]) {
	blob, err := json.Marshal(struct {
		ID     string       `json:"id"`
		Status queue.Status `json:"status"`
	}{ID: job.ID, Status: job.Status})
	if err != nil {
		return
	}
	s.client.Publish(ctx, s.eventsKey(), blob)
}

// Subscribe returns a channel of raw {"id","status"} event payloads
// published on every transition. Attached Clients don't need this (they
// observe the in-process Server directly); connected Clients use it to
// drive at-least-once lifecycle notifications.
func (s *Store[Input, Output]) Subscribe(ctx context.Context) *redis.PubSub {
	return s.client.Subscribe(ctx, s.eventsKey())
}

// EventSource adapts a Store's pub/sub channel into a queue.EventSource
// for a connected Client (mode (b): a different process than the Server,
// observing lifecycle transitions through the storage backend itself
// rather than a same-process Bus).
type EventSource[Input any, Output any] struct {
	store *Store[Input, Output]
}

// NewEventSource builds an EventSource over store's events channel.
func NewEventSource[Input any, Output any](store *Store[Input, Output]) *EventSource[Input, Output] {
	return &EventSource[Input, Output]{store: store}
}

func (e *EventSource[Input, Output]) Subscribe(ctx context.Context) (<-chan string, error) {
	ps := e.store.Subscribe(ctx)
	ch := make(chan string, 16)
	go func() {
		defer close(ch)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var payload struct {
					ID string `json:"id"`
				}
				if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
					continue
				}
				select {
				case ch <- payload.ID:
				default:
				}
			}
		}
	}()
	return ch, nil
}

var _ queue.EventSource = (*EventSource[string, string])(nil)

func (s *Store[Input, Output]) get(ctx context.Context, id string) (queue.JobRecord[Input, Output], error) {
	raw, err := s.client.Get(ctx, s.jobKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return queue.JobRecord[Input, Output]{}, queue.ErrNotFound
		}
		return queue.JobRecord[Input, Output]{}, fmt.Errorf("queue/redis: get: %w", err)
	}
	var job queue.JobRecord[Input, Output]
	if err := json.Unmarshal(raw, &job); err != nil {
		return queue.JobRecord[Input, Output]{}, fmt.Errorf("queue/redis: unmarshal: %w", err)
	}
	return job, nil
}

func (s *Store[Input, Output]) put(ctx context.Context, job queue.JobRecord[Input, Output]) error {
	blob, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue/redis: marshal: %w", err)
	}
	if err := s.client.Set(ctx, s.jobKey(job.ID), blob, s.ttl).Err(); err != nil {
		return fmt.Errorf("queue/redis: set: %w", err)
	}
	return nil
}

func (s *Store[Input, Output]) moveStatus(ctx context.Context, id string, from, to queue.Status) error {
	pipe := s.client.Pipeline()
	if from != "" {
		pipe.SRem(ctx, s.statusKey(from), id)
	}
	pipe.SAdd(ctx, s.statusKey(to), id)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store[Input, Output]) Add(ctx context.Context, job queue.JobRecord[Input, Output]) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	job.UpdatedAt = job.CreatedAt

	if err := s.put(ctx, job); err != nil {
		return err
	}
	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, s.statusKey(job.Status), job.ID)
	if job.Status == queue.StatusPending {
		score := job.RunAfter
		if score.IsZero() {
			score = job.CreatedAt
		}
		pipe.ZAdd(ctx, s.pendingKey(), redis.Z{Score: float64(score.UnixNano()), Member: job.ID})
	}
	if job.RunID != "" {
		pipe.SAdd(ctx, s.runKey(job.RunID), job.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue/redis: add index: %w", err)
	}
	s.publish(ctx, job)
	return nil
}

func (s *Store[Input, Output]) Get(ctx context.Context, id string) (queue.JobRecord[Input, Output], error) {
	return s.get(ctx, id)
}

// Next scans the pending ZSET for candidates whose RunAfter has elapsed and
// claims the first one whose status is still PENDING when WATCHed,
// retrying against the next candidate on a lost race.
func (s *Store[Input, Output]) Next(ctx context.Context, now time.Time) (queue.JobRecord[Input, Output], error) {
	ids, err := s.client.ZRangeByScore(ctx, s.pendingKey(), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.UnixNano()), Count: 20,
	}).Result()
	if err != nil {
		return queue.JobRecord[Input, Output]{}, fmt.Errorf("queue/redis: next scan: %w", err)
	}
	for _, id := range ids {
		job, claimed, err := s.tryClaim(ctx, id, now)
		if err != nil {
			return queue.JobRecord[Input, Output]{}, err
		}
		if claimed {
			return job, nil
		}
	}
	return queue.JobRecord[Input, Output]{}, queue.ErrNoRunnableJob
}

func (s *Store[Input, Output]) tryClaim(ctx context.Context, id string, now time.Time) (queue.JobRecord[Input, Output], bool, error) {
	var claimed queue.JobRecord[Input, Output]
	var ok bool

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		job, err := s.get(ctx, id)
		if err == queue.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if job.Status != queue.StatusPending {
			return nil
		}
		if job.DeadlineAt != nil && job.DeadlineAt.Before(now) {
			return nil
		}

		job.Status = queue.StatusProcessing
		job.LastRanAt = now
		job.UpdatedAt = now
		blob, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("queue/redis: marshal claim: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.jobKey(id), blob, s.ttl)
			pipe.ZRem(ctx, s.pendingKey(), id)
			pipe.SRem(ctx, s.statusKey(queue.StatusPending), id)
			pipe.SAdd(ctx, s.statusKey(queue.StatusProcessing), id)
			return nil
		})
		if err != nil {
			return err
		}
		claimed = job
		ok = true
		return nil
	}, s.jobKey(id))

	if err == redis.TxFailedErr {
		return queue.JobRecord[Input, Output]{}, false, nil
	}
	if err != nil {
		return queue.JobRecord[Input, Output]{}, false, fmt.Errorf("queue/redis: claim: %w", err)
	}
	if ok {
		s.publish(ctx, claimed)
	}
	return claimed, ok, nil
}

func (s *Store[Input, Output]) Complete(ctx context.Context, id string, output Output) error {
	job, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	prev := job.Status
	job.Status = queue.StatusCompleted
	job.Output = output
	job.UpdatedAt = time.Now()
	if err := s.put(ctx, job); err != nil {
		return err
	}
	if err := s.moveStatus(ctx, id, prev, queue.StatusCompleted); err != nil {
		return fmt.Errorf("queue/redis: complete index: %w", err)
	}
	if job.Fingerprint != "" {
		if err := s.client.Set(ctx, s.fpKey(job.Fingerprint), id, s.ttl).Err(); err != nil {
			return fmt.Errorf("queue/redis: fingerprint index: %w", err)
		}
	}
	s.publish(ctx, job)
	return nil
}

func (s *Store[Input, Output]) Fail(ctx context.Context, id string, errMessage, errCode string) error {
	job, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	prev := job.Status
	job.Status = queue.StatusFailed
	job.ErrMessage = errMessage
	job.ErrCode = errCode
	job.UpdatedAt = time.Now()
	if err := s.put(ctx, job); err != nil {
		return err
	}
	if err := s.moveStatus(ctx, id, prev, queue.StatusFailed); err != nil {
		return fmt.Errorf("queue/redis: fail index: %w", err)
	}
	s.publish(ctx, job)
	return nil
}

func (s *Store[Input, Output]) Retry(ctx context.Context, id string, errMessage string, runAfter time.Time) error {
	job, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	prev := job.Status
	job.Status = queue.StatusPending
	job.RunAttempts++
	job.ErrMessage = errMessage
	job.RunAfter = runAfter
	job.UpdatedAt = time.Now()
	if err := s.put(ctx, job); err != nil {
		return err
	}
	pipe := s.client.Pipeline()
	pipe.SRem(ctx, s.statusKey(prev), id)
	pipe.SAdd(ctx, s.statusKey(queue.StatusPending), id)
	pipe.ZAdd(ctx, s.pendingKey(), redis.Z{Score: float64(runAfter.UnixNano()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue/redis: retry index: %w", err)
	}
	s.publish(ctx, job)
	return nil
}

func (s *Store[Input, Output]) Abort(ctx context.Context, id string) error {
	job, err := s.get(ctx, id)
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
	if err := s.put(ctx, job); err != nil {
		return err
	}
	pipe := s.client.Pipeline()
	pipe.SRem(ctx, s.statusKey(prev), id)
	pipe.SAdd(ctx, s.statusKey(next), id)
	if prev == queue.StatusPending {
		pipe.ZRem(ctx, s.pendingKey(), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue/redis: abort index: %w", err)
	}
	s.publish(ctx, job)
	return nil
}

func (s *Store[Input, Output]) SaveProgress(ctx context.Context, id string, progress int) error {
	job, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	job.Progress = progress
	job.UpdatedAt = time.Now()
	if err := s.put(ctx, job); err != nil {
		return err
	}
	s.publish(ctx, job)
	return nil
}

func (s *Store[Input, Output]) fetchMany(ctx context.Context, ids []string) ([]queue.JobRecord[Input, Output], error) {
	var out []queue.JobRecord[Input, Output]
	for _, id := range ids {
		job, err := s.get(ctx, id)
		if err == queue.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

func (s *Store[Input, Output]) Peek(ctx context.Context, status queue.Status, n int) ([]queue.JobRecord[Input, Output], error) {
	ids, err := s.client.SMembers(ctx, s.statusKey(status)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue/redis: peek: %w", err)
	}
	if n > 0 && len(ids) > n {
		ids = ids[:n]
	}
	return s.fetchMany(ctx, ids)
}

func (s *Store[Input, Output]) Size(ctx context.Context, status queue.Status) (int, error) {
	n, err := s.client.SCard(ctx, s.statusKey(status)).Result()
	if err != nil {
		return 0, fmt.Errorf("queue/redis: size: %w", err)
	}
	return int(n), nil
}

func (s *Store[Input, Output]) GetByRunID(ctx context.Context, runID string) ([]queue.JobRecord[Input, Output], error) {
	ids, err := s.client.SMembers(ctx, s.runKey(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue/redis: get by run id: %w", err)
	}
	return s.fetchMany(ctx, ids)
}

func (s *Store[Input, Output]) OutputForInput(ctx context.Context, fingerprint string) (queue.JobRecord[Input, Output], bool, error) {
	id, err := s.client.Get(ctx, s.fpKey(fingerprint)).Result()
	if err == redis.Nil {
		return queue.JobRecord[Input, Output]{}, false, nil
	}
	if err != nil {
		return queue.JobRecord[Input, Output]{}, false, fmt.Errorf("queue/redis: fingerprint lookup: %w", err)
	}
	job, err := s.get(ctx, id)
	if err == queue.ErrNotFound {
		return queue.JobRecord[Input, Output]{}, false, nil
	}
	if err != nil {
		return queue.JobRecord[Input, Output]{}, false, err
	}
	return job, job.Status == queue.StatusCompleted, nil
}

func (s *Store[Input, Output]) Delete(ctx context.Context, id string) error {
	job, err := s.get(ctx, id)
	if err == queue.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.jobKey(id))
	pipe.SRem(ctx, s.statusKey(job.Status), id)
	pipe.ZRem(ctx, s.pendingKey(), id)
	if job.RunID != "" {
		pipe.SRem(ctx, s.runKey(job.RunID), id)
	}
	if job.Fingerprint != "" {
		pipe.Del(ctx, s.fpKey(job.Fingerprint))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue/redis: delete: %w", err)
	}
	return nil
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

// LimiterStorage implements queue.LimiterStorage as a fixed-window INCR+
// EXPIRE counter per key, for cross-process WindowLimiter coordination.
type LimiterStorage struct {
	client *redis.Client
	prefix string
}

// NewLimiterStorage wraps an existing *redis.Client for Limiter.Window's
// cross-process coordination.
func NewLimiterStorage(client *redis.Client, prefix string) *LimiterStorage {
	if prefix == "" {
		prefix = "flowcore:limiter:"
	}
	return &LimiterStorage{client: client, prefix: prefix}
}

func (l *LimiterStorage) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	fullKey := l.prefix + key
	count, err := l.client.Incr(ctx, fullKey).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("queue/redis: limiter incr: %w", err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, fullKey, window).Err(); err != nil {
			return count, window, fmt.Errorf("queue/redis: limiter expire: %w", err)
		}
		return count, window, nil
	}
	ttl, err := l.client.TTL(ctx, fullKey).Result()
	if err != nil {
		return count, window, fmt.Errorf("queue/redis: limiter ttl: %w", err)
	}
	if ttl < 0 {
		ttl = window
	}
	return count, ttl, nil
}

var _ queue.LimiterStorage = (*LimiterStorage)(nil)
