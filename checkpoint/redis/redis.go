// Package redis implements checkpoint.Store on top of Redis via
// redis/go-redis/v9. Checkpoint blobs live in plain keys; a per-thread
// ZSET scored by creation time lets GetCheckpointHistory/GetLatestCheckpoint
// return checkpoints in creation order without a secondary sort.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/workglow-dev/flowcore/checkpoint"
)

// Store implements checkpoint.Store using Redis.
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// Options configures a connection to Redis.
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string        // key prefix, default "flowcore:"
	TTL      time.Duration // expiration for checkpoints, 0 = no expiration
}

// New creates a Store connected to the given Redis instance.
func New(opts Options) *Store {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewWithClient(client, opts.Prefix, opts.TTL)
}

// NewWithClient wraps an existing *redis.Client, useful with miniredis in
// tests.
func NewWithClient(client *redis.Client, prefix string, ttl time.Duration) *Store {
	if prefix == "" {
		prefix = "flowcore:"
	}
	return &Store{client: client, prefix: prefix, ttl: ttl}
}

func (s *Store) checkpointKey(id string) string {
	return fmt.Sprintf("%scheckpoint:%s", s.prefix, id)
}

func (s *Store) threadKey(threadID string) string {
	return fmt.Sprintf("%sthread:%s:checkpoints", s.prefix, threadID)
}

func (s *Store) SaveCheckpoint(ctx context.Context, data checkpoint.Data) error {
	blob, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("checkpoint/redis: marshal: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.checkpointKey(data.CheckpointID), blob, s.ttl)
	pipe.ZAdd(ctx, s.threadKey(data.ThreadID), redis.Z{
		Score:  float64(data.Metadata.CreatedAt.UnixNano()),
		Member: data.CheckpointID,
	})
	if s.ttl > 0 {
		pipe.Expire(ctx, s.threadKey(data.ThreadID), s.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("checkpoint/redis: save: %w", err)
	}
	return nil
}

func (s *Store) GetCheckpoint(ctx context.Context, checkpointID string) (checkpoint.Data, error) {
	blob, err := s.client.Get(ctx, s.checkpointKey(checkpointID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return checkpoint.Data{}, checkpoint.ErrNotFound
		}
		return checkpoint.Data{}, fmt.Errorf("checkpoint/redis: get: %w", err)
	}
	var d checkpoint.Data
	if err := json.Unmarshal(blob, &d); err != nil {
		return checkpoint.Data{}, fmt.Errorf("checkpoint/redis: unmarshal: %w", err)
	}
	return d, nil
}

func (s *Store) GetLatestCheckpoint(ctx context.Context, threadID string) (checkpoint.Data, error) {
	ids, err := s.client.ZRevRange(ctx, s.threadKey(threadID), 0, 0).Result()
	if err != nil {
		return checkpoint.Data{}, fmt.Errorf("checkpoint/redis: zrevrange: %w", err)
	}
	if len(ids) == 0 {
		return checkpoint.Data{}, checkpoint.ErrNotFound
	}
	return s.GetCheckpoint(ctx, ids[0])
}

func (s *Store) GetCheckpointHistory(ctx context.Context, threadID string) ([]checkpoint.Data, error) {
	ids, err := s.client.ZRange(ctx, s.threadKey(threadID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("checkpoint/redis: zrange: %w", err)
	}
	return s.fetchAll(ctx, ids)
}

func (s *Store) fetchAll(ctx context.Context, ids []string) ([]checkpoint.Data, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.checkpointKey(id)
	}
	results, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("checkpoint/redis: mget: %w", err)
	}

	out := make([]checkpoint.Data, 0, len(results))
	for _, r := range results {
		if r == nil {
			continue
		}
		str, ok := r.(string)
		if !ok {
			continue
		}
		var d checkpoint.Data
		if err := json.Unmarshal([]byte(str), &d); err != nil {
			return nil, fmt.Errorf("checkpoint/redis: unmarshal: %w", err)
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *Store) GetCheckpointsForIteration(ctx context.Context, threadID, iterationParentTaskID string) ([]checkpoint.Data, error) {
	all, err := s.GetCheckpointHistory(ctx, threadID)
	if err != nil {
		return nil, err
	}
	var out []checkpoint.Data
	for _, d := range all {
		if d.Metadata.IterationParentTaskID == iterationParentTaskID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *Store) DeleteCheckpoints(ctx context.Context, threadID string) error {
	ids, err := s.client.ZRange(ctx, s.threadKey(threadID), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("checkpoint/redis: zrange: %w", err)
	}

	pipe := s.client.Pipeline()
	for _, id := range ids {
		pipe.Del(ctx, s.checkpointKey(id))
	}
	pipe.Del(ctx, s.threadKey(threadID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("checkpoint/redis: delete: %w", err)
	}
	return nil
}

var _ checkpoint.Store = (*Store)(nil)
