// Package memorystore is an in-process checkpoint.Store backed by a plain
// map, used as the default store and in tests.
package memorystore

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/workglow-dev/flowcore/checkpoint"
)

// Store is an in-memory checkpoint.Store.
type Store struct {
	mu          sync.RWMutex
	byID        map[string]checkpoint.Data
	byThread    map[string][]string // checkpoint IDs in insertion order
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		byID:     make(map[string]checkpoint.Data),
		byThread: make(map[string][]string),
	}
}

func (s *Store) SaveCheckpoint(ctx context.Context, data checkpoint.Data) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if data.CheckpointID == "" {
		data.CheckpointID = uuid.NewString()
	}
	if _, exists := s.byID[data.CheckpointID]; !exists {
		s.byThread[data.ThreadID] = append(s.byThread[data.ThreadID], data.CheckpointID)
	}
	s.byID[data.CheckpointID] = data
	return nil
}

func (s *Store) GetCheckpoint(ctx context.Context, checkpointID string) (checkpoint.Data, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.byID[checkpointID]
	if !ok {
		return checkpoint.Data{}, checkpoint.ErrNotFound
	}
	return data, nil
}

func (s *Store) GetLatestCheckpoint(ctx context.Context, threadID string) (checkpoint.Data, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byThread[threadID]
	if len(ids) == 0 {
		return checkpoint.Data{}, checkpoint.ErrNotFound
	}
	return s.byID[ids[len(ids)-1]], nil
}

func (s *Store) GetCheckpointHistory(ctx context.Context, threadID string) ([]checkpoint.Data, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byThread[threadID]
	out := make([]checkpoint.Data, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.byID[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Metadata.CreatedAt.Before(out[j].Metadata.CreatedAt)
	})
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
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.byThread[threadID] {
		delete(s.byID, id)
	}
	delete(s.byThread, threadID)
	return nil
}

var _ checkpoint.Store = (*Store)(nil)
