package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"drlhp/internal/model"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	snapshots   map[string][]byte
	trainers    map[string]model.TrainerState
	runs        map[string]model.RunRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}
	s.initialized = true
	s.snapshots = make(map[string][]byte)
	s.trainers = make(map[string]model.TrainerState)
	s.runs = make(map[string]model.RunRecord)
	return nil
}

// Snapshots are kept encoded so callers never share triple slices with the store.
func (s *MemoryStore) SaveBufferSnapshot(_ context.Context, snapshot model.BufferSnapshot) error {
	payload, err := EncodeBufferSnapshot(snapshot)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return errNotInitialized
	}
	s.snapshots[snapshot.Name] = payload
	return nil
}

func (s *MemoryStore) GetBufferSnapshot(_ context.Context, name string) (model.BufferSnapshot, bool, error) {
	s.mu.RLock()
	payload, ok := s.snapshots[name]
	s.mu.RUnlock()
	if !ok {
		return model.BufferSnapshot{}, false, nil
	}
	snapshot, err := DecodeBufferSnapshot(payload)
	if err != nil {
		return model.BufferSnapshot{}, false, err
	}
	return snapshot, true, nil
}

func (s *MemoryStore) SaveTrainerState(_ context.Context, state model.TrainerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return errNotInitialized
	}
	s.trainers[state.RunID] = state
	return nil
}

func (s *MemoryStore) GetTrainerState(_ context.Context, runID string) (model.TrainerState, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.trainers[runID]
	return state, ok, nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run model.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return errNotInitialized
	}
	s.runs[run.RunID] = run
	return nil
}

func (s *MemoryStore) ListRuns(_ context.Context, limit int) ([]model.RunRecord, error) {
	s.mu.RLock()
	out := make([]model.RunRecord, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, run)
	}
	s.mu.RUnlock()

	sortRunsNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var errNotInitialized = errors.New("store is not initialized")

func sortRunsNewestFirst(runs []model.RunRecord) {
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAtUTC == runs[j].CreatedAtUTC {
			return runs[i].RunID < runs[j].RunID
		}
		return runs[i].CreatedAtUTC > runs[j].CreatedAtUTC
	})
}
