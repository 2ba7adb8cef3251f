// Package inmem implements outputstore.Store as a process-local map. It is
// the default store for tests and single-process deployments that accept
// losing output records on restart (durability beyond one mission run is a
// collaborator's concern, left to the mongo-backed implementation).
package inmem

import (
	"context"
	"sync"

	"github.com/fieldlab/missionctl/internal/mission"
	"github.com/fieldlab/missionctl/internal/outputstore"
)

// Store is an in-memory implementation of outputstore.Store. Safe for
// concurrent use.
type Store struct {
	mu      sync.RWMutex
	records map[string]mission.OutputRecord
}

var _ outputstore.Store = (*Store)(nil)

// New constructs an empty Store.
func New() *Store {
	return &Store{records: make(map[string]mission.OutputRecord)}
}

// Put implements outputstore.Store.
func (s *Store) Put(ctx context.Context, key string, record mission.OutputRecord) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = record
	return nil
}

// Get implements outputstore.Store.
func (s *Store) Get(ctx context.Context, key string) (mission.OutputRecord, error) {
	select {
	case <-ctx.Done():
		return mission.OutputRecord{}, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	if !ok {
		return mission.OutputRecord{}, outputstore.ErrNotFound
	}
	return rec, nil
}

// GetMany implements outputstore.Store.
func (s *Store) GetMany(ctx context.Context, keys []string) (map[string]mission.OutputRecord, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]mission.OutputRecord, len(keys))
	for _, k := range keys {
		if rec, ok := s.records[k]; ok {
			out[k] = rec
		}
	}
	return out, nil
}
