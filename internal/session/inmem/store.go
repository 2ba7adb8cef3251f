// Package inmem implements session.Store in-process, for tests and for
// single-process deployments that accept losing history on restart.
package inmem

import (
	"context"
	"sync"
	"time"

	"github.com/fieldlab/missionctl/internal/model"
	"github.com/fieldlab/missionctl/internal/session"
)

type threadState struct {
	messages   []model.Message
	checkpoint *session.Checkpoint
}

// Store is an in-memory session.Store. The zero value is not usable; use New.
type Store struct {
	mu      sync.RWMutex
	threads map[string]*threadState
}

// New constructs an empty Store.
func New() *Store {
	return &Store{threads: make(map[string]*threadState)}
}

func (s *Store) getOrCreate(threadID string) *threadState {
	if t, ok := s.threads[threadID]; ok {
		return t
	}
	t := &threadState{}
	s.threads[threadID] = t
	return t
}

// AppendMessage implements session.Store.
func (s *Store) AppendMessage(_ context.Context, threadID string, msg model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.getOrCreate(threadID)
	t.messages = append(t.messages, msg)
	return nil
}

// LoadMessages implements session.Store.
func (s *Store) LoadMessages(_ context.Context, threadID string) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[threadID]
	if !ok {
		return nil, nil
	}
	out := make([]model.Message, len(t.messages))
	copy(out, t.messages)
	return out, nil
}

// SaveCheckpoint implements session.Store.
func (s *Store) SaveCheckpoint(_ context.Context, threadID string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.getOrCreate(threadID)
	cp := session.Checkpoint{
		ThreadID:  threadID,
		Blob:      append([]byte(nil), blob...),
		UpdatedAt: time.Now().UTC(),
	}
	t.checkpoint = &cp
	return nil
}

// LoadCheckpoint implements session.Store.
func (s *Store) LoadCheckpoint(_ context.Context, threadID string) (session.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[threadID]
	if !ok || t.checkpoint == nil {
		return session.Checkpoint{}, session.ErrThreadNotFound
	}
	return *t.checkpoint, nil
}
