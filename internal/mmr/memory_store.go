package mmr

import (
	"context"
	"sync"
)

// MemoryStore keeps nodes in a map
type MemoryStore struct {
	mu         sync.RWMutex
	nodes      map[uint64][]byte
	leafLength uint64
}

// NewMemoryStore creates an empty node store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nodes: make(map[uint64][]byte)}
}

func (s *MemoryStore) Get(ctx context.Context, index uint64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.nodes[index]
	if !ok {
		return nil, ErrNodeNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *MemoryStore) Set(ctx context.Context, value []byte, index uint64) error {
	if err := checkWord(value); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[index] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) GetLeafLength(ctx context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.leafLength, nil
}

func (s *MemoryStore) SetLeafLength(ctx context.Context, length uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leafLength = length
	return nil
}

func (s *MemoryStore) Close() error { return nil }
