package state

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryStorage is an in-process namespace for local/dev use. It keeps its own
// copy of every payload so callers never share backing arrays.
type MemoryStorage struct {
	mu      sync.RWMutex
	records map[string][]byte
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{records: make(map[string][]byte)}
}

func (s *MemoryStorage) Get(ctx context.Context, key string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.records[key]
	if !ok {
		return nil, nil
	}
	return append(json.RawMessage(nil), data...), nil
}

func (s *MemoryStorage) Save(ctx context.Context, key string, data json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if data == nil {
		delete(s.records, key)
		return nil
	}
	s.records[key] = append([]byte(nil), data...)
	return nil
}

// Len returns the number of stored keys.
func (s *MemoryStorage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *MemoryStorage) Close() error { return nil }
