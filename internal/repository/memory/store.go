// Package memory provides the volatile key-value store. Its contents vanish
// with the process, which is exactly what access tokens and the cached
// active identity need.
package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/dtroode/didkeeper/internal/model"
)

var _ model.KeyValueStore = (*Store)(nil)

// Store is a mutex-guarded map. Values are copied on the way in and out.
type Store struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{data: make(map[string][]byte)}
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, model.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *Store) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), value...)
	return nil
}

func (s *Store) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.data[key]; ok {
		clear(v)
		delete(s.data, key)
	}
	return nil
}

// RemovePrefix deletes every key starting with prefix and returns how many
// were removed.
func (s *Store) RemovePrefix(_ context.Context, prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, v := range s.data {
		if strings.HasPrefix(k, prefix) {
			clear(v)
			delete(s.data, k)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
