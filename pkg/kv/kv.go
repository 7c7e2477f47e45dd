// Package kv holds the text key-value backends behind the local store.
package kv

import (
	"context"
	"errors"
	"sync"
)

// ErrConflict is returned by Update when the key kept changing under
// concurrent writers and the retry budget ran out.
var ErrConflict = errors.New("kv: too many concurrent updates")

// UpdateFunc computes the next value of a key from its current value. It
// returns write=false to leave the key untouched. It may run more than once.
type UpdateFunc func(current string, exists bool) (next string, write bool, err error)

// Store is key-value text storage. Values are opaque strings; callers
// serialize JSON into them.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	// Update applies fn atomically with respect to every other writer of
	// the same backend, including other processes sharing it.
	Update(ctx context.Context, key string, fn UpdateFunc) error
}

// MemoryStore keeps values in-process (single instance only).
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	val, ok := s.values[key]
	return val, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.values, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Update(_ context.Context, key string, fn UpdateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.values[key]
	next, write, err := fn(current, ok)
	if err != nil || !write {
		return err
	}
	s.values[key] = next
	return nil
}
