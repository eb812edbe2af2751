// Package memory is an in-process Storage, used for tests and the -storage=memory CLI mode.
package memory

import (
	"context"
	"maps"
	"sync"

	"github.com/and161185/market-client/internal/storage"
)

// Store keeps values in a map.
type Store struct {
	mu sync.Mutex
	kv map[string]string
}

var _ storage.Storage = (*Store)(nil)

// New returns an empty Store.
func New() *Store { return &Store{kv: map[string]string{}} }

// Load returns a copy of the stored values.
func (s *Store) Load(context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.kv), nil
}

// Put writes all pairs.
func (s *Store) Put(_ context.Context, kv map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	maps.Copy(s.kv, kv)
	return nil
}

// Delete removes keys.
func (s *Store) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.kv, k)
	}
	return nil
}
