package memory

import (
	"context"
	"sync"

	"github.com/aretw0/folio/pkg/notebook"
	"github.com/aretw0/folio/pkg/ports"
)

// Store implements ports.NotebookStore in memory.
// Safe for concurrent use.
type Store struct {
	data map[string]*notebook.Notebook
	mu   sync.RWMutex
}

// NewStore creates a new in-memory store.
func NewStore() *Store {
	return &Store{
		data: make(map[string]*notebook.Notebook),
	}
}

// Save persists the notebook in memory.
func (s *Store) Save(ctx context.Context, nb *notebook.Notebook) error {
	// Deep copy to ensure isolation, similar to serialization
	copied := nb.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[nb.ID] = copied
	return nil
}

// Load retrieves the notebook from memory.
func (s *Store) Load(ctx context.Context, id string) (*notebook.Notebook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nb, ok := s.data[id]
	if !ok {
		return nil, ports.ErrNotebookNotFound
	}

	// Copy on read so callers can't mutate store state by pointer
	return nb.Clone(), nil
}

// Delete removes the notebook.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, id)
	return nil
}

// List returns stored notebook ids.
func (s *Store) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.data))
	for id := range s.data {
		ids = append(ids, id)
	}
	return ids, nil
}
