package credential

import (
	"context"
	"sync"
)

// MemoryStore implements Store using an in-memory map. It backs tests
// and single-process deployments that do not need durability.
type MemoryStore struct {
	mu    sync.RWMutex
	creds map[int64]*Credential
}

// NewMemoryStore creates a new in-memory credential store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		creds: make(map[int64]*Credential),
	}
}

// Create persists a new credential. A second create for the same owner
// is a no-op.
func (s *MemoryStore) Create(_ context.Context, c *Credential) error {
	if err := c.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.creds[c.OwnerID]; ok {
		return nil
	}
	cp := c.Clone()
	if cp.Date == 0 {
		cp.Date = Now()
	}
	s.creds[c.OwnerID] = cp
	return nil
}

// Get retrieves the credential for an owner.
func (s *MemoryStore) Get(_ context.Context, ownerID int64) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.creds[ownerID]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

// Exists reports whether a credential row exists for an owner.
func (s *MemoryStore) Exists(_ context.Context, ownerID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.creds[ownerID]
	return ok, nil
}

// All returns every stored credential.
func (s *MemoryStore) All(_ context.Context) ([]*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Credential, 0, len(s.creds))
	for _, c := range s.creds {
		result = append(result, c.Clone())
	}
	return result, nil
}

// Delete removes the credential for an owner.
func (s *MemoryStore) Delete(_ context.Context, ownerID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.creds, ownerID)
	return nil
}

// Verify interface compliance.
var _ Store = (*MemoryStore)(nil)
