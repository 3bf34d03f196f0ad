// Package roles provides the capability lookup consulted by the settlement
// engine: which principals may issue grants, execute settlements, or replay
// historical state.
package roles

import (
	"context"
	"sort"
	"sync"
)

// Role is a named capability.
type Role string

const (
	// Issuer may create grants against the spare pool.
	Issuer Role = "issuer"
	// Executor may authorize, buy back, and terminate grants.
	Executor Role = "executor"
	// Predecessor identifies the superseded ledger this one was migrated
	// from.
	Predecessor Role = "predecessor"
)

// Store answers and mutates role membership.
type Store interface {
	HasRole(ctx context.Context, principal string, role Role) (bool, error)
	AddRole(ctx context.Context, principal string, role Role) error
	RemoveRole(ctx context.Context, principal string, role Role) error
	MembersOf(ctx context.Context, role Role) ([]string, error)
}

// MemoryStore is an in-process Store used by tests and single-binary runs.
type MemoryStore struct {
	mu      sync.RWMutex
	members map[Role]map[string]struct{}
}

// NewMemoryStore creates an empty in-memory role store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{members: make(map[Role]map[string]struct{})}
}

func (s *MemoryStore) HasRole(_ context.Context, principal string, role Role) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.members[role][principal]
	return ok, nil
}

func (s *MemoryStore) AddRole(_ context.Context, principal string, role Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.members[role] == nil {
		s.members[role] = make(map[string]struct{})
	}
	s.members[role][principal] = struct{}{}
	return nil
}

func (s *MemoryStore) RemoveRole(_ context.Context, principal string, role Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members[role], principal)
	return nil
}

func (s *MemoryStore) MembersOf(_ context.Context, role Role) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	members := make([]string, 0, len(s.members[role]))
	for principal := range s.members[role] {
		members = append(members, principal)
	}
	sort.Strings(members)
	return members, nil
}
