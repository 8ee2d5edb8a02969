// Package groupstore implements the durable backup of a user's
// original group memberships (spec §4.9), populated before a
// group-based disable mutates a user's groups and consumed on
// successful re-enable so the mutation is reversible.
package groupstore

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Store is the durable username -> original group IDs mapping.
type Store struct {
	mu     sync.Mutex
	path   string
	groups map[string][]int
}

// New creates a Store backed by path. A parse failure yields an empty
// store.
func New(path string) *Store {
	s := &Store{path: path, groups: make(map[string][]int)}
	s.load()
	return s
}

func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var m map[string][]int
	if err := json.Unmarshal(data, &m); err != nil {
		return
	}
	s.groups = m
}

func (s *Store) save() error {
	data, err := json.MarshalIndent(s.groups, "", "  ")
	if err != nil {
		return fmt.Errorf("groupstore: marshal: %w", err)
	}
	if s.path == "" {
		return nil
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("groupstore: write %s: %w", s.path, err)
	}
	return nil
}

// Save records u's original group IDs, overwriting any prior backup.
func (s *Store) Save(u string, groupIDs []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]int, len(groupIDs))
	copy(cp, groupIDs)
	s.groups[u] = cp
	return s.save()
}

// Get returns u's backed-up group IDs, if present.
func (s *Store) Get(u string) ([]int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[u]
	if !ok {
		return nil, false
	}
	cp := make([]int, len(g))
	copy(cp, g)
	return cp, true
}

// Remove deletes u's backup. Idempotent.
func (s *Store) Remove(u string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[u]; !ok {
		return nil
	}
	delete(s.groups, u)
	return s.save()
}
