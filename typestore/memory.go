package typestore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/c360/streambroker/errors"
)

// MemoryStore is a map-backed type registry for tests and standalone
// deployments without JetStream.
type MemoryStore struct {
	mu     sync.RWMutex
	custom map[string]*StreamType
}

// NewMemoryStore creates an in-memory type registry.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{custom: make(map[string]*StreamType)}
}

// List returns built-ins followed by custom types sorted by name.
func (s *MemoryStore) List(_ context.Context) ([]*StreamType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	types := Builtins()

	names := make([]string, 0, len(s.custom))
	for name := range s.custom {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c := *s.custom[name]
		types = append(types, &c)
	}

	return types, nil
}

// Get returns a single type, built-in or custom.
func (s *MemoryStore) Get(_ context.Context, name string) (*StreamType, error) {
	for _, t := range Builtins() {
		if t.Name == name {
			return t, nil
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.custom[name]
	if !ok {
		return nil, errors.Wrap(errors.ErrNotFound, "typestore", "Get", "lookup type "+name)
	}
	c := *t
	return &c, nil
}

// Create registers a custom type.
func (s *MemoryStore) Create(_ context.Context, t *StreamType) error {
	if err := ValidateName(t.Name); err != nil {
		return errors.WrapInvalid(err, "typestore", "Create", "validate name")
	}
	if IsBuiltin(t.Name) {
		return errors.WrapInvalid(
			fmt.Errorf("%q is a built-in type", t.Name),
			"typestore", "Create", "reject built-in name")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.custom[t.Name]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("type %q already exists", t.Name),
			"typestore", "Create", "type already exists")
	}

	t.Builtin = false
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	c := *t
	s.custom[t.Name] = &c
	return nil
}

// Update replaces a custom type definition.
func (s *MemoryStore) Update(_ context.Context, t *StreamType) error {
	if IsBuiltin(t.Name) {
		return errors.WrapInvalid(
			fmt.Errorf("%q is a built-in type", t.Name),
			"typestore", "Update", "built-in types are immutable")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.custom[t.Name]
	if !ok {
		return errors.Wrap(errors.ErrNotFound, "typestore", "Update", "lookup type "+t.Name)
	}

	t.Builtin = false
	t.CreatedAt = existing.CreatedAt
	t.UpdatedAt = time.Now().UTC()

	c := *t
	s.custom[t.Name] = &c
	return nil
}

// Delete removes a custom type.
func (s *MemoryStore) Delete(_ context.Context, name string) error {
	if IsBuiltin(name) {
		return errors.WrapInvalid(
			fmt.Errorf("%q is a built-in type", name),
			"typestore", "Delete", "built-in types cannot be deleted")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.custom[name]; !ok {
		return errors.Wrap(errors.ErrNotFound, "typestore", "Delete", "lookup type "+name)
	}
	delete(s.custom, name)
	return nil
}
