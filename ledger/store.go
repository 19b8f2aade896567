package ledger

import (
	"context"
	"encoding/json"
	"sync"
)

// Store loads and persists a Ledger. Persist is a full, atomic overwrite: once it returns nil the
// new state is durable, and a crash at any point leaves either the previous or the new state.
type Store interface {
	// Load returns the durable ledger, or an empty ledger when no durable copy exists yet.
	Load(ctx context.Context) (*Ledger, error)
	// Persist durably replaces the stored ledger with l.
	Persist(ctx context.Context, l *Ledger) error
}

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps the ledger as an encoded snapshot in memory. Every Load returns a fresh
// decoded copy, which makes it behave like a durable store across "process restarts" in tests.
// This is thread-safe.
type MemoryStore struct {
	mu       sync.Mutex
	snapshot []byte
	persists int

	// failPersist, when set, is returned by Persist instead of writing. Tests use it to simulate
	// a lost write.
	failPersist error
}

// NewMemoryStore returns a MemoryStore with no durable copy.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context) (*Ledger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.snapshot == nil {
		return New(), nil
	}

	l := New()
	if err := json.Unmarshal(s.snapshot, l); err != nil {
		return nil, &ConfigurationError{Source: "memory", Err: err}
	}

	return l, nil
}

// Persist implements Store.
func (s *MemoryStore) Persist(_ context.Context, l *Ledger) error {
	b, err := json.Marshal(l)
	if err != nil {
		return &PersistenceError{Op: "encode", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failPersist != nil {
		return &PersistenceError{Op: "write", Err: s.failPersist}
	}
	s.snapshot = b
	s.persists++

	return nil
}

// Persists returns the number of successful Persist calls.
func (s *MemoryStore) Persists() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.persists
}

// FailPersist makes every following Persist fail with err until it is called again with nil.
func (s *MemoryStore) FailPersist(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failPersist = err
}
