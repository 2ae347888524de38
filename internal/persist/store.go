// Package persist saves document snapshots to durable storage.
//
// The Scheduler keeps memory authoritative and storage eventually consistent:
// edits re-arm a per-document debounce timer, a save fires once the document
// has been quiet for the debounce window, and ForceSave writes immediately
// when a document drains or the process shuts down.
package persist

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrNotFound is returned by a StateStore when the document has no row.
	ErrNotFound = errors.New("persist: document not found")
	// ErrUnavailable wraps storage read and write failures.
	ErrUnavailable = errors.New("persist: storage unavailable")
)

// StateStore is the durable snapshot collaborator. Implementations must
// return exactly the bytes that were saved.
type StateStore interface {
	LoadState(ctx context.Context, documentID string) ([]byte, error)
	SaveState(ctx context.Context, documentID string, state []byte) error
}

// MemoryStore is a StateStore held in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string][]byte
	saves  map[string]int
	fail   bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states: make(map[string][]byte),
		saves:  make(map[string]int),
	}
}

// Create registers an empty document so loads succeed.
func (s *MemoryStore) Create(documentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.states[documentID]; !ok {
		s.states[documentID] = []byte{}
	}
}

func (s *MemoryStore) LoadState(_ context.Context, documentID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[documentID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte{}, state...), nil
}

func (s *MemoryStore) SaveState(_ context.Context, documentID string, state []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return ErrUnavailable
	}
	s.states[documentID] = append([]byte{}, state...)
	s.saves[documentID]++
	return nil
}

// Saves returns how many successful saves documentID has received.
func (s *MemoryStore) Saves(documentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves[documentID]
}

// SetFailSaves makes SaveState fail with ErrUnavailable while fail is set.
func (s *MemoryStore) SetFailSaves(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}
