package state

import (
	"sync"

	"github.com/fluxwork/yawl/common/enginerr"
)

// Store holds case state with per-case single-writer locking. There is
// no lock spanning cases; events on different cases proceed in
// parallel.
type Store struct {
	mu    sync.RWMutex
	cases map[string]*caseEntry
}

type caseEntry struct {
	mu sync.Mutex
	cs *CaseState
}

// NewStore creates an empty case store
func NewStore() *Store {
	return &Store{
		cases: make(map[string]*caseEntry),
	}
}

// Put registers a new case
func (s *Store) Put(cs *CaseState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cases[cs.CaseID] = &caseEntry{cs: cs}
}

// WithCase runs fn while holding the case's writer lock. External
// events on the same case queue behind the lock; this is the one
// logical case lock of the engine.
func (s *Store) WithCase(caseID string, fn func(*CaseState) error) error {
	s.mu.RLock()
	entry, ok := s.cases[caseID]
	s.mu.RUnlock()

	if !ok {
		return enginerr.Newf(enginerr.KindCaseNotFound, "case %s not found", caseID).WithCase(caseID)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return fn(entry.cs)
}

// Snapshot produces a consistent cut of the case, serialised. It holds
// the writer lock, so a snapshot is never observed mid-firing.
func (s *Store) Snapshot(caseID string) ([]byte, error) {
	var out []byte
	err := s.WithCase(caseID, func(cs *CaseState) error {
		data, err := Snapshot(cs)
		if err != nil {
			return err
		}
		out = data
		return nil
	})
	return out, err
}

// Has reports whether a case is stored
func (s *Store) Has(caseID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.cases[caseID]
	return ok
}

// CaseIDs returns the IDs of all stored cases
func (s *Store) CaseIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.cases))
	for id := range s.cases {
		ids = append(ids, id)
	}
	return ids
}

// Remove drops a case from the store
func (s *Store) Remove(caseID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cases, caseID)
}

// Len returns the number of stored cases
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cases)
}
