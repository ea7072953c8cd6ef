package persist

import (
	"context"
	"sync"

	"github.com/fluxwork/yawl/common/enginerr"
)

// Store is the durability contract of the stateful engine. Entries are
// opaque blobs, one per applied event; replaying read()'s output over
// the snapshot reproduces the case state because firings are
// deterministic.
//
// Append must not return until the entry is durable; whatever fsync
// semantics apply are the implementation's concern.
type Store interface {
	Append(ctx context.Context, caseID string, entry []byte) error
	Snapshot(ctx context.Context, caseID string, state []byte) error
	Read(ctx context.Context, caseID string) (snapshot []byte, entries [][]byte, err error)
	Remove(ctx context.Context, caseID string) error
	CaseIDs(ctx context.Context) ([]string, error)
}

// MemoryStore keeps logs and snapshots in process memory. Used by tests
// and single-process deployments that accept losing state on restart.
type MemoryStore struct {
	mu    sync.Mutex
	cases map[string]*memoryCase
}

type memoryCase struct {
	snapshot []byte
	entries  [][]byte // entries after the snapshot
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cases: make(map[string]*memoryCase)}
}

// Append records one entry
func (s *MemoryStore) Append(_ context.Context, caseID string, entry []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.ensure(caseID)
	buf := make([]byte, len(entry))
	copy(buf, entry)
	c.entries = append(c.entries, buf)
	return nil
}

// Snapshot replaces the snapshot and truncates the entries it covers
func (s *MemoryStore) Snapshot(_ context.Context, caseID string, state []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.ensure(caseID)
	buf := make([]byte, len(state))
	copy(buf, state)
	c.snapshot = buf
	c.entries = nil
	return nil
}

// Read returns the latest snapshot and the entries recorded after it
func (s *MemoryStore) Read(_ context.Context, caseID string) ([]byte, [][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[caseID]
	if !ok {
		return nil, nil, enginerr.Newf(enginerr.KindCaseNotFound, "no persisted state for case %s", caseID).WithCase(caseID)
	}
	entries := make([][]byte, len(c.entries))
	copy(entries, c.entries)
	return c.snapshot, entries, nil
}

// Remove drops all persisted state for a case
func (s *MemoryStore) Remove(_ context.Context, caseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cases, caseID)
	return nil
}

// CaseIDs lists cases with persisted state
func (s *MemoryStore) CaseIDs(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.cases))
	for id := range s.cases {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *MemoryStore) ensure(caseID string) *memoryCase {
	c, ok := s.cases[caseID]
	if !ok {
		c = &memoryCase{}
		s.cases[caseID] = c
	}
	return c
}
