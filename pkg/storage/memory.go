package storage

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cuemby/anvil/pkg/types"
)

// MemoryStore keeps controller state in process memory. A controller crash
// does not clear it, so it is enough to exercise recovery in simulations
// that do not restart the process.
type MemoryStore struct {
	mu        sync.RWMutex
	scheduled map[string]map[types.ObjectRef]*Record
	ongoing   map[string]map[types.ObjectRef]*Record
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		scheduled: make(map[string]map[types.ObjectRef]*Record),
		ongoing:   make(map[string]map[types.ObjectRef]*Record),
	}
}

func put(m map[string]map[types.ObjectRef]*Record, controllerID string, rec *Record) {
	if m[controllerID] == nil {
		m[controllerID] = make(map[types.ObjectRef]*Record)
	}
	c := *rec
	c.Snapshot = rec.Snapshot.DeepCopy()
	m[controllerID][rec.Key] = &c
}

func list(m map[string]map[types.ObjectRef]*Record, controllerID string) []*Record {
	var out []*Record
	for _, rec := range m[controllerID] {
		c := *rec
		c.Snapshot = rec.Snapshot.DeepCopy()
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

func (s *MemoryStore) PutScheduled(controllerID string, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	put(s.scheduled, controllerID, rec)
	return nil
}

func (s *MemoryStore) DeleteScheduled(controllerID string, key types.ObjectRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scheduled[controllerID], key)
	return nil
}

func (s *MemoryStore) ListScheduled(controllerID string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return list(s.scheduled, controllerID), nil
}

func (s *MemoryStore) PutOngoing(controllerID string, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	put(s.ongoing, controllerID, rec)
	return nil
}

func (s *MemoryStore) GetOngoing(controllerID string, key types.ObjectRef) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.ongoing[controllerID][key]
	if !ok {
		return nil, fmt.Errorf("ongoing %s/%s: %w", controllerID, key, ErrNotFound)
	}
	c := *rec
	c.Snapshot = rec.Snapshot.DeepCopy()
	return &c, nil
}

func (s *MemoryStore) DeleteOngoing(controllerID string, key types.ObjectRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ongoing[controllerID], key)
	return nil
}

func (s *MemoryStore) ListOngoing(controllerID string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return list(s.ongoing, controllerID), nil
}

func (s *MemoryStore) StartReconcile(controllerID string, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scheduled[controllerID], rec.Key)
	put(s.ongoing, controllerID, rec)
	return nil
}

func (s *MemoryStore) FinishReconcile(controllerID string, rec *Record, requeue bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ongoing[controllerID], rec.Key)
	if requeue {
		put(s.scheduled, controllerID, rec)
	}
	return nil
}

func (s *MemoryStore) Controllers() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	for id := range s.scheduled {
		seen[id] = true
	}
	for id := range s.ongoing {
		seen[id] = true
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
