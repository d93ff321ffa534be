package operation

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/forrst-rpc/forrstd/model"
)

// MemoryStore is an in-memory Store for testing and single-instance
// deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]model.OperationRecord
}

// NewMemoryStore creates a new in-memory operation store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]model.OperationRecord)}
}

// Get retrieves a record by id.
func (s *MemoryStore) Get(_ context.Context, id string) (model.OperationRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	return rec, ok, nil
}

// Put stores a new record unconditionally.
func (s *MemoryStore) Put(_ context.Context, rec model.OperationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ID]; exists {
		return fmt.Errorf("memstore: operation %q already exists", rec.ID)
	}
	s.records[rec.ID] = rec
	return nil
}

// CompareAndSwap replaces the record iff the stored revision matches.
func (s *MemoryStore) CompareAndSwap(_ context.Context, id string, expectedRevision int64, rec model.OperationRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.records[id]
	if !ok || existing.Revision != expectedRevision {
		return false, nil
	}

	rec.Revision = expectedRevision + 1
	s.records[id] = rec
	return true, nil
}

// Query returns one page of a caller's records, newest first.
func (s *MemoryStore) Query(_ context.Context, q Query) ([]model.OperationRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []model.OperationRecord
	for _, rec := range s.records {
		if rec.CallerID != q.CallerID {
			continue
		}
		if q.Filter.Status != "" && rec.Status != q.Filter.Status {
			continue
		}
		if q.Filter.Function != "" && rec.Function != q.Filter.Function {
			continue
		}
		matched = append(matched, rec)
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	if q.Offset >= len(matched) {
		return []model.OperationRecord{}, false, nil
	}
	matched = matched[q.Offset:]

	more := false
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
		more = true
	}
	return matched, more, nil
}

// Len returns the total number of records. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
