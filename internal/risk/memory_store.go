package risk

import (
	"context"
	"maps"
	"slices"
	"sync"
)

const defaultMemoryCapacity = 1000

// MemoryStore is an in-memory implementation of Store for demo/test use.
// It keeps the most recent assessments up to its capacity.
type MemoryStore struct {
	mu          sync.RWMutex
	assessments []*Assessment // oldest first
	capacity    int
}

// NewMemoryStore creates an in-memory risk assessment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{capacity: defaultMemoryCapacity}
}

func (s *MemoryStore) Record(ctx context.Context, assessment *Assessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.assessments = append(s.assessments, cloneAssessment(assessment))
	if over := len(s.assessments) - s.capacity; over > 0 {
		s.assessments = slices.Delete(s.assessments, 0, over)
	}
	return nil
}

func (s *MemoryStore) ListRecent(ctx context.Context, limit int) ([]*Assessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.assessments) {
		limit = len(s.assessments)
	}
	result := make([]*Assessment, 0, limit)
	for i := len(s.assessments) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, cloneAssessment(s.assessments[i]))
	}
	return result, nil
}

func cloneAssessment(a *Assessment) *Assessment {
	c := *a
	c.Factors = slices.Clone(a.Factors)
	c.Explain = maps.Clone(a.Explain)
	return &c
}
