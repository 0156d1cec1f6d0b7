package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/smallnest/ragbuild/store"
)

// MemoryReportStore keeps reports in process memory.
type MemoryReportStore struct {
	mu   sync.RWMutex
	runs map[string][]store.Entry
}

var _ store.ReportStore = (*MemoryReportStore)(nil)

// NewMemoryReportStore creates an empty store
func NewMemoryReportStore() *MemoryReportStore {
	return &MemoryReportStore{runs: make(map[string][]store.Entry)}
}

// Append implements store.ReportStore
func (s *MemoryReportStore) Append(_ context.Context, entry *store.Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.Seq = int64(len(s.runs[entry.RunID]) + 1)
	e := *entry
	e.Data = slices.Clone(entry.Data)
	s.runs[entry.RunID] = append(s.runs[entry.RunID], e)
	return nil
}

// Load implements store.ReportStore
func (s *MemoryReportStore) Load(_ context.Context, runID string) ([]store.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries, ok := s.runs[runID]
	if !ok {
		return nil, store.ErrRunNotFound
	}
	return slices.Clone(entries), nil
}

// Runs implements store.ReportStore
func (s *MemoryReportStore) Runs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

// Close implements store.ReportStore
func (s *MemoryReportStore) Close() error {
	return nil
}
