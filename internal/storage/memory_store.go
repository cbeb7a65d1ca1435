package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/slack-exporter/internal/models"
)

// MemoryStore keeps jobs in process memory. Used by tests and dry runs.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string][]byte)}
}

// Load returns a deep copy so callers cannot mutate stored state in place
func (s *MemoryStore) Load(_ context.Context, workspace string) (*models.ExportJob, error) {
	s.mu.RLock()
	data, ok := s.jobs[workspace]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNoJob
	}

	var job models.ExportJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to decode stored job: %w", err)
	}
	return &job, nil
}

func (s *MemoryStore) Save(_ context.Context, workspace string, job *models.ExportJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}

	s.mu.Lock()
	s.jobs[workspace] = data
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, workspace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[workspace]; !ok {
		return ErrNoJob
	}
	delete(s.jobs, workspace)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
