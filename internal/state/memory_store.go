package state

import (
	"context"
	"sync"

	"github.com/synqx/pipeline-core/internal/model"
)

// MemoryStore is an in-process Store, used by tests and by the Agent
// Runtime when it reports status back to the dispatcher instead of
// writing locally (the agent never persists state directly; see
// internal/agent).
type MemoryStore struct {
	mu    sync.Mutex
	runs  map[string]*model.PipelineRun
	steps map[string]*model.StepRun
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]*model.PipelineRun), steps: make(map[string]*model.StepRun)}
}

func (s *MemoryStore) SaveRun(_ context.Context, run *model.PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *run
	s.runs[run.ID] = &copied
	return nil
}

func (s *MemoryStore) SaveStep(_ context.Context, step *model.StepRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *step
	s.steps[step.ID] = &copied
	return nil
}

func (s *MemoryStore) Run(id string) (*model.PipelineRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	return r, ok
}
