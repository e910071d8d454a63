// Package state implements the State Manager: pipeline-run and step-run
// lifecycle, with idempotent status transitions and a telemetry
// publication hook on every update (spec §4.7).
package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/synqx/pipeline-core/internal/model"
)

// Publisher receives every step-status update for fan-out to the
// Telemetry Ingress (spec §4.10). Implementations must not block for
// long; the dispatcher-side ingress owns its own buffering.
type Publisher interface {
	PublishStepUpdate(ctx context.Context, run *model.PipelineRun, step model.StepRun)
}

// Store is the persistence contract runs/steps are written through.
type Store interface {
	SaveRun(ctx context.Context, run *model.PipelineRun) error
	SaveStep(ctx context.Context, step *model.StepRun) error
}

// Manager implements the State Manager's five operations over an
// in-process run/step registry, backed by Store for durability and
// Publisher for telemetry fan-out.
type Manager struct {
	mu        sync.Mutex
	store     Store
	publisher Publisher
	steps     map[string]map[string]*model.StepRun // runID -> nodeID -> step
}

// New builds a Manager. store/publisher may be nil in tests that only
// care about in-memory transition semantics.
func New(store Store, publisher Publisher) *Manager {
	return &Manager{store: store, publisher: publisher, steps: make(map[string]map[string]*model.StepRun)}
}

// InitializeRun transitions a run to Initializing and persists it.
func (m *Manager) InitializeRun(ctx context.Context, run *model.PipelineRun) error {
	run.Status = model.RunInitializing
	m.mu.Lock()
	m.steps[run.ID] = make(map[string]*model.StepRun)
	m.mu.Unlock()
	return m.persistRun(ctx, run)
}

// CreateStepRun registers a new StepRun for (run, node). Creation is
// idempotent by (run_id, node_id): a second call for the same pair
// returns the existing record rather than creating a duplicate, mirroring
// the unique-index-enforced at-most-once guarantee from spec §5.
func (m *Manager) CreateStepRun(ctx context.Context, run *model.PipelineRun, node *model.Node) (*model.StepRun, error) {
	m.mu.Lock()
	existing, ok := m.steps[run.ID][node.NodeID]
	if ok {
		m.mu.Unlock()
		return existing, nil
	}
	step := &model.StepRun{
		ID:            fmt.Sprintf("%s:%s", run.ID, node.NodeID),
		PipelineRunID: run.ID,
		NodeID:        node.NodeID,
		OperatorType:  node.OperatorType,
		OrderIndex:    node.OrderIndex,
		Status:        model.StepPending,
	}
	m.steps[run.ID][node.NodeID] = step
	m.mu.Unlock()

	if err := m.persistStep(ctx, step); err != nil {
		return nil, err
	}
	return step, nil
}

// StepUpdate carries the fields update_step_status may change. Field
// tags match the wire shape of `/agents/jobs/{id}/steps` (spec §6) so
// the Telemetry Ingress can decode an inbound request body directly.
type StepUpdate struct {
	Status          model.StepStatus  `json:"status"`
	RecordsIn       *int64            `json:"records_in,omitempty"`
	RecordsOut      *int64            `json:"records_out,omitempty"`
	RecordsFiltered *int64            `json:"records_filtered,omitempty"`
	RecordsError    *int64            `json:"records_error,omitempty"`
	BytesProcessed  *int64            `json:"bytes_processed,omitempty"`
	CPUPercent      *float64          `json:"cpu_percent,omitempty"`
	MemoryMB        *float64          `json:"memory_mb,omitempty"`
	SampleData      *model.SampleRows `json:"sample_data,omitempty"`
	ErrorKind       string            `json:"error_kind,omitempty"`
	ErrorMessage    string            `json:"error_message,omitempty"`
}

// UpdateStepStatus applies upd to the named node's StepRun within run,
// idempotently with respect to terminal transitions: once a step is
// Success or Failed, further attempts to move it back to Running are
// silently ignored (spec §4.7, §4.10 dedup is a separate, dispatcher-side
// concern over the wire representation of this same update).
func (m *Manager) UpdateStepStatus(ctx context.Context, run *model.PipelineRun, nodeID string, upd StepUpdate) (*model.StepRun, error) {
	m.mu.Lock()
	step, ok := m.steps[run.ID][nodeID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("no step run registered for run=%s node=%s", run.ID, nodeID)
	}

	if step.Status.Terminal() && upd.Status == model.StepRunning {
		m.mu.Unlock()
		return step, nil // idempotent no-op: never resurrect a terminal step
	}

	now := time.Now().UTC()
	if step.StartedAt == nil && upd.Status == model.StepRunning {
		step.StartedAt = &now
	}
	step.Status = upd.Status
	if upd.RecordsIn != nil {
		step.RecordsIn = *upd.RecordsIn
	}
	if upd.RecordsOut != nil {
		step.RecordsOut = *upd.RecordsOut
	}
	if upd.RecordsFiltered != nil {
		step.RecordsFiltered = *upd.RecordsFiltered
	}
	if upd.RecordsError != nil {
		step.RecordsError = *upd.RecordsError
	}
	if upd.BytesProcessed != nil {
		step.BytesProcessed = *upd.BytesProcessed
	}
	if upd.CPUPercent != nil {
		step.CPUPercent = *upd.CPUPercent
	}
	if upd.MemoryMB != nil {
		step.MemoryMB = *upd.MemoryMB
	}
	if upd.SampleData != nil {
		step.SampleData = upd.SampleData
	}
	if upd.ErrorKind != "" {
		step.ErrorKind = upd.ErrorKind
	}
	if upd.ErrorMessage != "" {
		step.ErrorMessage = upd.ErrorMessage
	}
	if step.Status.Terminal() {
		step.EndedAt = &now
	}
	snapshot := *step
	m.mu.Unlock()

	if err := m.persistStep(ctx, &snapshot); err != nil {
		return nil, err
	}
	if m.publisher != nil {
		m.publisher.PublishStepUpdate(ctx, run, snapshot)
	}
	return &snapshot, nil
}

// CompleteRun transitions run to Completed and computes its duration.
func (m *Manager) CompleteRun(ctx context.Context, run *model.PipelineRun) error {
	now := time.Now().UTC()
	run.Status = model.RunCompleted
	run.EndedAt = &now
	return m.persistRun(ctx, run)
}

// FailRun transitions run to Failed, recording the failing step and
// error message.
func (m *Manager) FailRun(ctx context.Context, run *model.PipelineRun, failedStepID, errMsg string) error {
	now := time.Now().UTC()
	run.Status = model.RunFailed
	run.EndedAt = &now
	run.FailedStepID = failedStepID
	run.ErrorMessage = errMsg
	return m.persistRun(ctx, run)
}

// CancelRun transitions run to Cancelled (spec §5 cancellation model).
func (m *Manager) CancelRun(ctx context.Context, run *model.PipelineRun) error {
	now := time.Now().UTC()
	run.Status = model.RunCancelled
	run.EndedAt = &now
	return m.persistRun(ctx, run)
}

func (m *Manager) persistRun(ctx context.Context, run *model.PipelineRun) error {
	if m.store == nil {
		return nil
	}
	return m.store.SaveRun(ctx, run)
}

func (m *Manager) persistStep(ctx context.Context, step *model.StepRun) error {
	if m.store == nil {
		return nil
	}
	return m.store.SaveStep(ctx, step)
}

// NonSkippedSteps returns the steps for run that were not Skipped, for
// the §8 invariant total_nodes == number_of_non_skipped_StepRuns.
func (m *Manager) NonSkippedSteps(runID string) []*model.StepRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.StepRun, 0, len(m.steps[runID]))
	for _, s := range m.steps[runID] {
		if s.Status != model.StepSkipped {
			out = append(out, s)
		}
	}
	return out
}
