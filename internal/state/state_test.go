package state

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synqx/pipeline-core/internal/model"
)

type recordingPublisher struct {
	updates []model.StepRun
}

func (p *recordingPublisher) PublishStepUpdate(_ context.Context, _ *model.PipelineRun, step model.StepRun) {
	p.updates = append(p.updates, step)
}

func TestUpdateStepStatusIgnoresBackTransitionFromTerminal(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	m := New(NewMemoryStore(), pub)
	run := &model.PipelineRun{ID: "run-1"}
	require.NoError(t, m.InitializeRun(ctx, run))
	node := &model.Node{NodeID: "A", OperatorType: model.OperatorExtract}
	_, err := m.CreateStepRun(ctx, run, node)
	require.NoError(t, err)

	_, err = m.UpdateStepStatus(ctx, run, "A", StepUpdate{Status: model.StepSuccess})
	require.NoError(t, err)

	step, err := m.UpdateStepStatus(ctx, run, "A", StepUpdate{Status: model.StepRunning})
	require.NoError(t, err)
	assert.Equal(t, model.StepSuccess, step.Status, "terminal status must not revert to Running")
}

func TestCreateStepRunIdempotentByRunAndNode(t *testing.T) {
	ctx := context.Background()
	m := New(NewMemoryStore(), nil)
	run := &model.PipelineRun{ID: "run-2"}
	require.NoError(t, m.InitializeRun(ctx, run))
	node := &model.Node{NodeID: "A"}

	first, err := m.CreateStepRun(ctx, run, node)
	require.NoError(t, err)
	second, err := m.CreateStepRun(ctx, run, node)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestNonSkippedStepsExcludesSkipped(t *testing.T) {
	ctx := context.Background()
	m := New(NewMemoryStore(), nil)
	run := &model.PipelineRun{ID: "run-3"}
	require.NoError(t, m.InitializeRun(ctx, run))

	_, _ = m.CreateStepRun(ctx, run, &model.Node{NodeID: "A"})
	_, _ = m.CreateStepRun(ctx, run, &model.Node{NodeID: "B"})
	_, err := m.UpdateStepStatus(ctx, run, "A", StepUpdate{Status: model.StepSuccess})
	require.NoError(t, err)
	_, err = m.UpdateStepStatus(ctx, run, "B", StepUpdate{Status: model.StepSkipped})
	require.NoError(t, err)

	assert.Len(t, m.NonSkippedSteps(run.ID), 1)
}
