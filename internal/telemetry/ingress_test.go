package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synqx/pipeline-core/internal/model"
	"github.com/synqx/pipeline-core/internal/state"
)

func newTestIngress(t *testing.T) (*Ingress, *model.PipelineRun) {
	t.Helper()
	sm := state.New(state.NewMemoryStore(), nil)
	run := &model.PipelineRun{ID: "run-1", JobID: "job-1"}
	require.NoError(t, sm.InitializeRun(context.Background(), run))
	_, err := sm.CreateStepRun(context.Background(), run, &model.Node{NodeID: "A", OperatorType: model.OperatorExtract})
	require.NoError(t, err)
	return NewIngress(sm, NewHub()), run
}

func recordsOut(n int64) *int64 { return &n }

func TestProcessDropsExactRepeat(t *testing.T) {
	ing, run := newTestIngress(t)
	ctx := context.Background()

	err := ing.Process(ctx, run, Update{
		RunID: run.ID, JobID: run.JobID, NodeID: "A",
		StepUpdate: state.StepUpdate{Status: model.StepRunning, RecordsOut: recordsOut(10)},
	})
	require.NoError(t, err)

	err = ing.Process(ctx, run, Update{
		RunID: run.ID, JobID: run.JobID, NodeID: "A",
		StepUpdate: state.StepUpdate{Status: model.StepRunning, RecordsOut: recordsOut(10)},
	})
	require.NoError(t, err)

	assert.Len(t, ing.State.NonSkippedSteps(run.ID), 1, "duplicate must not create extra step state")
	step := ing.State.NonSkippedSteps(run.ID)[0]
	assert.Equal(t, int64(10), step.RecordsOut)
}

func TestProcessAppliesGenuineChange(t *testing.T) {
	ing, run := newTestIngress(t)
	ctx := context.Background()

	require.NoError(t, ing.Process(ctx, run, Update{
		RunID: run.ID, JobID: run.JobID, NodeID: "A",
		StepUpdate: state.StepUpdate{Status: model.StepRunning, RecordsOut: recordsOut(10)},
	}))
	require.NoError(t, ing.Process(ctx, run, Update{
		RunID: run.ID, JobID: run.JobID, NodeID: "A",
		StepUpdate: state.StepUpdate{Status: model.StepRunning, RecordsOut: recordsOut(20)},
	}))

	step := ing.State.NonSkippedSteps(run.ID)[0]
	assert.Equal(t, int64(20), step.RecordsOut, "a changed record count must not be suppressed as a duplicate")
}

func TestProcessWithNilHubStillPersists(t *testing.T) {
	sm := state.New(state.NewMemoryStore(), nil)
	run := &model.PipelineRun{ID: "run-2", JobID: "job-2"}
	require.NoError(t, sm.InitializeRun(context.Background(), run))
	_, err := sm.CreateStepRun(context.Background(), run, &model.Node{NodeID: "A"})
	require.NoError(t, err)

	ing := NewIngress(sm, nil)
	err = ing.Process(context.Background(), run, Update{
		RunID: run.ID, JobID: run.JobID, NodeID: "A",
		StepUpdate: state.StepUpdate{Status: model.StepSuccess, RecordsOut: recordsOut(5)},
	})
	require.NoError(t, err, "a nil Hub must not block persistence")
}
