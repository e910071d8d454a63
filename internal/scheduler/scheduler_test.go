package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synqx/pipeline-core/internal/logging"
	"github.com/synqx/pipeline-core/internal/model"
)

type fakeStore struct {
	pipelines            []*model.Pipeline
	activeRuns           map[string]int
	enqueued             []*model.Job
	slaCandidates        []*SLACandidate
	missingRunCandidates []*MissingRunCandidate
	breaches             []SLABreach
}

func (f *fakeStore) DuePipelines(ctx context.Context) ([]*model.Pipeline, error) {
	return f.pipelines, nil
}

func (f *fakeStore) ActiveRunCount(ctx context.Context, pipelineID string) (int, error) {
	return f.activeRuns[pipelineID], nil
}

func (f *fakeStore) EnqueueJob(ctx context.Context, job *model.Job) error {
	f.enqueued = append(f.enqueued, job)
	return nil
}

func (f *fakeStore) RunningPastSLA(ctx context.Context) ([]*SLACandidate, error) {
	return f.slaCandidates, nil
}

func (f *fakeStore) MissingRunsToday(ctx context.Context) ([]*MissingRunCandidate, error) {
	return f.missingRunCandidates, nil
}

func (f *fakeStore) RecordSLABreach(ctx context.Context, breach SLABreach) error {
	f.breaches = append(f.breaches, breach)
	return nil
}

func testLogger() *logging.Logger {
	return logging.NewDefault("scheduler-test")
}

func TestIsDueDoesNotFireOnFirstObservation(t *testing.T) {
	store := &fakeStore{}
	s := New(store, testLogger(), time.Minute)
	p := &model.Pipeline{ID: "p1", CronExpr: "* * * * *"}

	assert.False(t, s.isDue(p, time.Now().UTC()), "the first tick must only arm the watermark, not fire retroactively")
}

func TestIsDueFiresOnceScheduleElapses(t *testing.T) {
	store := &fakeStore{}
	s := New(store, testLogger(), time.Minute)
	p := &model.Pipeline{ID: "p1", CronExpr: "* * * * *"}

	first := time.Now().UTC()
	s.isDue(p, first) // arm

	later := first.Add(90 * time.Second)
	assert.True(t, s.isDue(p, later), "a */1 schedule must be due after more than a minute elapsed")
}

func TestCheckAndEnqueueSkipsAtMaxParallelRuns(t *testing.T) {
	store := &fakeStore{
		pipelines:  []*model.Pipeline{{ID: "p1", ScheduleEnabled: true, CronExpr: "* * * * *", MaxParallelRuns: 1}},
		activeRuns: map[string]int{"p1": 1},
	}
	s := New(store, testLogger(), time.Minute)
	first := time.Now().UTC()
	s.lastCheck["p1"] = first.Add(-2 * time.Minute)

	s.checkAndEnqueue(context.Background())
	assert.Empty(t, store.enqueued, "a pipeline already at its max_parallel_runs cap must not enqueue another run")
}

func TestCheckAndEnqueueFiresWhenUnderCap(t *testing.T) {
	store := &fakeStore{
		pipelines:  []*model.Pipeline{{ID: "p1", ScheduleEnabled: true, CronExpr: "* * * * *", MaxParallelRuns: 2}},
		activeRuns: map[string]int{"p1": 1},
	}
	s := New(store, testLogger(), time.Minute)
	s.lastCheck["p1"] = time.Now().UTC().Add(-2 * time.Minute)

	s.checkAndEnqueue(context.Background())
	require.Len(t, store.enqueued, 1)
	assert.Equal(t, "p1", store.enqueued[0].PipelineID)
	assert.Equal(t, model.JobQueued, store.enqueued[0].Status)
}

func TestCheckSLABreachesDetectsMaxDuration(t *testing.T) {
	store := &fakeStore{
		slaCandidates: []*SLACandidate{{
			RunID: "run-1", PipelineID: "p1",
			StartedAt: time.Now().UTC().Add(-2 * time.Hour),
			SLA:       model.SLAConfig{MaxDuration: time.Hour},
		}},
	}
	s := New(store, testLogger(), time.Minute)
	s.checkSLABreaches(context.Background())

	require.Len(t, store.breaches, 1)
	assert.Equal(t, "max_duration", store.breaches[0].Reason)
}

func TestCheckSLABreachesIgnoresWithinBudget(t *testing.T) {
	store := &fakeStore{
		slaCandidates: []*SLACandidate{{
			RunID: "run-1", PipelineID: "p1",
			StartedAt: time.Now().UTC().Add(-10 * time.Minute),
			SLA:       model.SLAConfig{MaxDuration: time.Hour},
		}},
	}
	s := New(store, testLogger(), time.Minute)
	s.checkSLABreaches(context.Background())

	assert.Empty(t, store.breaches)
}

func TestCheckSLABreachesDetectsZeroRunsToday(t *testing.T) {
	store := &fakeStore{
		missingRunCandidates: []*MissingRunCandidate{{
			PipelineID: "p1", FinishBy: "00:00", LastSuccessAt: nil,
		}},
	}
	s := New(store, testLogger(), time.Minute)
	s.checkSLABreaches(context.Background())

	require.Len(t, store.breaches, 1)
	assert.Equal(t, "finish_by", store.breaches[0].Reason)
	assert.Equal(t, "p1", store.breaches[0].PipelineID)
}

func TestCheckSLABreachesIgnoresZeroRunsBeforeDeadline(t *testing.T) {
	store := &fakeStore{
		missingRunCandidates: []*MissingRunCandidate{{
			PipelineID: "p1", FinishBy: "23:59", LastSuccessAt: nil,
		}},
	}
	s := New(store, testLogger(), time.Minute)
	s.checkSLABreaches(context.Background())

	assert.Empty(t, store.breaches, "finish_by deadline has not passed yet today")
}

func TestCheckSLABreachesIgnoresWhenSuccessfulRunExistsToday(t *testing.T) {
	lastSuccess := time.Now().UTC()
	store := &fakeStore{
		missingRunCandidates: []*MissingRunCandidate{{
			PipelineID: "p1", FinishBy: "00:00", LastSuccessAt: &lastSuccess,
		}},
	}
	s := New(store, testLogger(), time.Minute)
	s.checkSLABreaches(context.Background())

	assert.Empty(t, store.breaches, "a successful run already happened today")
}
