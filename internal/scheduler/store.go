// Package scheduler implements the Scheduler (spec §4.11): a
// tick-driven loop that enqueues Jobs for pipelines whose cron
// expression is due, respects each pipeline's max_parallel_runs cap,
// and raises SLA breaches for runs that overstay their budget.
//
// Grounded on services/automation/automation_service.go's
// ticker-driven runScheduler/checkAndExecuteTriggers split, with
// robfig/cron/v3 standing in for the teacher's on-chain cron
// evaluation.
package scheduler

import (
	"context"
	"time"

	"github.com/synqx/pipeline-core/internal/model"
)

// Store is the persistence boundary the Scheduler reads pipelines and
// enqueues jobs through.
type Store interface {
	DuePipelines(ctx context.Context) ([]*model.Pipeline, error)
	ActiveRunCount(ctx context.Context, pipelineID string) (int, error)
	EnqueueJob(ctx context.Context, job *model.Job) error
	RunningPastSLA(ctx context.Context) ([]*SLACandidate, error)
	MissingRunsToday(ctx context.Context) ([]*MissingRunCandidate, error)
	RecordSLABreach(ctx context.Context, breach SLABreach) error
}

// SLACandidate is a running PipelineRun carrying enough of its parent
// Pipeline's SLA configuration to evaluate a breach without a second
// round trip per run.
type SLACandidate struct {
	RunID      string
	JobID      string
	PipelineID string
	StartedAt  time.Time
	SLA        model.SLAConfig
	Timezone   string
}

// MissingRunCandidate is a pipeline with a finish_by SLA configured,
// carrying its most recent successful completion (nil if it has never
// once succeeded), so the scheduler can detect the "zero successful
// runs today" breach that RunningPastSLA's running-run query can never
// see (spec §4.11: finish_by is "does a successful run exist for today
// by this wall-clock time", not "is a run still going past it").
type MissingRunCandidate struct {
	PipelineID    string
	FinishBy      string
	Timezone      string
	LastSuccessAt *time.Time
}

// SLABreach is the alert record spec §4.11 calls for; delivery
// (Slack/email) is out of scope, this core only records the breach.
type SLABreach struct {
	RunID      string
	PipelineID string
	Reason     string // "max_duration" or "finish_by"
	DetectedAt time.Time
}
