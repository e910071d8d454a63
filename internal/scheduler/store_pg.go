package scheduler

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	coreerrors "github.com/synqx/pipeline-core/internal/core/errors"
	"github.com/synqx/pipeline-core/internal/model"
)

// PostgresStore is the sqlx-backed scheduler Store, grounded on the
// same query style as dispatcher.PostgresStore.
type PostgresStore struct {
	DB *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{DB: db}
}

func (s *PostgresStore) DuePipelines(ctx context.Context) ([]*model.Pipeline, error) {
	var rows []struct {
		ID              string `db:"id"`
		WorkspaceID     string `db:"workspace_id"`
		Name            string `db:"name"`
		ActiveVersion   int    `db:"active_version"`
		QueueName       string `db:"queue_name"`
		AgentGroup      string `db:"agent_group"`
		ScheduleEnabled bool   `db:"schedule_enabled"`
		CronExpr        string `db:"cron_expr"`
		Timezone        string `db:"timezone"`
		MaxParallelRuns int    `db:"max_parallel_runs"`
	}
	if err := s.DB.SelectContext(ctx, &rows, `
		SELECT id, workspace_id, name, active_version, queue_name, agent_group,
		       schedule_enabled, cron_expr, timezone, max_parallel_runs
		FROM pipelines WHERE schedule_enabled = true
	`); err != nil {
		return nil, coreerrors.DataTransfer("list due pipelines", err)
	}

	out := make([]*model.Pipeline, 0, len(rows))
	for _, r := range rows {
		out = append(out, &model.Pipeline{
			ID: r.ID, WorkspaceID: r.WorkspaceID, Name: r.Name, ActiveVersion: r.ActiveVersion,
			QueueName: r.QueueName, AgentGroup: r.AgentGroup, ScheduleEnabled: r.ScheduleEnabled,
			CronExpr: r.CronExpr, Timezone: r.Timezone, MaxParallelRuns: r.MaxParallelRuns,
		})
	}
	return out, nil
}

func (s *PostgresStore) ActiveRunCount(ctx context.Context, pipelineID string) (int, error) {
	var n int
	err := s.DB.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM jobs WHERE pipeline_id = $1 AND status IN ('Queued', 'Running')
	`, pipelineID)
	if err != nil {
		return 0, coreerrors.DataTransfer("count active runs", err)
	}
	return n, nil
}

func (s *PostgresStore) EnqueueJob(ctx context.Context, job *model.Job) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO jobs (id, pipeline_id, pipeline_version, status, workspace_id, queue_name, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, job.ID, job.PipelineID, job.PipelineVersion, job.Status, job.WorkspaceID, job.QueueName, job.CreatedAt)
	if err != nil {
		return coreerrors.DataTransfer("enqueue scheduled job", err)
	}
	return nil
}

func (s *PostgresStore) RunningPastSLA(ctx context.Context) ([]*SLACandidate, error) {
	var rows []struct {
		RunID          string    `db:"run_id"`
		JobID          string    `db:"job_id"`
		PipelineID     string    `db:"pipeline_id"`
		StartedAt      time.Time `db:"started_at"`
		MaxDurationSec int64     `db:"sla_max_duration_seconds"`
		FinishBy       string    `db:"sla_finish_by"`
		Timezone       string    `db:"timezone"`
	}
	if err := s.DB.SelectContext(ctx, &rows, `
		SELECT r.id AS run_id, r.job_id, r.pipeline_id, r.started_at,
		       p.sla_max_duration_seconds, COALESCE(p.sla_finish_by, '') AS sla_finish_by, p.timezone
		FROM pipeline_runs r
		JOIN pipelines p ON p.id = r.pipeline_id
		WHERE r.status IN ('Running', 'Initializing')
		  AND (p.sla_max_duration_seconds > 0 OR p.sla_finish_by IS NOT NULL)
	`); err != nil {
		return nil, coreerrors.DataTransfer("list SLA candidates", err)
	}

	out := make([]*SLACandidate, 0, len(rows))
	for _, r := range rows {
		out = append(out, &SLACandidate{
			RunID: r.RunID, JobID: r.JobID, PipelineID: r.PipelineID, StartedAt: r.StartedAt,
			Timezone: r.Timezone,
			SLA: model.SLAConfig{
				MaxDuration: time.Duration(r.MaxDurationSec) * time.Second,
				FinishBy:    r.FinishBy,
			},
		})
	}
	return out, nil
}

func (s *PostgresStore) MissingRunsToday(ctx context.Context) ([]*MissingRunCandidate, error) {
	var rows []struct {
		PipelineID    string     `db:"pipeline_id"`
		FinishBy      string     `db:"sla_finish_by"`
		Timezone      string     `db:"timezone"`
		LastSuccessAt *time.Time `db:"last_success_at"`
	}
	if err := s.DB.SelectContext(ctx, &rows, `
		SELECT p.id AS pipeline_id, p.sla_finish_by, p.timezone,
		       (SELECT MAX(r.completed_at) FROM pipeline_runs r
		        WHERE r.pipeline_id = p.id AND r.status = 'Success') AS last_success_at
		FROM pipelines p
		WHERE p.sla_finish_by IS NOT NULL
	`); err != nil {
		return nil, coreerrors.DataTransfer("list missing-run SLA candidates", err)
	}

	out := make([]*MissingRunCandidate, 0, len(rows))
	for _, r := range rows {
		out = append(out, &MissingRunCandidate{
			PipelineID: r.PipelineID, FinishBy: r.FinishBy, Timezone: r.Timezone,
			LastSuccessAt: r.LastSuccessAt,
		})
	}
	return out, nil
}

func (s *PostgresStore) RecordSLABreach(ctx context.Context, breach SLABreach) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO sla_breaches (run_id, pipeline_id, reason, detected_at)
		VALUES ($1,$2,$3,$4)
	`, breach.RunID, breach.PipelineID, breach.Reason, breach.DetectedAt)
	if err != nil {
		return coreerrors.DataTransfer("record sla breach", err)
	}
	return nil
}
