package state

import (
	"context"
	"encoding/json"

	"github.com/jmoiron/sqlx"

	coreerrors "github.com/synqx/pipeline-core/internal/core/errors"
	"github.com/synqx/pipeline-core/internal/model"
)

// PostgresStore is the sqlx-backed Store, persisting PipelineRuns and
// StepRuns into the pipeline_runs/step_runs tables (migrations
// 000003_runs.up.sql) so run/step history survives a process restart,
// following dispatcher.PostgresStore's upsert-by-primary-key style.
type PostgresStore struct {
	DB *sqlx.DB
}

// NewPostgresStore wraps an already-connected sqlx handle.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{DB: db}
}

// SaveRun upserts run by id, called from every State Manager
// transition (InitializeRun, CompleteRun, FailRun, CancelRun).
func (s *PostgresStore) SaveRun(ctx context.Context, run *model.PipelineRun) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO pipeline_runs (
			id, job_id, pipeline_id, run_number, status, total_nodes,
			total_extracted, total_loaded, total_failed, bytes_processed,
			started_at, ended_at, error_message, failed_step_id
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			total_extracted = EXCLUDED.total_extracted,
			total_loaded = EXCLUDED.total_loaded,
			total_failed = EXCLUDED.total_failed,
			bytes_processed = EXCLUDED.bytes_processed,
			ended_at = EXCLUDED.ended_at,
			error_message = EXCLUDED.error_message,
			failed_step_id = EXCLUDED.failed_step_id
	`, run.ID, run.JobID, run.PipelineID, run.RunNumber, run.Status, run.TotalNodes,
		run.TotalExtracted, run.TotalLoaded, run.TotalFailed, run.BytesProcessed,
		run.StartedAt, run.EndedAt, run.ErrorMessage, run.FailedStepID)
	if err != nil {
		return coreerrors.DataTransfer("save pipeline run", err)
	}
	return nil
}

// SaveStep upserts step by (pipeline_run_id, node_id), matching the
// State Manager's own CreateStepRun/UpdateStepStatus idempotency.
func (s *PostgresStore) SaveStep(ctx context.Context, step *model.StepRun) error {
	sample, err := marshalSample(step.SampleData)
	if err != nil {
		return coreerrors.Configuration("marshal step sample data", err)
	}
	quality, err := json.Marshal(step.QualityProfile)
	if err != nil {
		return coreerrors.Configuration("marshal step quality profile", err)
	}

	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO step_runs (
			id, pipeline_run_id, node_id, operator_type, order_index, status,
			records_in, records_out, records_filtered, records_error, bytes_processed,
			cpu_percent, memory_mb, sample_data, quality_profile, retry_count,
			error_kind, error_message, started_at, ended_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
		ON CONFLICT (pipeline_run_id, node_id) DO UPDATE SET
			status = EXCLUDED.status,
			records_in = EXCLUDED.records_in,
			records_out = EXCLUDED.records_out,
			records_filtered = EXCLUDED.records_filtered,
			records_error = EXCLUDED.records_error,
			bytes_processed = EXCLUDED.bytes_processed,
			cpu_percent = EXCLUDED.cpu_percent,
			memory_mb = EXCLUDED.memory_mb,
			sample_data = EXCLUDED.sample_data,
			quality_profile = EXCLUDED.quality_profile,
			retry_count = EXCLUDED.retry_count,
			error_kind = EXCLUDED.error_kind,
			error_message = EXCLUDED.error_message,
			started_at = EXCLUDED.started_at,
			ended_at = EXCLUDED.ended_at
	`, step.ID, step.PipelineRunID, step.NodeID, step.OperatorType, step.OrderIndex, step.Status,
		step.RecordsIn, step.RecordsOut, step.RecordsFiltered, step.RecordsError, step.BytesProcessed,
		step.CPUPercent, step.MemoryMB, sample, quality, step.RetryCount,
		step.ErrorKind, step.ErrorMessage, step.StartedAt, step.EndedAt)
	if err != nil {
		return coreerrors.DataTransfer("save step run", err)
	}
	return nil
}

func marshalSample(s *model.SampleRows) ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal(s)
}
