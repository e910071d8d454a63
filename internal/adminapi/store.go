// Package adminapi implements the minimal API-trigger path spec.md's
// control flow references ("a scheduler (or API trigger) enqueues a
// Job"): POST /pipelines/{id}/trigger and GET /jobs/{id}, routed with
// gin-gonic/gin and bearer-authenticated with golang-jwt/jwt/v5.
//
// Grounded on original_source/backend/app/api/v1/endpoints/jobs.py,
// narrowed to the trigger + get-job surface this core owns; workspace
// membership, job listing/cancel/retry and the forensic/quarantine
// browsing endpoints stay out of scope (spec.md §1 Non-goals).
package adminapi

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	coreerrors "github.com/synqx/pipeline-core/internal/core/errors"
	"github.com/synqx/pipeline-core/internal/dispatcher"
	"github.com/synqx/pipeline-core/internal/model"
)

// ErrPipelineNotFound is returned by Store.TriggerPipeline when no
// such pipeline exists in the caller's workspace.
var ErrPipelineNotFound = errors.New("adminapi: pipeline not found")

// ErrJobNotFound is returned by Store.GetJob for an unknown job id.
var ErrJobNotFound = errors.New("adminapi: job not found")

// Store is the persistence boundary the admin API reads and enqueues
// through.
type Store interface {
	TriggerPipeline(ctx context.Context, workspaceID, pipelineID string) (*model.Job, error)
	GetJob(ctx context.Context, workspaceID, jobID string) (*model.Job, error)
}

// PostgresStore is the sqlx-backed Store.
type PostgresStore struct {
	DB *sqlx.DB
	// Balancer soft-assigns a triggered job to the least-loaded member
	// of the pipeline's agent_group, if one is configured (spec §4.8
	// "Load balancing"). May be nil, in which case group-targeted
	// pipelines trigger unassigned, same as before this was wired.
	Balancer *dispatcher.Balancer
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{DB: db}
}

func (s *PostgresStore) TriggerPipeline(ctx context.Context, workspaceID, pipelineID string) (*model.Job, error) {
	var p struct {
		ActiveVersion int    `db:"active_version"`
		QueueName     string `db:"queue_name"`
		AgentGroup    string `db:"agent_group"`
	}
	err := s.DB.GetContext(ctx, &p, `
		SELECT active_version, queue_name, agent_group FROM pipelines WHERE id = $1 AND workspace_id = $2
	`, pipelineID, workspaceID)
	if err != nil {
		return nil, ErrPipelineNotFound
	}

	var preferredWorkerID string
	if s.Balancer != nil && p.AgentGroup != "" {
		// Advisory only: a Redis lookup failure must never block the
		// trigger, it only means the job leases unassigned.
		if agentID, err := s.Balancer.SelectAgent(ctx, workspaceID, p.AgentGroup); err == nil {
			preferredWorkerID = agentID
		}
	}

	job := &model.Job{
		ID:                uuid.NewString(),
		PipelineID:        pipelineID,
		PipelineVersion:   p.ActiveVersion,
		Status:            model.JobQueued,
		WorkspaceID:       workspaceID,
		QueueName:         p.QueueName,
		PreferredWorkerID: preferredWorkerID,
		CreatedAt:         time.Now().UTC(),
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO jobs (id, pipeline_id, pipeline_version, status, workspace_id, queue_name, preferred_worker_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, job.ID, job.PipelineID, job.PipelineVersion, job.Status, job.WorkspaceID, job.QueueName,
		job.PreferredWorkerID, job.CreatedAt)
	if err != nil {
		return nil, coreerrors.DataTransfer("insert triggered job", err)
	}
	return job, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, workspaceID, jobID string) (*model.Job, error) {
	var job model.Job
	row := s.DB.QueryRowxContext(ctx, `
		SELECT id, pipeline_id, pipeline_version, status, correlation_id, retry_count,
		       priority, queue_name, workspace_id, worker_id, created_at, started_at,
		       completed_at, execution_time_ms, backfill_start, backfill_end, error_message
		FROM jobs WHERE id = $1 AND workspace_id = $2
	`, jobID, workspaceID)
	if err := row.Scan(&job.ID, &job.PipelineID, &job.PipelineVersion, &job.Status, &job.CorrelationID,
		&job.RetryCount, &job.Priority, &job.QueueName, &job.WorkspaceID, &job.WorkerID, &job.CreatedAt,
		&job.StartedAt, &job.CompletedAt, &job.ExecutionTimeMS, &job.BackfillStart, &job.BackfillEnd,
		&job.ErrorMessage); err != nil {
		return nil, ErrJobNotFound
	}
	return &job, nil
}
