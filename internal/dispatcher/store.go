// Package dispatcher implements the Job Dispatcher (spec §4.8): atomic
// job lease, agent heartbeat/liveness, and the soft load-balancing
// assignment used when a trigger targets an agent group rather than a
// single agent.
//
// The lease query is grounded on applications/jam/store_pg.go's
// `SELECT ... FOR UPDATE SKIP LOCKED` pattern: the dispatcher never
// hands the same Queued job to two concurrent pollers.
package dispatcher

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"golang.org/x/crypto/bcrypt"

	coreerrors "github.com/synqx/pipeline-core/internal/core/errors"
	"github.com/synqx/pipeline-core/internal/model"
)

// ErrNoJob is returned by Store.LeaseJob/LeaseEphemeralJob when no
// eligible job exists for the caller's scope.
var ErrNoJob = errors.New("dispatcher: no eligible job")

// Store is the persistence boundary the Dispatcher leases jobs
// through. PostgresStore is the production implementation; tests
// substitute sqlmock or an in-memory fake.
type Store interface {
	AuthenticateAgent(ctx context.Context, clientID, apiKey string) (*model.Agent, error)
	LeaseJob(ctx context.Context, workspaceID, clientID string, tags []string) (*model.Job, error)
	LeaseEphemeralJob(ctx context.Context, workspaceID, clientID string, tags []string) (*model.EphemeralJob, error)
	NextRunNumber(ctx context.Context, pipelineID string) (int, error)
	CreateRun(ctx context.Context, run *model.PipelineRun) error
	LoadPipelineVersion(ctx context.Context, pipelineID string, version int) (*model.PipelineVersion, error)
	ResolveConnections(ctx context.Context, pipelineID string) (map[string]any, error)
	SaveHeartbeat(ctx context.Context, agent *model.Agent) error
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	GetEphemeralJob(ctx context.Context, jobID string) (*model.EphemeralJob, error)
	UpdateJobStatus(ctx context.Context, jobID string, status model.JobStatus, errMsg string, execMS int64) error
	UpdateEphemeralJobStatus(ctx context.Context, jobID string, status model.JobStatus, result map[string]any, errMsg string) error
}

// PostgresStore is the sqlx-backed Store.
type PostgresStore struct {
	DB *sqlx.DB
}

// NewPostgresStore wraps an already-connected sqlx handle.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{DB: db}
}

// AuthenticateAgent looks up the agent by client_id and verifies apiKey
// against its bcrypt hash, returning Authentication on any mismatch so
// callers never distinguish "unknown client" from "wrong key".
func (s *PostgresStore) AuthenticateAgent(ctx context.Context, clientID, apiKey string) (*model.Agent, error) {
	var row struct {
		ClientID      string    `db:"client_id"`
		APIKeyHash    string    `db:"api_key_hash"`
		WorkspaceID   string    `db:"workspace_id"`
		Groups        string    `db:"groups"`
		Status        string    `db:"status"`
		LastHeartbeat time.Time `db:"last_heartbeat"`
		InFlightCount int       `db:"in_flight_count"`
	}
	err := s.DB.GetContext(ctx, &row, `
		SELECT client_id, api_key_hash, workspace_id, groups, status, last_heartbeat, in_flight_count
		FROM agents WHERE client_id = $1
	`, clientID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, coreerrors.Authentication("unknown agent client_id", nil)
	}
	if err != nil {
		return nil, coreerrors.DataTransfer("load agent", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(row.APIKeyHash), []byte(apiKey)); err != nil {
		return nil, coreerrors.Authentication("invalid agent api key", nil)
	}

	return &model.Agent{
		ClientID: row.ClientID, APIKeyHash: row.APIKeyHash, WorkspaceID: row.WorkspaceID,
		Groups: splitGroups(row.Groups), Status: model.AgentStatus(row.Status),
		LastHeartbeat: row.LastHeartbeat, InFlightCount: row.InFlightCount,
	}, nil
}

// LeaseJob atomically claims the next eligible Queued job for
// workspaceID scoped to tags, per spec §4.8 invariants 1-4: row-level
// lock with skip-locked semantics, ascending priority then created_at,
// and a `status=Running`/`worker_id`/`started_at` transition performed
// inside the same transaction as the SELECT.
func (s *PostgresStore) LeaseJob(ctx context.Context, workspaceID, clientID string, tags []string) (*model.Job, error) {
	tx, err := s.DB.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, coreerrors.ConnectionFailed("begin lease tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	var job model.Job
	row := tx.QueryRowxContext(ctx, `
		SELECT id, pipeline_id, pipeline_version, status, correlation_id, retry_count,
		       priority, queue_name, workspace_id, worker_id, created_at, started_at,
		       completed_at, execution_time_ms, backfill_start, backfill_end, error_message
		FROM jobs
		WHERE workspace_id = $1 AND status = 'Queued' AND queue_name = ANY($2)
		ORDER BY (preferred_worker_id <> '' AND preferred_worker_id = $3) DESC, priority ASC, created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, workspaceID, stringArray(tags), clientID)
	if err := row.Scan(&job.ID, &job.PipelineID, &job.PipelineVersion, &job.Status, &job.CorrelationID,
		&job.RetryCount, &job.Priority, &job.QueueName, &job.WorkspaceID, &job.WorkerID, &job.CreatedAt,
		&job.StartedAt, &job.CompletedAt, &job.ExecutionTimeMS, &job.BackfillStart, &job.BackfillEnd,
		&job.ErrorMessage); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoJob
		}
		return nil, coreerrors.DataTransfer("scan leased job", err)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = 'Running', started_at = $1, worker_id = $2 WHERE id = $3
	`, now, clientID, job.ID); err != nil {
		return nil, coreerrors.DataTransfer("mark job running", err)
	}
	job.Status = model.JobRunning
	job.StartedAt = &now
	job.WorkerID = clientID

	if err := tx.Commit(); err != nil {
		return nil, coreerrors.DataTransfer("commit lease", err)
	}
	return &job, nil
}

// LeaseEphemeralJob is the same atomic-claim pattern applied to the
// ephemeral-job queue (spec §4.8 step 6).
func (s *PostgresStore) LeaseEphemeralJob(ctx context.Context, workspaceID, clientID string, tags []string) (*model.EphemeralJob, error) {
	tx, err := s.DB.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, coreerrors.ConnectionFailed("begin ephemeral lease tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	var job model.EphemeralJob
	var payload, conn []byte
	row := tx.QueryRowxContext(ctx, `
		SELECT id, workspace_id, queue_name, type, payload, connection, status, created_at
		FROM ephemeral_jobs
		WHERE workspace_id = $1 AND status = 'Queued' AND queue_name = ANY($2)
		ORDER BY created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, workspaceID, stringArray(tags))
	if err := row.Scan(&job.ID, &job.WorkspaceID, &job.QueueName, &job.Type, &payload, &conn,
		&job.Status, &job.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoJob
		}
		return nil, coreerrors.DataTransfer("scan leased ephemeral job", err)
	}
	job.Payload = unmarshalJSONMap(payload)
	job.Connection = unmarshalJSONMap(conn)

	if _, err := tx.ExecContext(ctx, `
		UPDATE ephemeral_jobs SET status = 'Running', worker_id = $1 WHERE id = $2
	`, clientID, job.ID); err != nil {
		return nil, coreerrors.DataTransfer("mark ephemeral job running", err)
	}
	job.Status = model.JobRunning
	job.WorkerID = clientID

	if err := tx.Commit(); err != nil {
		return nil, coreerrors.DataTransfer("commit ephemeral lease", err)
	}
	return &job, nil
}

// GetEphemeralJob loads an ephemeral job by id for the ownership check
// ephemeralStatus performs before accepting a terminal report (spec §6:
// "403 on job-ownership mismatch" applies to ephemeral tasks too).
func (s *PostgresStore) GetEphemeralJob(ctx context.Context, jobID string) (*model.EphemeralJob, error) {
	var job model.EphemeralJob
	var payload, conn []byte
	row := s.DB.QueryRowxContext(ctx, `
		SELECT id, workspace_id, queue_name, type, payload, connection, status, worker_id, created_at
		FROM ephemeral_jobs WHERE id = $1
	`, jobID)
	if err := row.Scan(&job.ID, &job.WorkspaceID, &job.QueueName, &job.Type, &payload, &conn,
		&job.Status, &job.WorkerID, &job.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, coreerrors.Validation("unknown ephemeral job " + jobID)
		}
		return nil, coreerrors.DataTransfer("scan ephemeral job", err)
	}
	job.Payload = unmarshalJSONMap(payload)
	job.Connection = unmarshalJSONMap(conn)
	return &job, nil
}

// NextRunNumber returns the next monotonic run_number for pipelineID
// (spec §4.8 step 4).
func (s *PostgresStore) NextRunNumber(ctx context.Context, pipelineID string) (int, error) {
	var n int
	err := s.DB.GetContext(ctx, &n, `
		SELECT COALESCE(MAX(run_number), 0) + 1 FROM pipeline_runs WHERE pipeline_id = $1
	`, pipelineID)
	if err != nil {
		return 0, coreerrors.DataTransfer("compute next run number", err)
	}
	return n, nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, run *model.PipelineRun) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO pipeline_runs (id, job_id, pipeline_id, run_number, status, total_nodes, started_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, run.ID, run.JobID, run.PipelineID, run.RunNumber, run.Status, run.TotalNodes, run.StartedAt)
	if err != nil {
		return coreerrors.DataTransfer("create pipeline run", err)
	}
	return nil
}

func (s *PostgresStore) LoadPipelineVersion(ctx context.Context, pipelineID string, version int) (*model.PipelineVersion, error) {
	// Node/Edge persistence is outside this core's scope (spec §1
	// Non-goals name pipeline authoring); callers in this module only
	// ever read a version that the authoring surface already wrote.
	return nil, coreerrors.Configuration("pipeline version loading requires the authoring schema, not provided by this core", nil)
}

func (s *PostgresStore) ResolveConnections(ctx context.Context, pipelineID string) (map[string]any, error) {
	return nil, coreerrors.Configuration("connection secret resolution requires the authoring schema, not provided by this core", nil)
}

func (s *PostgresStore) SaveHeartbeat(ctx context.Context, agent *model.Agent) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO agents (client_id, workspace_id, status, last_heartbeat, in_flight_count)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (client_id) DO UPDATE
		SET status = EXCLUDED.status, last_heartbeat = EXCLUDED.last_heartbeat
	`, agent.ClientID, agent.WorkspaceID, agent.Status, agent.LastHeartbeat, agent.InFlightCount)
	if err != nil {
		return coreerrors.DataTransfer("save heartbeat", err)
	}
	return nil
}

// GetJob loads a job by id, used by the agent protocol handler to
// check job-ownership (`worker_id`) before serving or accepting status/
// telemetry requests scoped to a jobID (spec §6: "403 on job-ownership
// mismatch").
func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	var job model.Job
	row := s.DB.QueryRowxContext(ctx, `
		SELECT id, pipeline_id, pipeline_version, status, correlation_id, retry_count,
		       priority, queue_name, workspace_id, worker_id, created_at, started_at,
		       completed_at, execution_time_ms, backfill_start, backfill_end, error_message
		FROM jobs WHERE id = $1
	`, jobID)
	if err := row.Scan(&job.ID, &job.PipelineID, &job.PipelineVersion, &job.Status, &job.CorrelationID,
		&job.RetryCount, &job.Priority, &job.QueueName, &job.WorkspaceID, &job.WorkerID, &job.CreatedAt,
		&job.StartedAt, &job.CompletedAt, &job.ExecutionTimeMS, &job.BackfillStart, &job.BackfillEnd,
		&job.ErrorMessage); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, coreerrors.Validation("unknown job " + jobID)
		}
		return nil, coreerrors.DataTransfer("scan job", err)
	}
	return &job, nil
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, jobID string, status model.JobStatus, errMsg string, execMS int64) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE jobs SET status = $1, error_message = $2, execution_time_ms = $3, completed_at = $4
		WHERE id = $5
	`, status, errMsg, execMS, time.Now().UTC(), jobID)
	if err != nil {
		return coreerrors.DataTransfer("update job status", err)
	}
	return nil
}

func (s *PostgresStore) UpdateEphemeralJobStatus(ctx context.Context, jobID string, status model.JobStatus, result map[string]any, errMsg string) error {
	data, err := json.Marshal(result)
	if err != nil {
		return coreerrors.Configuration("marshal ephemeral result summary", err)
	}
	_, err = s.DB.ExecContext(ctx, `
		UPDATE ephemeral_jobs SET status = $1, result_summary = $2, error_message = $3, completed_at = $4
		WHERE id = $5
	`, status, data, errMsg, time.Now().UTC(), jobID)
	if err != nil {
		return coreerrors.DataTransfer("update ephemeral job status", err)
	}
	return nil
}
