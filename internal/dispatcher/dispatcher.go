package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	coreerrors "github.com/synqx/pipeline-core/internal/core/errors"
	"github.com/synqx/pipeline-core/internal/metrics"
	"github.com/synqx/pipeline-core/internal/model"
	"github.com/synqx/pipeline-core/internal/state"
)

// LeasePayload is what Poll returns for a leased pipeline job: the DAG
// payload + resolved connection blob map an agent needs to run §4.6
// without any further dispatcher round trip (spec §6 DAG payload
// schema).
type LeasePayload struct {
	Job         *model.Job
	Run         *model.PipelineRun
	Version     *model.PipelineVersion
	Connections map[string]any
	MaxRetries  int
	TimeoutSecs int
}

// Dispatcher implements spec §4.8's poll/heartbeat/telemetry/report
// operations on top of a Store and the shared State Manager.
type Dispatcher struct {
	Store    Store
	State    *state.Manager
	Balancer *Balancer
}

// New builds a Dispatcher. balancer may be nil if agent-group soft
// assignment is not wired (direct-lease polling still works).
func New(store Store, sm *state.Manager, balancer *Balancer) *Dispatcher {
	return &Dispatcher{Store: store, State: sm, Balancer: balancer}
}

// Poll implements spec §4.8's primary operation: lease a pipeline job
// first, falling back to the ephemeral queue, returning (nil, nil, nil)
// when neither queue has eligible work (`{job:null}` on the wire).
func (d *Dispatcher) Poll(ctx context.Context, agent *model.Agent, tags []string) (*LeasePayload, *model.EphemeralJob, error) {
	jobStart := time.Now()
	job, err := d.Store.LeaseJob(ctx, agent.WorkspaceID, agent.ClientID, tags)
	switch {
	case err == nil:
		payload, perr := d.buildPayload(ctx, job)
		metrics.LeaseLatency.WithLabelValues("job").Observe(time.Since(jobStart).Seconds())
		if perr != nil {
			// Payload construction failed: roll the job back to Queued
			// so the next poll can retry it (spec §4.8 step 5).
			_ = d.Store.UpdateJobStatus(ctx, job.ID, model.JobQueued, "", 0)
			metrics.LeaseAttempts.WithLabelValues("job", "error").Inc()
			return nil, nil, perr
		}
		if d.Balancer != nil {
			// Best-effort: a Redis hiccup here must never fail a
			// successful lease, it only leaves the soft counter stale
			// until the next heartbeat resyncs it.
			_ = d.Balancer.IncrementInFlight(ctx, agent.WorkspaceID, agent.ClientID, 1)
		}
		metrics.LeaseAttempts.WithLabelValues("job", "leased").Inc()
		return payload, nil, nil
	case errors.Is(err, ErrNoJob):
		metrics.LeaseLatency.WithLabelValues("job").Observe(time.Since(jobStart).Seconds())
		// fall through to the ephemeral queue
	default:
		metrics.LeaseAttempts.WithLabelValues("job", "error").Inc()
		return nil, nil, err
	}

	ephemeralStart := time.Now()
	ephemeral, err := d.Store.LeaseEphemeralJob(ctx, agent.WorkspaceID, agent.ClientID, tags)
	metrics.LeaseLatency.WithLabelValues("ephemeral").Observe(time.Since(ephemeralStart).Seconds())
	switch {
	case err == nil:
		metrics.LeaseAttempts.WithLabelValues("ephemeral", "leased").Inc()
		return nil, ephemeral, nil
	case errors.Is(err, ErrNoJob):
		metrics.LeaseAttempts.WithLabelValues("job", "empty").Inc()
		metrics.LeaseAttempts.WithLabelValues("ephemeral", "empty").Inc()
		return nil, nil, nil
	default:
		metrics.LeaseAttempts.WithLabelValues("ephemeral", "error").Inc()
		return nil, nil, err
	}
}

// buildPayload constructs the run + DAG + connections for a freshly
// leased job. It runs after LeaseJob's transaction has committed, so it
// is not part of that transaction: on any failure Poll sets the job's
// status back to Queued with a separate update, and rows written here
// before the failure (the pipeline run, step runs) are not removed.
func (d *Dispatcher) buildPayload(ctx context.Context, job *model.Job) (*LeasePayload, error) {
	runNumber, err := d.Store.NextRunNumber(ctx, job.PipelineID)
	if err != nil {
		return nil, err
	}

	run := &model.PipelineRun{
		ID:         uuid.NewString(),
		JobID:      job.ID,
		PipelineID: job.PipelineID,
		RunNumber:  runNumber,
		Status:     model.RunPending,
		StartedAt:  time.Now().UTC(),
	}

	version, err := d.Store.LoadPipelineVersion(ctx, job.PipelineID, job.PipelineVersion)
	if err != nil {
		return nil, err
	}
	run.TotalNodes = len(version.Nodes)

	conns, err := d.Store.ResolveConnections(ctx, job.PipelineID)
	if err != nil {
		return nil, coreerrors.Configuration("resolve connection secrets for "+job.PipelineID, err)
	}

	if err := d.Store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	if err := d.State.InitializeRun(ctx, run); err != nil {
		return nil, err
	}
	// Pre-register every node's StepRun so the Telemetry Ingress can
	// apply wire updates (which only carry node_id, not run_id) by
	// looking the run up through the dispatcher's job->run cache.
	for _, n := range version.Nodes {
		if _, err := d.State.CreateStepRun(ctx, run, n); err != nil {
			return nil, err
		}
	}

	return &LeasePayload{
		Job: job, Run: run, Version: version, Connections: conns,
		MaxRetries:  defaultMaxRetries,
		TimeoutSecs: defaultJobTimeoutSecs,
	}, nil
}

// Job-level retry/timeout are not modeled per-pipeline in this core
// (spec.md §1 excludes pipeline authoring); every leased job gets the
// same operational defaults until an authoring surface supplies its own.
const (
	defaultMaxRetries    = 3
	defaultJobTimeoutSecs = 3600
)

// Heartbeat persists the agent's liveness and resource snapshot and
// records it with the load balancer, if configured (spec §4.8
// secondary operations, §4.9 step 2).
func (d *Dispatcher) Heartbeat(ctx context.Context, agent *model.Agent) error {
	agent.LastHeartbeat = time.Now().UTC()
	if err := d.Store.SaveHeartbeat(ctx, agent); err != nil {
		return err
	}
	if d.Balancer != nil {
		return d.Balancer.RecordHeartbeat(ctx, agent)
	}
	return nil
}

// ReportJobStatus is the Job's terminal (or running) status callback
// (spec §4.8 secondary operations).
func (d *Dispatcher) ReportJobStatus(ctx context.Context, jobID string, status model.JobStatus, errMsg string, execMS int64) error {
	if err := d.Store.UpdateJobStatus(ctx, jobID, status, errMsg, execMS); err != nil {
		return err
	}
	if d.Balancer != nil && isTerminal(status) {
		if job, err := d.Store.GetJob(ctx, jobID); err == nil && job.WorkerID != "" {
			_ = d.Balancer.IncrementInFlight(ctx, job.WorkspaceID, job.WorkerID, -1)
		}
	}
	return nil
}

// ReportEphemeralStatus is the ephemeral-task terminal status callback
// (spec §4.9.4): it updates the ephemeral_jobs row directly rather than
// the Jobs/PipelineRuns state machine.
func (d *Dispatcher) ReportEphemeralStatus(ctx context.Context, jobID string, status model.JobStatus, result map[string]any, errMsg string) error {
	if err := d.Store.UpdateEphemeralJobStatus(ctx, jobID, status, result, errMsg); err != nil {
		return err
	}
	if d.Balancer != nil && isTerminal(status) {
		if job, err := d.Store.GetEphemeralJob(ctx, jobID); err == nil && job.WorkerID != "" {
			_ = d.Balancer.IncrementInFlight(ctx, job.WorkspaceID, job.WorkerID, -1)
		}
	}
	return nil
}

func isTerminal(status model.JobStatus) bool {
	return status == model.JobSuccess || status == model.JobFailed || status == model.JobCancelled
}
