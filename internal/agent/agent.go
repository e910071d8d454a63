package agent

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/synqx/pipeline-core/internal/dag"
	"github.com/synqx/pipeline-core/internal/executor"
	"github.com/synqx/pipeline-core/internal/model"
	"github.com/synqx/pipeline-core/internal/runner"
)

// ConnectorBuilder resolves a connector from a node's connection blob,
// the agent-side half of the dispatcher's connection resolution.
type ConnectorBuilder func(node *model.Node, connections map[string]any) (executor.Connector, error)

// Agent drives the single-process, cooperative event loop of spec
// §4.9: heartbeat, long-poll, dispatch, sleep, repeat.
type Agent struct {
	Client            *Client
	Tags              []string
	Runner            *runner.Runner
	Ephemeral         *EphemeralRegistry
	Sandbox           *Sandbox
	Throttle          *TelemetryThrottle
	ConnectorBuilder  ConnectorBuilder
	Log               zerolog.Logger
	HeartbeatInterval time.Duration
	IdleSleep         time.Duration
	MaxBackoff        time.Duration
}

// New builds an Agent with spec §4.9's default cadence (30s heartbeat,
// 2s idle sleep, 30s max backoff).
func New(client *Client, tags []string, r *runner.Runner, log zerolog.Logger) *Agent {
	return &Agent{
		Client:            client,
		Tags:              tags,
		Runner:            r,
		Ephemeral:         NewEphemeralRegistry(),
		Throttle:          NewTelemetryThrottle(2 * time.Second),
		Log:               log,
		HeartbeatInterval: 30 * time.Second,
		IdleSleep:         2 * time.Second,
		MaxBackoff:        30 * time.Second,
	}
}

// Run executes the event loop until ctx is cancelled. Callers install
// their own signal handling around ctx (spec §4.9 step 1) and should
// send a final Offline heartbeat after Run returns.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.Client.Heartbeat(ctx, collectSystemInfo(ctx)); err != nil {
		return err
	}

	go a.heartbeatLoop(ctx)
	if a.Throttle != nil {
		go a.Throttle.runFlushLoop(ctx, func(upd StepTelemetry) {
			_ = a.Client.ReportStep(ctx, upd.NodeID, upd)
		})
	}

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		resp, err := a.Client.Poll(ctx, a.Tags)
		if err != nil {
			if errors.Is(err, ErrUnauthorized) {
				a.Log.Error().Err(err).Msg("dispatcher rejected credentials, exiting")
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			a.Log.Warn().Err(err).Dur("backoff", backoff).Msg("poll failed, backing off")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > a.MaxBackoff {
				backoff = a.MaxBackoff
			}
			continue
		}
		backoff = time.Second

		switch {
		case resp.Job != nil:
			a.runJob(ctx, resp.Job)
		case resp.Ephemeral != nil:
			a.runEphemeral(ctx, resp.Ephemeral)
		default:
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(a.IdleSleep):
			}
		}
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Client.Heartbeat(ctx, collectSystemInfo(ctx)); err != nil {
				a.Log.Warn().Err(err).Msg("heartbeat failed")
			}
		}
	}
}

func (a *Agent) runJob(ctx context.Context, job *JobPayload) {
	start := time.Now()
	g := dag.New()
	for _, n := range job.DAG.Nodes {
		if err := g.AddNode(n); err != nil {
			a.reportJobFailure(ctx, job.ID, start, err)
			return
		}
	}
	for _, e := range job.DAG.Edges {
		if err := g.AddEdge(e); err != nil {
			a.reportJobFailure(ctx, job.ID, start, err)
			return
		}
	}

	run := &model.PipelineRun{ID: job.RunID, JobID: job.ID, PipelineID: job.PipelineID, Status: model.RunRunning, StartedAt: start}
	timeout := time.Duration(job.Config.TimeoutSeconds) * time.Second

	if a.ConnectorBuilder != nil {
		a.Runner.ResolveConnector = func(node *model.Node) (executor.Connector, error) {
			return a.ConnectorBuilder(node, job.Connections)
		}
	}

	if err := a.Runner.Run(ctx, g, run, timeout); err != nil {
		a.reportJobFailure(ctx, job.ID, start, err)
		return
	}

	_ = a.Client.ReportJobStatus(ctx, job.ID, JobStatusUpdate{
		Status:          "success",
		ExecutionTimeMS: time.Since(start).Milliseconds(),
		TotalRecords:    run.TotalExtracted + run.TotalLoaded,
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *Agent) reportJobFailure(ctx context.Context, jobID string, start time.Time, err error) {
	_ = a.Client.ReportJobStatus(ctx, jobID, JobStatusUpdate{
		Status:          "failed",
		Message:         err.Error(),
		ExecutionTimeMS: time.Since(start).Milliseconds(),
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *Agent) runEphemeral(ctx context.Context, payload *EphemeralPayload) {
	start := time.Now()

	var conn executor.Connector
	var err error
	if a.ConnectorBuilder != nil {
		conn, err = a.ConnectorBuilder(nil, payload.Connection)
	}
	if err != nil {
		_ = a.Client.ReportEphemeralStatus(ctx, payload.ID, EphemeralStatusUpdate{
			Status: "failed", ErrorMessage: err.Error(), ExecutionTimeMS: time.Since(start).Milliseconds(),
		})
		return
	}

	result, err := a.Ephemeral.Run(ctx, payload.Type, &EphemeralTask{Payload: payload.Payload, Connector: conn, Sandbox: a.Sandbox})
	if err != nil {
		_ = a.Client.ReportEphemeralStatus(ctx, payload.ID, EphemeralStatusUpdate{
			Status: "failed", ErrorMessage: err.Error(), ExecutionTimeMS: time.Since(start).Milliseconds(),
		})
		return
	}

	_ = a.Client.ReportEphemeralStatus(ctx, payload.ID, EphemeralStatusUpdate{
		Status:          "success",
		ResultSummary:   result,
		ExecutionTimeMS: time.Since(start).Milliseconds(),
	})
}

// reportStepTelemetry is the Runner→Agent telemetry sink: it pushes
// through the throttle, sending immediately when admitted.
func (a *Agent) reportStepTelemetry(ctx context.Context, jobID string, upd StepTelemetry) {
	if send, out := a.Throttle.Offer(upd); send {
		_ = a.Client.ReportStep(ctx, jobID, out)
	}
}

// Publisher implements state.Publisher by shaping each StepRun update
// into the wire StepTelemetry body and routing it through the
// telemetry throttle (spec §4.9 step 6). The State Manager the Runner
// was built with must be constructed with this as its Publisher.
type Publisher struct {
	Agent *Agent
}

func (p *Publisher) PublishStepUpdate(ctx context.Context, run *model.PipelineRun, step model.StepRun) {
	upd := StepTelemetry{
		NodeID:          step.NodeID,
		Status:          string(step.Status),
		RecordsIn:       step.RecordsIn,
		RecordsOut:      step.RecordsOut,
		RecordsFiltered: step.RecordsFiltered,
		RecordsError:    step.RecordsError,
		BytesProcessed:  step.BytesProcessed,
		CPUPercent:      step.CPUPercent,
		MemoryMB:        step.MemoryMB,
		ErrorMessage:    step.ErrorMessage,
	}
	if step.SampleData != nil {
		upd.SampleData = map[string]any{"in": step.SampleData.In, "out": step.SampleData.Out}
	}
	p.Agent.reportStepTelemetry(ctx, run.JobID, upd)
}
