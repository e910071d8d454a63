// Package model defines the data model shared across the DAG engine,
// dispatcher, and agent runtime: pipelines, jobs, runs, and the
// lease/telemetry records that flow between them.
package model

import "time"

// OperatorType classifies what a Node does.
type OperatorType string

const (
	OperatorExtract   OperatorType = "Extract"
	OperatorLoad      OperatorType = "Load"
	OperatorTransform OperatorType = "Transform"
	OperatorJoin      OperatorType = "Join"
	OperatorUnion     OperatorType = "Union"
	OperatorMerge     OperatorType = "Merge"
	OperatorValidate  OperatorType = "Validate"
	OperatorNoop      OperatorType = "Noop"
)

// IsMergePoint reports whether nodes of this type are allowed to have
// more than one incoming edge (DAG Model invariant, spec §3).
func (o OperatorType) IsMergePoint() bool {
	switch o {
	case OperatorMerge, OperatorUnion, OperatorJoin:
		return true
	default:
		return false
	}
}

// SyncMode controls incremental extraction behavior.
type SyncMode string

const (
	SyncFullLoad    SyncMode = "FullLoad"
	SyncIncremental SyncMode = "Incremental"
	SyncCDC         SyncMode = "CDC"
)

// WriteStrategy controls how a Load node writes to its destination.
type WriteStrategy string

const (
	WriteAppend   WriteStrategy = "Append"
	WriteOverwrite WriteStrategy = "Overwrite"
	WriteUpsert   WriteStrategy = "Upsert"
)

// SchemaEvolutionPolicy controls how a Load node reacts to unknown
// destination columns.
type SchemaEvolutionPolicy string

const (
	SchemaStrict SchemaEvolutionPolicy = "Strict"
	SchemaEvolve SchemaEvolutionPolicy = "Evolve"
	SchemaIgnore SchemaEvolutionPolicy = "Ignore"
)

// RetryStrategy names a backoff shape for per-node retries.
type RetryStrategy string

const (
	RetryFixed       RetryStrategy = "Fixed"
	RetryLinear      RetryStrategy = "LinearBackoff"
	RetryExponential RetryStrategy = "ExponentialBackoff"
)

// RetryPolicy bundles the per-node retry configuration (spec §3).
type RetryPolicy struct {
	MaxRetries     int           `json:"max_retries"`
	Strategy       RetryStrategy `json:"strategy"`
	BaseDelay      time.Duration `json:"base_delay"`
	MaxDelay       time.Duration `json:"max_delay"`
	TimeoutSeconds int           `json:"timeout_seconds"`
}

// defaultMaxRetryDelay caps backoff for policies that leave MaxDelay unset.
const defaultMaxRetryDelay = 5 * time.Minute

// Delay computes the wait before retry attempt n (1-indexed), per the
// formulas in spec §8: Fixed=base, Linear=base*n, Exponential=base*2^(n-1),
// capped.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxRetryDelay
	}

	var d time.Duration
	switch p.Strategy {
	case RetryLinear:
		d = p.BaseDelay * time.Duration(attempt)
	case RetryExponential:
		// Shift in bounded steps rather than computing 2^(n-1) directly:
		// a large attempt count would overflow int64 long before the
		// cap check below ever runs.
		d = p.BaseDelay
		for i := 1; i < attempt && d < maxDelay; i++ {
			d *= 2
		}
	default:
		d = p.BaseDelay
	}
	if d > maxDelay || d < 0 {
		d = maxDelay
	}
	return d
}

// Node is one vertex of a PipelineVersion's DAG. JSON tags match the
// DAG payload wire schema (spec §6) since Node crosses the
// dispatcher/agent HTTP boundary verbatim.
type Node struct {
	NodeID                string                `json:"node_id"`
	Name                  string                `json:"name"`
	OperatorType          OperatorType          `json:"operator_type"`
	OperatorClass         string                `json:"operator_class"`
	Config                map[string]any        `json:"config"`
	OrderIndex            int                   `json:"order_index"`
	SourceAssetID         string                `json:"source_asset_id,omitempty"`
	DestinationAssetID    string                `json:"destination_asset_id,omitempty"`
	SyncMode              SyncMode              `json:"sync_mode,omitempty"`
	WriteStrategy         WriteStrategy         `json:"write_strategy,omitempty"`
	SchemaEvolutionPolicy SchemaEvolutionPolicy `json:"schema_evolution_policy,omitempty"`
	DataContract          *DataContract         `json:"data_contract,omitempty"`
	QuarantineAssetID     string                `json:"quarantine_asset_id,omitempty"`
	ColumnMapping         map[string]string     `json:"column_mapping,omitempty"`
	IsDynamic             bool                  `json:"is_dynamic,omitempty"`
	MappingExpr           string                `json:"mapping_expr,omitempty"`
	WorkerTag             string                `json:"worker_tag,omitempty"`
	Retry                 RetryPolicy           `json:"retry"`
}

// EdgeType distinguishes a normal data edge from a control-only edge.
type EdgeType string

const (
	EdgeData    EdgeType = "data"
	EdgeControl EdgeType = "control"
)

// Edge is one directed connection between two Nodes in the same version.
type Edge struct {
	FromNodeID string   `json:"from_node_id"`
	ToNodeID   string   `json:"to_node_id"`
	EdgeType   EdgeType `json:"edge_type"`
	Condition  string   `json:"condition,omitempty"`
}

// DataContract is the rule set a Contract Validator applies to a chunk.
type DataContract struct {
	Strict  bool         `json:"strict"`
	Columns []ColumnRule `json:"columns"`
}

// ColumnRule names one column's validation predicates.
type ColumnRule struct {
	Column   string   `json:"column"`
	Required bool     `json:"required,omitempty"`
	Type     string   `json:"type,omitempty"` // integer, float, boolean, datetime, string
	Min      *float64 `json:"min,omitempty"`
	Max      *float64 `json:"max,omitempty"`
	Pattern  string   `json:"pattern,omitempty"`
	Values   []string `json:"values,omitempty"`
}

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobPending   JobStatus = "Pending"
	JobQueued    JobStatus = "Queued"
	JobRunning   JobStatus = "Running"
	JobSuccess   JobStatus = "Success"
	JobFailed    JobStatus = "Failed"
	JobCancelled JobStatus = "Cancelled"
)

// Job is one requested execution of a pipeline version (spec §3).
type Job struct {
	ID              string
	PipelineID      string
	PipelineVersion int
	Status          JobStatus
	CorrelationID   string
	RetryCount      int
	Priority        int
	QueueName       string
	WorkspaceID     string
	WorkerID        string
	// PreferredWorkerID is the Balancer's soft assignment for a
	// group-targeted trigger (spec §4.8 "Load balancing"): LeaseJob
	// biases toward it but never enforces it, any eligible agent can
	// still win the row via the normal SKIP LOCKED race.
	PreferredWorkerID string
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	ExecutionTimeMS int64
	BackfillStart   *time.Time
	BackfillEnd     *time.Time
	ErrorMessage    string
}

// RunStatus is the lifecycle state of a PipelineRun.
type RunStatus string

const (
	RunPending      RunStatus = "Pending"
	RunInitializing RunStatus = "Initializing"
	RunRunning      RunStatus = "Running"
	RunCompleted    RunStatus = "Completed"
	RunFailed       RunStatus = "Failed"
	RunCancelled    RunStatus = "Cancelled"
)

// PipelineRun is one in-flight (or completed) execution (spec §3).
type PipelineRun struct {
	ID             string
	JobID          string
	PipelineID     string
	RunNumber      int
	Status         RunStatus
	TotalNodes     int
	TotalExtracted int64
	TotalLoaded    int64
	TotalFailed    int64
	BytesProcessed int64
	StartedAt      time.Time
	EndedAt        *time.Time
	ErrorMessage   string
	FailedStepID   string
}

// StepStatus is the lifecycle state of a StepRun.
type StepStatus string

const (
	StepPending StepStatus = "Pending"
	StepRunning StepStatus = "Running"
	StepSuccess StepStatus = "Success"
	StepFailed  StepStatus = "Failed"
	StepSkipped StepStatus = "Skipped"
)

// Terminal reports whether a status is Success or Failed, the two states
// State Manager treats as write-once (spec §4.7).
func (s StepStatus) Terminal() bool {
	return s == StepSuccess || s == StepFailed
}

// SampleRows holds a first-N-rows snapshot per direction for forensic
// inspection in the UI (out of this core's scope to render).
type SampleRows struct {
	In  []map[string]any
	Out []map[string]any
}

// StepRun is the execution record of one node within a run (spec §3).
type StepRun struct {
	ID              string
	PipelineRunID   string
	NodeID          string
	OperatorType    OperatorType
	OrderIndex      int
	Status          StepStatus
	RecordsIn       int64
	RecordsOut      int64
	RecordsFiltered int64
	RecordsError    int64
	BytesProcessed  int64
	CPUPercent      float64
	MemoryMB        float64
	SampleData      *SampleRows
	QualityProfile  map[string]any
	RetryCount      int
	ErrorKind       string
	ErrorMessage    string
	StartedAt       *time.Time
	EndedAt         *time.Time
}

// AgentStatus is the liveness state of a remote worker.
type AgentStatus string

const (
	AgentOnline  AgentStatus = "Online"
	AgentBusy    AgentStatus = "Busy"
	AgentOffline AgentStatus = "Offline"
)

// Agent is a registered remote worker identity (spec §3).
type Agent struct {
	ClientID      string
	APIKeyHash    string
	WorkspaceID   string
	Groups        []string
	Status        AgentStatus
	LastHeartbeat time.Time
	InFlightCount int
}

// HasGroup reports whether the agent belongs to the named group.
func (a Agent) HasGroup(group string) bool {
	for _, g := range a.Groups {
		if g == group {
			return true
		}
	}
	return false
}

// SLAConfig names the Scheduler's breach thresholds for a pipeline
// (spec §4.11).
type SLAConfig struct {
	MaxDuration time.Duration
	FinishBy    string // "HH:MM" wall-clock in the pipeline's timezone, empty disables
}

// Pipeline is the schedulable, versioned unit the Scheduler and Job
// Dispatcher operate on (spec §3).
type Pipeline struct {
	ID                string
	WorkspaceID       string
	Name              string
	ActiveVersion     int
	QueueName         string
	AgentGroup        string
	ScheduleEnabled   bool
	CronExpr          string
	Timezone          string
	MaxParallelRuns   int
	SLA               *SLAConfig
}

// EphemeralJob is a short interactive task (explorer query, metadata
// discovery, file operation, environment setup) that bypasses the
// PipelineRun/StepRun machinery entirely (spec §4.8 step 6, §5
// supplemented features).
type EphemeralJob struct {
	ID            string
	WorkspaceID   string
	QueueName     string
	Type          string // explorer | metadata | test | file | system
	Payload       map[string]any
	Connection    map[string]any
	Status        JobStatus
	WorkerID      string
	ResultSummary map[string]any
	ErrorMessage  string
	CreatedAt     time.Time
	CompletedAt   *time.Time
}

// PipelineVersion is one immutable DAG definition of a Pipeline: the
// Nodes/Edges/DataContracts that make up the serialized DAG payload
// handed to an agent at lease time (spec §4.8 step 4, §6).
type PipelineVersion struct {
	PipelineID string    `json:"pipeline_id"`
	Version    int       `json:"version"`
	Nodes      []*Node   `json:"nodes"`
	Edges      []*Edge   `json:"edges"`
	CreatedAt  time.Time `json:"created_at"`
}
