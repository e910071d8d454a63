package telemetry

import (
	"context"
	"sync"

	"github.com/synqx/pipeline-core/internal/model"
	"github.com/synqx/pipeline-core/internal/state"
)

// Update is one step-telemetry event, as recorded via the dispatcher's
// `record_step_telemetry` operation (spec §4.8 secondary operations).
// The wire body for `/agents/jobs/{id}/steps` (spec §6) carries node_id
// and the StepUpdate fields only; run_id and job_id are filled in by
// the httpapi handler from its job->run cache before Process is called.
type Update struct {
	RunID  string `json:"-"`
	JobID  string `json:"-"`
	NodeID string `json:"node_id"`
	state.StepUpdate
}

// dedupKey uniquely identifies the (run_id, node_id, status) an update
// is compared against for duplicate suppression, excluding timestamp
// and any other mutable field (spec §4.10).
type dedupKey struct {
	RunID  string
	NodeID string
	Status model.StepStatus
}

// Ingress processes step updates: persists via the State Manager and
// fans out to websocket subscribers, dropping exact repeats (spec
// §4.10).
type Ingress struct {
	State *state.Manager
	Hub   *Hub

	mu   sync.Mutex
	last map[dedupKey]state.StepUpdate
}

func NewIngress(sm *state.Manager, hub *Hub) *Ingress {
	return &Ingress{State: sm, Hub: hub, last: make(map[dedupKey]state.StepUpdate)}
}

// Process applies upd unless it is identical (excluding timestamp) to
// the last persisted update for the same (run_id, node_id, status).
func (i *Ingress) Process(ctx context.Context, run *model.PipelineRun, upd Update) error {
	key := dedupKey{RunID: upd.RunID, NodeID: upd.NodeID, Status: upd.Status}

	i.mu.Lock()
	prev, seen := i.last[key]
	duplicate := seen && sameUpdate(prev, upd.StepUpdate)
	if !duplicate {
		i.last[key] = upd.StepUpdate
	}
	i.mu.Unlock()

	if duplicate {
		return nil
	}

	step, err := i.State.UpdateStepStatus(ctx, run, upd.NodeID, upd.StepUpdate)
	if err != nil {
		return err
	}

	if i.Hub != nil {
		_ = i.Hub.Publish("job_telemetry:"+upd.JobID, step)
		_ = i.Hub.Publish("jobs_list", step)
	}
	return nil
}

// sameUpdate compares two StepUpdate values field by field, the
// timestamp-excluding equality spec §4.10 calls for.
func sameUpdate(a, b state.StepUpdate) bool {
	return a.Status == b.Status &&
		ptrEqualInt64(a.RecordsIn, b.RecordsIn) &&
		ptrEqualInt64(a.RecordsOut, b.RecordsOut) &&
		ptrEqualInt64(a.RecordsFiltered, b.RecordsFiltered) &&
		ptrEqualInt64(a.RecordsError, b.RecordsError) &&
		ptrEqualInt64(a.BytesProcessed, b.BytesProcessed) &&
		a.ErrorKind == b.ErrorKind &&
		a.ErrorMessage == b.ErrorMessage
}

func ptrEqualInt64(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
