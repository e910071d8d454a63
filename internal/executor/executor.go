package executor

import (
	"context"
	"fmt"

	"github.com/synqx/pipeline-core/internal/cache"
	"github.com/synqx/pipeline-core/internal/contract"
	coreerrors "github.com/synqx/pipeline-core/internal/core/errors"
	"github.com/synqx/pipeline-core/internal/model"
	"github.com/synqx/pipeline-core/internal/watermark"
)

const defaultSampleLimit = 10

// ProgressFunc is the "on_chunk" callback: invoked after each chunk is
// processed so the caller (normally the runner, reporting through the
// State Manager) can stream running counters without waiting for the
// node to finish (spec §4.5).
type ProgressFunc func(Progress)

// Progress is one incremental counter/sample update.
type Progress struct {
	RecordsIn       int64
	RecordsOut      int64
	RecordsFiltered int64
	RecordsError    int64
	BytesProcessed  int64
}

// Request bundles everything ExecuteNode needs to run one node once.
type Request struct {
	RunID         string
	Node          *model.Node
	UpstreamOrder []string // edge-declared order for Load/Transform concatenation
	Inputs        map[string][]*cache.GenericChunk
	Connector     Connector // resolved connector for Extract/Load; nil otherwise
	Progress      ProgressFunc
}

// Result is the output of running one node once.
type Result struct {
	Chunks          []*cache.GenericChunk
	RecordsIn       int64
	RecordsOut      int64
	RecordsFiltered int64
	RecordsError    int64
	BytesProcessed  int64
	Sample          model.SampleRows
}

// Executor runs a single node under a fresh per-call session (spec §4.5).
type Executor struct {
	Transforms *TransformRegistry
	Watermarks watermark.Store
	Forensics  *ForensicWriter
	Script     ScriptEngine
	SampleSize int
}

// New builds an Executor. script may be nil if no node ever uses
// operator_class="script".
func New(transforms *TransformRegistry, watermarks watermark.Store, forensics *ForensicWriter, script ScriptEngine) *Executor {
	return &Executor{Transforms: transforms, Watermarks: watermarks, Forensics: forensics, Script: script, SampleSize: defaultSampleLimit}
}

// ExecuteNode dispatches on node.OperatorType per spec §4.5.
func (e *Executor) ExecuteNode(ctx context.Context, req Request) (*Result, error) {
	if err := e.preflight(ctx, req.Node); err != nil {
		return nil, err
	}

	switch req.Node.OperatorType {
	case model.OperatorExtract:
		return e.executeExtract(ctx, req)
	case model.OperatorLoad:
		return e.executeLoad(ctx, req)
	case model.OperatorJoin, model.OperatorUnion, model.OperatorMerge:
		return e.executeMulti(ctx, req)
	default: // Transform, Validate, Noop
		return e.executeSingle(ctx, req)
	}
}

// preflight verifies an isolated runtime exists and is ready before a
// script-class node runs (spec §4.5).
func (e *Executor) preflight(ctx context.Context, node *model.Node) error {
	if node.OperatorClass != "script" {
		return nil
	}
	if e.Script == nil {
		return coreerrors.Configuration("node requires a script runtime but none is configured", nil)
	}
	if !e.Script.Ready() {
		if err := e.Script.Initialize(ctx); err != nil {
			return coreerrors.Configuration("script runtime failed to initialize", err)
		}
	}
	return nil
}

func (e *Executor) executeExtract(ctx context.Context, req Request) (*Result, error) {
	node := req.Node
	if req.Connector == nil {
		return nil, coreerrors.Configuration("extract node "+node.NodeID+" has no resolved connector", nil)
	}

	params := map[string]any{}
	watermarkCol, _ := node.Config["watermark_column"].(string)
	colType := watermark.ColumnType("string")
	if t, ok := node.Config["watermark_column_type"].(string); ok && t != "" {
		colType = watermark.ColumnType(t)
	}

	var currentWM string
	var haveWM bool
	if node.SyncMode == model.SyncIncremental && watermarkCol != "" && e.Watermarks != nil {
		wm, ok, err := e.Watermarks.Get(ctx, req.RunID, node.SourceAssetID)
		if err != nil {
			return nil, coreerrors.DataTransfer("read watermark", err)
		}
		if ok {
			currentWM = wm.LastValue
			haveWM = true
			params["watermark"] = wm.LastValue
		}
	}

	iter, err := req.Connector.ReadBatch(ctx, node.SourceAssetID, params)
	if err != nil {
		return nil, coreerrors.ConnectionFailed("extract read_batch failed", err)
	}

	result := &Result{}
	maxSeen := currentWM
	maxSeenSet := haveWM

	for {
		chunk, ok, err := iter.Next(ctx)
		if err != nil {
			return nil, coreerrors.DataTransfer("extract stream failed", err)
		}
		if !ok {
			break
		}

		filtered := chunk
		if watermarkCol != "" {
			filtered = &cache.GenericChunk{}
			for _, row := range chunk.Rows {
				val, present := row[watermarkCol]
				if !present {
					filtered.Rows = append(filtered.Rows, row)
					continue
				}
				valStr := fmt.Sprint(val)
				if haveWM {
					cmp, cmpErr := watermark.Compare(valStr, currentWM, colType)
					if cmpErr == nil && cmp <= 0 {
						continue // at or below the watermark: already extracted
					}
				}
				filtered.Rows = append(filtered.Rows, row)
				if !maxSeenSet {
					maxSeen, maxSeenSet = valStr, true
				} else if cmp, cmpErr := watermark.Compare(valStr, maxSeen, colType); cmpErr == nil && cmp > 0 {
					maxSeen = valStr
				}
			}
		}

		e.reportChunk(req, result, 0, int64(filtered.RowCount()), 0, filtered.EstimatedBytes())
		e.captureForensic(req.RunID, node.NodeID, "out", filtered)
		result.Chunks = append(result.Chunks, filtered)
	}

	if maxSeenSet && watermarkCol != "" && e.Watermarks != nil {
		if _, err := e.Watermarks.Advance(ctx, req.RunID, node.SourceAssetID, watermarkCol, maxSeen, colType); err != nil {
			return nil, coreerrors.DataTransfer("advance watermark", err)
		}
	}
	return result, nil
}

func (e *Executor) executeLoad(ctx context.Context, req Request) (*Result, error) {
	node := req.Node
	if req.Connector == nil {
		return nil, coreerrors.Configuration("load node "+node.NodeID+" has no resolved connector", nil)
	}

	var known []string
	if node.SchemaEvolutionPolicy != model.SchemaEvolve {
		cols, err := req.Connector.CurrentColumns(ctx, node.DestinationAssetID)
		if err == nil {
			known = cols
		}
	}

	order := req.UpstreamOrder
	if order == nil {
		for id := range req.Inputs {
			order = append(order, id)
		}
	}

	var all []*cache.GenericChunk
	result := &Result{}
	for _, upstream := range order {
		for _, chunk := range req.Inputs[upstream] {
			adjusted, err := applySchemaEvolution(chunk, known, node.SchemaEvolutionPolicy)
			if err != nil {
				return nil, err
			}
			e.reportChunk(req, result, int64(chunk.RowCount()), 0, 0, chunk.EstimatedBytes())
			e.captureForensic(req.RunID, node.NodeID, "in", adjusted)
			all = append(all, adjusted)
		}
	}

	written, err := req.Connector.WriteBatch(ctx, all, node.DestinationAssetID, node.WriteStrategy)
	if err != nil {
		return nil, coreerrors.DataTransfer("load write_batch failed", err)
	}
	result.RecordsOut = written
	return result, nil
}

func applySchemaEvolution(chunk *cache.GenericChunk, known []string, policy model.SchemaEvolutionPolicy) (*cache.GenericChunk, error) {
	if len(known) == 0 || policy == model.SchemaEvolve {
		return chunk, nil
	}
	knownSet := make(map[string]bool, len(known))
	for _, c := range known {
		knownSet[c] = true
	}

	out := &cache.GenericChunk{Rows: make([]map[string]any, 0, len(chunk.Rows))}
	for _, row := range chunk.Rows {
		for col := range row {
			if knownSet[col] {
				continue
			}
			switch policy {
			case model.SchemaStrict:
				return nil, coreerrors.SchemaEvolution("unknown column "+col, nil)
			case model.SchemaIgnore:
				// dropped below
			}
		}
		if policy == model.SchemaIgnore {
			trimmed := make(map[string]any, len(row))
			for col, v := range row {
				if knownSet[col] {
					trimmed[col] = v
				}
			}
			out.Rows = append(out.Rows, trimmed)
		} else {
			out.Rows = append(out.Rows, row)
		}
	}
	return out, nil
}

func (e *Executor) executeSingle(ctx context.Context, req Request) (*Result, error) {
	node := req.Node
	upstream := req.UpstreamOrder
	if len(upstream) == 0 {
		for id := range req.Inputs {
			upstream = append(upstream, id)
		}
	}

	var in *cache.GenericChunk
	if len(upstream) > 0 {
		chunks := req.Inputs[upstream[0]]
		in = &cache.GenericChunk{}
		for _, c := range chunks {
			in.Rows = append(in.Rows, c.Rows...)
		}
	} else {
		in = &cache.GenericChunk{}
	}

	single, _, err := e.resolveTransform(node)
	if err != nil {
		return nil, coreerrors.Configuration(err.Error(), err)
	}

	result := &Result{}
	out, err := single.Process(ctx, func(c *cache.GenericChunk) {
		e.reportChunk(req, result, 0, 0, 0, 0)
	}, in)
	if err != nil {
		return nil, coreerrors.DataTransfer("transform failed", err)
	}

	result.RecordsIn = int64(in.RowCount())
	if node.DataContract != nil {
		valid, quarantined := contract.Validate(out, node.DataContract)
		e.captureForensic(req.RunID, node.NodeID, "quarantine", quarantined)
		if len(quarantined.Rows) > 0 {
			if err := e.writeQuarantine(ctx, req, node, quarantined); err != nil {
				return nil, err
			}
		}
		if len(quarantined.Rows) > 0 && node.DataContract.Strict {
			return nil, coreerrors.ContractViolation(fmt.Sprintf("%d rows failed data contract", len(quarantined.Rows)), nil)
		}
		result.RecordsFiltered = int64(len(quarantined.Rows))
		out = valid
	}
	result.RecordsOut = int64(out.RowCount())
	result.BytesProcessed = out.EstimatedBytes()
	result.Sample = sampleOf(in, out, e.sampleLimit())
	e.captureForensic(req.RunID, node.NodeID, "out", out)
	result.Chunks = []*cache.GenericChunk{out}
	return result, nil
}

func (e *Executor) executeMulti(ctx context.Context, req Request) (*Result, error) {
	node := req.Node
	_, multi, err := e.resolveTransform(node)
	if err != nil {
		return nil, coreerrors.Configuration(err.Error(), err)
	}
	if multi == nil {
		return nil, coreerrors.Configuration(node.OperatorClass+" does not implement a multi-input transform for "+string(node.OperatorType), nil)
	}

	out, err := multi.ProcessMulti(ctx, req.Inputs)
	if err != nil {
		return nil, coreerrors.DataTransfer("multi-input transform failed", err)
	}

	result := &Result{Chunks: out}
	for _, chunks := range req.Inputs {
		for _, c := range chunks {
			result.RecordsIn += int64(c.RowCount())
		}
	}
	for _, c := range out {
		result.RecordsOut += int64(c.RowCount())
		result.BytesProcessed += c.EstimatedBytes()
		e.captureForensic(req.RunID, node.NodeID, "out", c)
	}
	return result, nil
}

func (e *Executor) resolveTransform(node *model.Node) (Transform, MultiTransform, error) {
	if node.OperatorType == model.OperatorNoop && node.OperatorClass == "" {
		return PassthroughTransform{}, nil, nil
	}
	if node.OperatorClass == "script" {
		t, err := NewScriptTransform(e.Script, node.Config)
		return t, nil, err
	}
	return e.Transforms.Build(node.OperatorClass, node.Config)
}

func (e *Executor) reportChunk(req Request, result *Result, in, out, filtered, bytes int64) {
	result.RecordsIn += in
	result.RecordsOut += out
	result.RecordsFiltered += filtered
	result.BytesProcessed += bytes
	if req.Progress != nil {
		req.Progress(Progress{RecordsIn: in, RecordsOut: out, RecordsFiltered: filtered, BytesProcessed: bytes})
	}
}

// writeQuarantine routes quarantined rows to node.QuarantineAssetID
// through the node's own connector, when one is configured, in
// addition to the forensic capture every quarantine already gets
// (spec §4.5): the forensic store is a debugging aid, the quarantine
// asset is the durable destination an operator queries.
func (e *Executor) writeQuarantine(ctx context.Context, req Request, node *model.Node, quarantined *cache.GenericChunk) error {
	if node.QuarantineAssetID == "" || req.Connector == nil {
		return nil
	}
	if _, err := req.Connector.WriteBatch(ctx, []*cache.GenericChunk{quarantined}, node.QuarantineAssetID, model.WriteAppend); err != nil {
		return coreerrors.DataTransfer("write quarantined rows to "+node.QuarantineAssetID, err)
	}
	return nil
}

func (e *Executor) captureForensic(runID, nodeID, direction string, chunk *cache.GenericChunk) {
	if e.Forensics == nil {
		return
	}
	e.Forensics.Capture(runID, nodeID, direction, chunk)
}

func (e *Executor) sampleLimit() int {
	if e.SampleSize <= 0 {
		return defaultSampleLimit
	}
	return e.SampleSize
}

func sampleOf(in, out *cache.GenericChunk, limit int) model.SampleRows {
	cap := func(rows []map[string]any) []map[string]any {
		if len(rows) > limit {
			return rows[:limit]
		}
		return rows
	}
	return model.SampleRows{In: cap(in.Rows), Out: cap(out.Rows)}
}
