package agent

import (
	"context"
	"encoding/json"
	"os"

	"github.com/tidwall/gjson"

	coreerrors "github.com/synqx/pipeline-core/internal/core/errors"
	"github.com/synqx/pipeline-core/internal/executor"
)

func marshalRows(rows []map[string]any) ([]byte, error) {
	return json.Marshal(rows)
}

// EphemeralHandler runs one short interactive task synchronously and
// returns its result summary (spec §4.9 step 4, §5 supplemented
// features: explorer / metadata / test / file / system).
type EphemeralHandler func(ctx context.Context, e *EphemeralTask) (map[string]any, error)

// EphemeralTask bundles an ephemeral payload with the resolved
// connector and sandbox it may need.
type EphemeralTask struct {
	Payload   map[string]any
	Connector executor.Connector
	Sandbox   *Sandbox
}

// EphemeralRegistry maps an ephemeral job's `type` to its handler.
type EphemeralRegistry struct {
	handlers map[string]EphemeralHandler
}

func NewEphemeralRegistry() *EphemeralRegistry {
	r := &EphemeralRegistry{handlers: make(map[string]EphemeralHandler)}
	r.handlers["explorer"] = handleExplorer
	r.handlers["metadata"] = handleMetadata
	r.handlers["test"] = handleTestConnection
	r.handlers["file"] = handleFileOp
	r.handlers["system"] = handleSystemOp
	return r
}

func (r *EphemeralRegistry) Run(ctx context.Context, taskType string, task *EphemeralTask) (map[string]any, error) {
	h, ok := r.handlers[taskType]
	if !ok {
		return nil, coreerrors.Configuration("no ephemeral handler registered for type "+taskType, nil)
	}
	return h(ctx, task)
}

// handleExplorer runs a read-only query against the connector and
// shapes the result with gjson before it is sampled for upload,
// grounded on services/requests/marble/dispatcher.go's read-only
// result-traversal pattern.
func handleExplorer(ctx context.Context, task *EphemeralTask) (map[string]any, error) {
	if task.Connector == nil {
		return nil, coreerrors.Configuration("explorer task has no resolved connector", nil)
	}
	asset, _ := task.Payload["asset"].(string)
	iter, err := task.Connector.ReadBatch(ctx, asset, task.Payload)
	if err != nil {
		return nil, coreerrors.ConnectionFailed("explorer read_batch failed", err)
	}
	chunk, _, err := iter.Next(ctx)
	if err != nil {
		return nil, coreerrors.DataTransfer("explorer stream failed", err)
	}
	if chunk == nil {
		return map[string]any{"rows": 0}, nil
	}

	path, _ := task.Payload["jsonpath"].(string)
	if path == "" {
		return map[string]any{"rows": chunk.RowCount(), "sample": chunk.Rows}, nil
	}
	// jsonpath is only applied when the caller asked for a narrower
	// traversal than "the whole chunk" — most explorer calls skip it.
	raw, _ := marshalRows(chunk.Rows)
	shaped := gjson.GetBytes(raw, path)
	return map[string]any{"rows": chunk.RowCount(), "shaped": shaped.Value()}, nil
}

func handleMetadata(ctx context.Context, task *EphemeralTask) (map[string]any, error) {
	if task.Connector == nil {
		return nil, coreerrors.Configuration("metadata task has no resolved connector", nil)
	}
	assets, err := task.Connector.DiscoverAssets(ctx)
	if err != nil {
		return nil, coreerrors.SchemaDiscovery("discover assets", err)
	}
	return map[string]any{"assets": assets}, nil
}

func handleTestConnection(ctx context.Context, task *EphemeralTask) (map[string]any, error) {
	if task.Connector == nil {
		return nil, coreerrors.Configuration("test task has no resolved connector", nil)
	}
	if err := task.Connector.TestConnection(ctx); err != nil {
		return nil, coreerrors.ConnectionFailed("connection test failed", err)
	}
	return map[string]any{"ok": true}, nil
}

func handleFileOp(ctx context.Context, task *EphemeralTask) (map[string]any, error) {
	rel, _ := task.Payload["path"].(string)
	op, _ := task.Payload["op"].(string)
	resolved, err := task.Sandbox.ResolvePath(rel)
	if err != nil {
		return nil, err
	}

	switch op {
	case "read":
		data, err := os.ReadFile(resolved)
		if err != nil {
			return nil, coreerrors.DataTransfer("sandboxed file read", err)
		}
		return map[string]any{"content": string(data)}, nil
	case "list":
		entries, err := os.ReadDir(resolved)
		if err != nil {
			return nil, coreerrors.DataTransfer("sandboxed dir list", err)
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		return map[string]any{"entries": names}, nil
	default:
		return nil, coreerrors.Configuration("unsupported file op "+op, nil)
	}
}

func handleSystemOp(ctx context.Context, task *EphemeralTask) (map[string]any, error) {
	pkg, _ := task.Payload["package"].(string)
	if pkg != "" {
		if err := ValidatePackageName(pkg); err != nil {
			return nil, err
		}
	}
	// Actual package installation is environment-specific and out of
	// this core's scope; this handler only validates the request.
	return map[string]any{"validated_package": pkg}, nil
}
