package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dop251/goja"

	coreerrors "github.com/synqx/pipeline-core/internal/core/errors"
	"github.com/synqx/pipeline-core/internal/cache"
)

// ScriptEngine runs a user-supplied JavaScript transform in an isolated
// runtime per invocation. It is the "isolated runtime environment" the
// Node Executor's pre-flight check (spec §4.5) verifies before a
// script-class node runs.
type ScriptEngine interface {
	Initialize(ctx context.Context) error
	Ready() bool
	Shutdown(ctx context.Context) error
	Run(ctx context.Context, script, entryPoint string, row map[string]any) (map[string]any, error)
}

// gojaScriptEngine is a pure-Go JavaScript runtime, one fresh goja.New()
// VM per Run call for isolation between rows/invocations — no state
// leaks between one node's rows or between nodes sharing a process.
type gojaScriptEngine struct {
	mu    sync.RWMutex
	ready bool
}

// NewScriptEngine returns the goja-backed script transform engine.
func NewScriptEngine() ScriptEngine {
	return &gojaScriptEngine{}
}

func (e *gojaScriptEngine) Initialize(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ready = true
	return nil
}

func (e *gojaScriptEngine) Ready() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ready
}

func (e *gojaScriptEngine) Shutdown(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ready = false
	return nil
}

func (e *gojaScriptEngine) Run(_ context.Context, script, entryPoint string, row map[string]any) (map[string]any, error) {
	if !e.Ready() {
		return nil, coreerrors.Configuration("script engine not ready", nil)
	}

	vm := goja.New()
	_, err := vm.RunString(script)
	if err != nil {
		return nil, fmt.Errorf("compile script: %w", err)
	}

	entry, ok := goja.AssertFunction(vm.Get(entryPoint))
	if !ok {
		return nil, fmt.Errorf("entry point %q is not a function", entryPoint)
	}

	result, err := entry(goja.Undefined(), vm.ToValue(row))
	if err != nil {
		return nil, fmt.Errorf("execute %s: %w", entryPoint, err)
	}

	var out map[string]any
	if result != nil && !goja.IsUndefined(result) && !goja.IsNull(result) {
		exported := result.Export()
		if m, ok := exported.(map[string]any); ok {
			out = m
		} else {
			raw, _ := json.Marshal(exported)
			_ = json.Unmarshal(raw, &out)
		}
	}
	return out, nil
}

// ScriptTransform adapts a ScriptEngine into the Transform interface so
// operator_class="script" nodes run through the same Executor dispatch
// path as any other transform.
type ScriptTransform struct {
	engine     ScriptEngine
	script     string
	entryPoint string
}

// NewScriptTransform builds a ScriptTransform from node config; config
// must carry "script" and may carry "entry_point" (default "transform").
func NewScriptTransform(engine ScriptEngine, config map[string]any) (*ScriptTransform, error) {
	script, _ := config["script"].(string)
	if script == "" {
		return nil, coreerrors.Configuration("script transform missing config.script", nil)
	}
	entryPoint, _ := config["entry_point"].(string)
	if entryPoint == "" {
		entryPoint = "transform"
	}
	return &ScriptTransform{engine: engine, script: script, entryPoint: entryPoint}, nil
}

func (t *ScriptTransform) Init(config map[string]any) error { return nil }

func (t *ScriptTransform) Process(ctx context.Context, onChunk func(*cache.GenericChunk), in *cache.GenericChunk) (*cache.GenericChunk, error) {
	out := &cache.GenericChunk{}
	for _, row := range in.Rows {
		result, err := t.engine.Run(ctx, t.script, t.entryPoint, row)
		if err != nil {
			return nil, err
		}
		out.Rows = append(out.Rows, result)
	}
	if onChunk != nil {
		onChunk(out)
	}
	return out, nil
}
