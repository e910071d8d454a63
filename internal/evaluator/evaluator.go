// Package evaluator implements the minimal safe evaluator spec §9 calls
// for in place of a general embedded interpreter: edge conditions and
// dynamic-mapping expressions are restricted to a narrow grammar over
// per-node input summaries, built on gval's restricted arithmetic/
// comparison language rather than a Turing-complete scripting engine.
package evaluator

import (
	"fmt"

	"github.com/PaesslerAG/gval"

	coreerrors "github.com/synqx/pipeline-core/internal/core/errors"
)

// InputSummary is what a condition/mapping expression may observe about
// one upstream node's materialized output: `inputs['node_id'].count`,
// `.rows`, and `.bytes`.
type InputSummary struct {
	Count int
	Bytes int64
	Rows  []map[string]any
}

// Inputs maps upstream node id to its summary, the `inputs` variable
// exposed to expressions.
type Inputs map[string]InputSummary

// language is restricted to arithmetic, comparison, and boolean logic —
// no function calls, no property access beyond map indexing, no loops.
var language = gval.NewLanguage(
	gval.Arithmetic(),
	gval.Text(),
	gval.PropositionalLogic(),
	gval.Comparator(),
)

// toVars projects Inputs into the map gval evaluates against, exposing
// each summary as {count, bytes, rows} so `inputs['A'].count > 5` and
// `inputs['A'].rows` both resolve.
func toVars(inputs Inputs) map[string]any {
	m := make(map[string]any, len(inputs))
	for k, v := range inputs {
		m[k] = map[string]any{
			"count": v.Count,
			"bytes": v.Bytes,
			"rows":  v.Rows,
		}
	}
	return map[string]any{"inputs": m}
}

// EvalCondition evaluates an edge condition expression and coerces the
// result to bool. An empty expression is always true (unconditional
// edge). Evaluation errors are returned as a structured CoreError rather
// than silently defaulting to true — fail-closed is the caller's
// responsibility (see FailClosed).
func EvalCondition(expr string, inputs Inputs) (bool, error) {
	if expr == "" {
		return true, nil
	}
	val, err := language.Evaluate(expr, toVars(inputs))
	if err != nil {
		return false, coreerrors.Validation(fmt.Sprintf("edge condition %q failed to evaluate: %v", expr, err))
	}
	b, ok := val.(bool)
	if !ok {
		return false, coreerrors.Validation(fmt.Sprintf("edge condition %q did not evaluate to a boolean", expr))
	}
	return b, nil
}

// EvalMapping evaluates a dynamic-mapping expression and returns the row
// sequence to fan out over. Only the `inputs['id'].rows` and literal-list
// forms are supported; anything else is a structured evaluation error.
func EvalMapping(expr string, inputs Inputs) ([]map[string]any, error) {
	if expr == "" {
		return nil, coreerrors.Validation("dynamic node missing mapping_expr")
	}
	val, err := language.Evaluate(expr, toVars(inputs))
	if err != nil {
		return nil, coreerrors.Validation(fmt.Sprintf("mapping expression %q failed to evaluate: %v", expr, err))
	}
	switch rows := val.(type) {
	case []map[string]any:
		return rows, nil
	case []any:
		out := make([]map[string]any, 0, len(rows))
		for _, r := range rows {
			if m, ok := r.(map[string]any); ok {
				out = append(out, m)
			} else {
				out = append(out, map[string]any{"value": r})
			}
		}
		return out, nil
	default:
		return nil, coreerrors.Validation(fmt.Sprintf("mapping expression %q did not evaluate to a row list", expr))
	}
}

// FailClosed is consulted by the runner when EvalCondition returns an
// error: when true (the default), the node is treated as not executable
// (Skipped) rather than executable, resolving spec §9's open question in
// favor of the conservative interpretation. The agent's
// EVALUATOR_FAIL_OPEN setting may flip this to restore the source's
// permissive behavior.
func FailClosed(failOpen bool, evalErr error) bool {
	if evalErr == nil {
		return true
	}
	return !failOpen
}
