package evaluator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvalConditionCountComparison(t *testing.T) {
	inputs := Inputs{"A": {Count: 6}}
	ok, err := EvalCondition("inputs['A'].count > 5", inputs)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = EvalCondition("inputs['A'].count > 5", Inputs{"A": {Count: 3}})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvalConditionEmptyIsUnconditional(t *testing.T) {
	ok, err := EvalCondition("", Inputs{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvalConditionErrorFailsClosedByDefault(t *testing.T) {
	_, err := EvalCondition("inputs['A'].nonexistent_field_usage(", Inputs{"A": {Count: 1}})
	require.Error(t, err)
	assert.True(t, FailClosed(false, err), "default config must not treat an evaluation error as executable")
	assert.False(t, FailClosed(true, err), "EVALUATOR_FAIL_OPEN=true must restore permissive behavior")
}

func TestEvalMappingRows(t *testing.T) {
	rows := []map[string]any{{"id": 1}, {"id": 2}}
	out, err := EvalMapping("inputs['A'].rows", Inputs{"A": {Rows: rows}})
	require.NoError(t, err)
	assert.Len(t, out, 2)
}
