package contract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synqx/pipeline-core/internal/cache"
	"github.com/synqx/pipeline-core/internal/model"
)

func TestValidateSplitsByRule(t *testing.T) {
	zero := 0.0
	contract := &model.DataContract{Columns: []model.ColumnRule{
		{Column: "age", Type: "integer", Min: &zero},
	}}
	chunk := &cache.GenericChunk{Rows: []map[string]any{
		{"age": 5},
		{"age": -1},
		{"age": "bad"},
	}}

	valid, quarantined := Validate(chunk, contract)
	require.Len(t, valid.Rows, 1)
	assert.Equal(t, 5, valid.Rows[0]["age"])

	require.Len(t, quarantined.Rows, 2)
	for _, row := range quarantined.Rows {
		reason, ok := row[QuarantineReasonField].(string)
		require.True(t, ok)
		assert.True(t, strings.Contains(reason, "age"))
	}
}

func TestValidateRoundTripPreservesRowCount(t *testing.T) {
	contract := &model.DataContract{Columns: []model.ColumnRule{
		{Column: "name", Required: true},
	}}
	chunk := &cache.GenericChunk{Rows: []map[string]any{
		{"name": "a"}, {}, {"name": "c"},
	}}
	valid, quarantined := Validate(chunk, contract)
	assert.Equal(t, len(chunk.Rows), len(valid.Rows)+len(quarantined.Rows))
}

func TestValidateEmptyChunk(t *testing.T) {
	contract := &model.DataContract{Columns: []model.ColumnRule{{Column: "x", Required: true}}}
	valid, quarantined := Validate(&cache.GenericChunk{}, contract)
	assert.Empty(t, valid.Rows)
	assert.Empty(t, quarantined.Rows)
}

func TestValidateJSONPathColumnReachesNestedField(t *testing.T) {
	contract := &model.DataContract{Columns: []model.ColumnRule{
		{Column: "$.address.zip", Required: true},
	}}
	chunk := &cache.GenericChunk{Rows: []map[string]any{
		{"address": map[string]any{"zip": "94107"}},
		{"address": map[string]any{}},
	}}
	valid, quarantined := Validate(chunk, contract)
	assert.Len(t, valid.Rows, 1)
	assert.Len(t, quarantined.Rows, 1)
}

func TestValidatePatternAndAllowedValues(t *testing.T) {
	contract := &model.DataContract{Columns: []model.ColumnRule{
		{Column: "code", Pattern: `^[A-Z]{3}$`},
		{Column: "status", Values: []string{"ok", "fail"}},
	}}
	chunk := &cache.GenericChunk{Rows: []map[string]any{
		{"code": "ABC", "status": "ok"},
		{"code": "abc", "status": "unknown"},
	}}
	valid, quarantined := Validate(chunk, contract)
	assert.Len(t, valid.Rows, 1)
	assert.Len(t, quarantined.Rows, 1)
}
