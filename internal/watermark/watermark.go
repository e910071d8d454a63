// Package watermark implements the per-(pipeline, asset) incremental
// checkpoint store: a monotonic value that only ever advances forward
// according to a type-specific ordering.
package watermark

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Watermark is the persisted checkpoint for one (pipeline, asset) pair.
type Watermark struct {
	PipelineID  string
	AssetID     string
	Column      string
	LastValue   string // JSON-scalar serialized form
	LastUpdated time.Time
}

// ColumnType names the ordering rule applied to a watermark's value.
type ColumnType string

const (
	TypeNumeric  ColumnType = "numeric"
	TypeDatetime ColumnType = "datetime"
	TypeString   ColumnType = "string"
)

// Store is the persistence contract the Extract path relies on.
type Store interface {
	Get(ctx context.Context, pipelineID, assetID string) (*Watermark, bool, error)
	// Advance persists (column, value) for (pipelineID, assetID) only if
	// value is strictly greater than the currently stored value under
	// colType's ordering. It returns whether the value was applied.
	Advance(ctx context.Context, pipelineID, assetID, column string, value string, colType ColumnType) (bool, error)
}

// Compare returns -1, 0, or 1 comparing a to b under colType's ordering.
// Values are the JSON-scalar string forms spec §4.3 requires (numeric
// literals, ISO-8601 datetimes, or raw strings).
func Compare(a, b string, colType ColumnType) (int, error) {
	switch colType {
	case TypeNumeric:
		fa, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return 0, fmt.Errorf("watermark value %q is not numeric: %w", a, err)
		}
		fb, err := strconv.ParseFloat(b, 64)
		if err != nil {
			return 0, fmt.Errorf("watermark value %q is not numeric: %w", b, err)
		}
		switch {
		case fa < fb:
			return -1, nil
		case fa > fb:
			return 1, nil
		default:
			return 0, nil
		}
	case TypeDatetime:
		ta, err := parseTime(a)
		if err != nil {
			return 0, err
		}
		tb, err := parseTime(b)
		if err != nil {
			return 0, err
		}
		// Normalize to UTC before comparing so differing source timezones
		// never produce a spurious ordering.
		ta, tb = ta.UTC(), tb.UTC()
		switch {
		case ta.Before(tb):
			return -1, nil
		case ta.After(tb):
			return 1, nil
		default:
			return 0, nil
		}
	default: // TypeString: lexicographic
		switch {
		case a < b:
			return -1, nil
		case a > b:
			return 1, nil
		default:
			return 0, nil
		}
	}
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("watermark value %q is not a recognized datetime", s)
}
