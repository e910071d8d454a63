// Package contract implements the data-contract validator: rule-based
// row validation that splits a chunk into a valid stream and a
// quarantined stream carrying the failed-rule reasons.
package contract

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PaesslerAG/jsonpath"

	"github.com/synqx/pipeline-core/internal/cache"
	"github.com/synqx/pipeline-core/internal/model"
)

// QuarantineReasonField is the field name added to quarantined rows
// (spec §4.4).
const QuarantineReasonField = "__quarantine_reason__"

// Validate splits chunk's rows into valid and quarantined chunks per the
// contract's column rules. Empty input yields two empty chunks.
func Validate(chunk *cache.GenericChunk, contract *model.DataContract) (valid, quarantined *cache.GenericChunk) {
	valid = &cache.GenericChunk{}
	quarantined = &cache.GenericChunk{}
	if chunk == nil || contract == nil {
		return valid, quarantined
	}

	compiled := compileRules(contract.Columns)

	for _, row := range chunk.Rows {
		var failures []string
		for _, rule := range compiled {
			if reason, ok := rule.check(row); !ok {
				failures = append(failures, reason)
			}
		}
		if len(failures) == 0 {
			valid.Rows = append(valid.Rows, row)
			continue
		}
		qrow := make(map[string]any, len(row)+1)
		for k, v := range row {
			qrow[k] = v
		}
		qrow[QuarantineReasonField] = strings.Join(failures, ",")
		quarantined.Rows = append(quarantined.Rows, qrow)
	}
	return valid, quarantined
}

type compiledRule struct {
	model.ColumnRule
	pattern *regexp.Regexp
}

func compileRules(rules []model.ColumnRule) []compiledRule {
	out := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		cr := compiledRule{ColumnRule: r}
		if r.Pattern != "" {
			if re, err := regexp.Compile(r.Pattern); err == nil {
				cr.pattern = re
			}
		}
		out = append(out, cr)
	}
	return out
}

// fieldValue resolves a rule's column against row, supporting both a
// flat top-level key and, when Column starts with "$.", a JSONPath
// expression into nested/semi-structured rows (e.g. connector results
// shaped as JSON documents rather than flat tables).
func fieldValue(row map[string]any, column string) (any, bool) {
	if !strings.HasPrefix(column, "$.") {
		v, ok := row[column]
		return v, ok
	}
	v, err := jsonpath.Get(column, row)
	if err != nil {
		return nil, false
	}
	return v, v != nil
}

// check evaluates this rule against a row, returning the failed-rule
// identifier and false if the row fails any predicate.
func (r compiledRule) check(row map[string]any) (string, bool) {
	v, present := fieldValue(row, r.Column)

	if r.Required && (!present || v == nil) {
		return r.Column + "_missing", false
	}
	if !present || v == nil {
		return "", true // absent + not required: nothing else to check
	}

	if r.Type != "" && !coercible(v, r.Type) {
		return r.Column + "_type", false
	}

	if r.Min != nil || r.Max != nil {
		if f, ok := asFloat(v); ok {
			if r.Min != nil && f < *r.Min {
				return r.Column + "_min", false
			}
			if r.Max != nil && f > *r.Max {
				return r.Column + "_max", false
			}
		}
	}

	if r.pattern != nil {
		if !r.pattern.MatchString(fmt.Sprint(v)) {
			return r.Column + "_pattern", false
		}
	}

	if len(r.Values) > 0 {
		s := fmt.Sprint(v)
		found := false
		for _, allowed := range r.Values {
			if allowed == s {
				found = true
				break
			}
		}
		if !found {
			return r.Column + "_values", false
		}
	}

	return "", true
}

// coercible tests whether v can be coerced to typ, not merely whether its
// Go runtime type already matches (spec §4.4: "type predicates test
// coercibility, not just instance type").
func coercible(v any, typ string) bool {
	switch typ {
	case "integer":
		switch n := v.(type) {
		case int, int32, int64:
			return true
		case float64:
			return n == float64(int64(n))
		case string:
			_, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
			return err == nil
		}
		return false
	case "float":
		switch n := v.(type) {
		case int, int32, int64, float32, float64:
			return true
		case string:
			_, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
			return err == nil
		}
		return false
	case "boolean":
		switch b := v.(type) {
		case bool:
			return true
		case string:
			_, err := strconv.ParseBool(strings.TrimSpace(b))
			return err == nil
		}
		return false
	case "datetime":
		s, ok := v.(string)
		if !ok {
			return false
		}
		return looksLikeDatetime(s)
	case "string":
		return true // anything Sprint-able coerces to string
	default:
		return true
	}
}

func looksLikeDatetime(s string) bool {
	return regexp.MustCompile(`^\d{4}-\d{2}-\d{2}`).MatchString(s)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
