package dispatcher

import (
	"encoding/json"
	"strings"

	"github.com/lib/pq"
)

// stringArray adapts a Go string slice to a Postgres text[] literal for
// the `= ANY($n)` tag-scoping predicate, the same pq.Array idiom
// applications/jam/store_pg.go uses for preimage_hashes.
func stringArray(tags []string) any { return pq.Array(tags) }

// splitGroups parses the comma-separated agents.groups column.
func splitGroups(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func unmarshalJSONMap(raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}
