package cache

// GenericChunk is the concrete Chunk implementation nodes exchange
// in-process. It is a gob-encodable bag of rows, sufficient for the
// core's purposes — real connectors may wrap a columnar batch instead,
// as long as it satisfies Chunk.
type GenericChunk struct {
	Rows       []map[string]any
	BytesHint  int64 // 0 means "estimate from Rows"
}

// RowCount returns the number of rows in the chunk.
func (c *GenericChunk) RowCount() int { return len(c.Rows) }

// EstimatedBytes returns BytesHint if set, else a rough per-row estimate.
func (c *GenericChunk) EstimatedBytes() int64 {
	if c.BytesHint > 0 {
		return c.BytesHint
	}
	var total int64
	for _, row := range c.Rows {
		total += estimateRowBytes(row)
	}
	return total
}

func estimateRowBytes(row map[string]any) int64 {
	var total int64
	for k, v := range row {
		total += int64(len(k)) + estimateValueBytes(v)
	}
	return total
}

func estimateValueBytes(v any) int64 {
	switch val := v.(type) {
	case string:
		return int64(len(val))
	case []byte:
		return int64(len(val))
	default:
		return 8 // numeric/bool/nil/etc: fixed-width guess
	}
}
