package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkChunk(rows int, bytes int64) *GenericChunk {
	c := &GenericChunk{BytesHint: bytes}
	for i := 0; i < rows; i++ {
		c.Rows = append(c.Rows, map[string]any{"i": i})
	}
	return c
}

func TestStoreAndRetrieveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	c, err := New(1, dir)
	require.NoError(t, err)

	require.NoError(t, c.Store("A", []Chunk{mkChunk(2, 100)}))
	got, err := c.Retrieve("A")
	require.NoError(t, err)
	assert.Equal(t, 1, len(got))
	assert.Equal(t, 2, got[0].RowCount())
}

func TestRetrieveMissingNodeReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	c, err := New(1, dir)
	require.NoError(t, err)

	got, err := c.Retrieve("missing")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestBudgetEnforcedBySpilling(t *testing.T) {
	dir := t.TempDir()
	// 1 MB budget; each chunk claims 0.6MB so the second forces a spill.
	c, err := New(1, dir)
	require.NoError(t, err)

	half := int64(0.6 * 1024 * 1024)
	require.NoError(t, c.Store("A", []Chunk{mkChunk(1, half)}))
	require.NoError(t, c.Store("B", []Chunk{mkChunk(1, half)}))

	stats := c.GetStats()
	assert.LessOrEqual(t, stats.MemoryMB, stats.MemoryLimitMB)
	assert.Equal(t, 1, stats.NodesSpilled, "storing B should have spilled A to stay under budget")

	// A should still be retrievable, transparently reloaded from disk.
	got, err := c.Retrieve("A")
	require.NoError(t, err)
	assert.Equal(t, 1, len(got))
}

func TestClearNodeDropsRAMAndDisk(t *testing.T) {
	dir := t.TempDir()
	c, err := New(1, dir)
	require.NoError(t, err)
	require.NoError(t, c.Store("A", []Chunk{mkChunk(1, 10)}))

	c.ClearNode("A")
	got, err := c.Retrieve("A")
	require.NoError(t, err)
	assert.Empty(t, got)
}
