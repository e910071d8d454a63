// Package cache implements the inter-node Data Cache: a thread-safe,
// RAM-budgeted store of chunk lists keyed by node id, with LRU-driven
// spill-to-disk when the budget is exceeded.
package cache

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2/simplelru"
)

// Chunk is an opaque tabular unit flowing between nodes.
type Chunk interface {
	RowCount() int
	EstimatedBytes() int64
}

// Stats mirrors spec §4.2's get_stats() contract.
type Stats struct {
	NodesInRAM     int
	NodesSpilled   int
	MemoryMB       float64
	MemoryLimitMB  float64
	UtilizationPct float64
	SpillDir       string
}

type entry struct {
	chunks      []Chunk
	bytes       int64
	spillPaths  []string // non-nil when this node's chunks live on disk
}

// Cache is the thread-safe, RAM-budgeted, spill-capable Data Cache.
// All mutations serialize through mu; it is intentionally a plain
// (non-reentrant) mutex — no cache method calls another cache method
// while holding it, so reentrancy is never required.
type Cache struct {
	mu            sync.Mutex
	limitBytes    int64
	usedBytes     int64
	entries       map[string]*entry
	recency       *lru.LRU[string, struct{}]
	spillDir      string
}

// New returns a Cache with the given RAM budget (MB) and spill directory.
// The spill directory is created if absent.
func New(memoryLimitMB float64, spillDir string) (*Cache, error) {
	if err := os.MkdirAll(spillDir, 0o755); err != nil {
		return nil, fmt.Errorf("create spill dir: %w", err)
	}
	c := &Cache{
		limitBytes: int64(memoryLimitMB * 1024 * 1024),
		entries:    make(map[string]*entry),
		spillDir:   spillDir,
	}
	// The lru.LRU here is used purely as an access-order tracker (Get moves
	// to front), never as the value store itself — eviction decisions and
	// byte accounting stay in Cache so spill can happen instead of drop.
	recency, err := lru.NewLRU[string, struct{}](1<<31-1, nil)
	if err != nil {
		return nil, err
	}
	c.recency = recency
	return c, nil
}

// Store replaces node_id's entry, evicting/spilling other nodes as needed
// to respect the RAM budget, per spec §4.2.
func (c *Cache) Store(nodeID string, chunks []Chunk) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var incoming int64
	for _, ch := range chunks {
		incoming += ch.EstimatedBytes()
	}

	// Drop any prior entry for this node before budgeting the incoming set.
	c.removeLocked(nodeID)

	if c.usedBytes+incoming > c.limitBytes {
		if err := c.spillUntilFitsLocked(incoming, nodeID); err != nil {
			return err
		}
	}

	c.entries[nodeID] = &entry{chunks: chunks, bytes: incoming}
	c.usedBytes += incoming
	c.recency.Add(nodeID, struct{}{})
	return nil
}

// spillUntilFitsLocked spills LRU nodes (other than excludeID) to disk
// until enough headroom exists for `required` additional bytes.
func (c *Cache) spillUntilFitsLocked(required int64, excludeID string) error {
	for c.usedBytes+required > c.limitBytes {
		victim, ok := c.oldestInRAMLocked(excludeID)
		if !ok {
			return nil // nothing left to evict; caller exceeds budget as-is
		}
		if err := c.spillToDiskLocked(victim); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) oldestInRAMLocked(excludeID string) (string, bool) {
	keys := c.recency.Keys() // oldest first
	for _, k := range keys {
		if k == excludeID {
			continue
		}
		if e, ok := c.entries[k]; ok && e.spillPaths == nil {
			return k, true
		}
	}
	return "", false
}

func (c *Cache) spillToDiskLocked(nodeID string) error {
	e, ok := c.entries[nodeID]
	if !ok || e.spillPaths != nil {
		return nil
	}
	paths := make([]string, 0, len(e.chunks))
	for i, ch := range e.chunks {
		path := filepath.Join(c.spillDir, fmt.Sprintf("%s_%d.spill", nodeID, i))
		if err := writeGob(path, ch); err != nil {
			// Revert any partial spill for this node before surfacing.
			for _, p := range paths {
				_ = os.Remove(p)
			}
			return fmt.Errorf("spill node %s: %w", nodeID, err)
		}
		paths = append(paths, path)
	}
	c.usedBytes -= e.bytes
	e.spillPaths = paths
	e.chunks = nil
	return nil
}

// Retrieve returns chunks for node_id, loading from disk and rehydrating
// the access-recency position if the node was spilled. Missing nodes
// return an empty slice.
func (c *Cache) Retrieve(nodeID string) ([]Chunk, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[nodeID]
	if !ok {
		return []Chunk{}, nil
	}
	if e.spillPaths == nil {
		c.recency.Get(nodeID)
		return e.chunks, nil
	}

	chunks := make([]Chunk, 0, len(e.spillPaths))
	for _, path := range e.spillPaths {
		ch, err := readGob(path)
		if err != nil {
			return nil, fmt.Errorf("load spilled node %s: %w", nodeID, err)
		}
		chunks = append(chunks, ch)
	}
	c.recency.Get(nodeID)
	return chunks, nil
}

// ClearNode drops both the RAM and disk entry for node_id.
func (c *Cache) ClearNode(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(nodeID)
}

func (c *Cache) removeLocked(nodeID string) {
	e, ok := c.entries[nodeID]
	if !ok {
		return
	}
	if e.spillPaths != nil {
		for _, p := range e.spillPaths {
			_ = os.Remove(p)
		}
	} else {
		c.usedBytes -= e.bytes
	}
	delete(c.entries, nodeID)
	c.recency.Remove(nodeID)
}

// EvictLRU proactively spills the single oldest in-RAM node, used by the
// runner's post-layer >75%-utilization sweep (spec §4.6 step 3).
func (c *Cache) EvictLRU() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	victim, ok := c.oldestInRAMLocked("")
	if !ok {
		return false
	}
	_ = c.spillToDiskLocked(victim)
	return true
}

// GetStats reports the current cache occupancy (spec §4.2).
func (c *Cache) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	inRAM, spilled := 0, 0
	for _, e := range c.entries {
		if e.spillPaths != nil {
			spilled++
		} else {
			inRAM++
		}
	}
	limitMB := float64(c.limitBytes) / (1024 * 1024)
	usedMB := float64(c.usedBytes) / (1024 * 1024)
	util := 0.0
	if limitMB > 0 {
		util = usedMB / limitMB * 100
	}
	return Stats{
		NodesInRAM:     inRAM,
		NodesSpilled:   spilled,
		MemoryMB:       usedMB,
		MemoryLimitMB:  limitMB,
		UtilizationPct: util,
		SpillDir:       c.spillDir,
	}
}

// UtilizationAbove reports whether current usage exceeds pct percent of
// the configured budget.
func (c *Cache) UtilizationAbove(pct float64) bool {
	s := c.GetStats()
	return s.UtilizationPct > pct
}

func writeGob(path string, ch Chunk) error {
	gc, ok := ch.(*GenericChunk)
	if !ok {
		return fmt.Errorf("spill: chunk type %T is not gob-spillable (expected *GenericChunk)", ch)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return gob.NewEncoder(f).Encode(gc)
}

func readGob(path string) (Chunk, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var ch GenericChunk
	if err := gob.NewDecoder(f).Decode(&ch); err != nil {
		return nil, err
	}
	return &ch, nil
}
