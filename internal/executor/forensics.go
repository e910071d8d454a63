package executor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/synqx/pipeline-core/internal/cache"
)

// ForensicWriter appends a best-effort snapshot of each chunk passing
// through a node to a per-run directory (spec §4.5/§6:
// data/forensics/run_<id>/<node_id>_<direction>.parquet). The pack
// carries no parquet-writing dependency, so the on-disk format here is
// newline-delimited JSON under the same path layout — a forensic reader
// can upgrade the encoding later without touching callers of this type.
type ForensicWriter struct {
	baseDir string
	mu      sync.Mutex
	files   map[string]*os.File
}

// NewForensicWriter roots forensic capture at baseDir (e.g.
// "data/forensics").
func NewForensicWriter(baseDir string) *ForensicWriter {
	return &ForensicWriter{baseDir: baseDir, files: make(map[string]*os.File)}
}

// Capture appends chunk's rows to <base>/run_<runID>/<nodeID>_<direction>.parquet.
// Failures are swallowed (logged by the caller if desired) — forensic
// capture must never block or fail the main execution stream.
func (w *ForensicWriter) Capture(runID, nodeID, direction string, chunk *cache.GenericChunk) {
	if w == nil || chunk == nil {
		return
	}
	f, err := w.fileFor(runID, nodeID, direction)
	if err != nil {
		return
	}
	enc := json.NewEncoder(f)
	for _, row := range chunk.Rows {
		_ = enc.Encode(row)
	}
}

func (w *ForensicWriter) fileFor(runID, nodeID, direction string) (*os.File, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	key := runID + "/" + nodeID + "_" + direction
	if f, ok := w.files[key]; ok {
		return f, nil
	}
	dir := filepath.Join(w.baseDir, fmt.Sprintf("run_%s", runID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.parquet", nodeID, direction))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	w.files[key] = f
	return f, nil
}

// Close releases all open forensic file handles.
func (w *ForensicWriter) Close() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, f := range w.files {
		_ = f.Close()
	}
}
