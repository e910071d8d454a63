// Package executor runs a single DAG node: Extract/Load/Transform/Join/
// Union/Merge/Validate/Noop, with telemetry side effects, contract
// validation, and best-effort forensic capture (spec §4.5).
//
// Connectors are out of this core's scope (spec §1 Non-goals): the
// executor only consumes the narrow Reader/Writer/SchemaDiscoverer
// capability spec §9 names, resolved from a registry keyed by a
// connector-type string, exactly the "factory keyed by connector-type
// string" pattern spec §9 calls out.
package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/synqx/pipeline-core/internal/cache"
	"github.com/synqx/pipeline-core/internal/model"
)

// Reader streams chunks from a source asset, optionally bounded by an
// incremental filter (the resolved watermark value).
type Reader interface {
	ReadBatch(ctx context.Context, asset string, params map[string]any) (ChunkIterator, error)
}

// Writer persists chunks to a destination asset under a write strategy.
// It returns the total row count written.
type Writer interface {
	WriteBatch(ctx context.Context, chunks []*cache.GenericChunk, asset string, mode model.WriteStrategy) (int64, error)
}

// SchemaDiscoverer exposes destination metadata for schema-evolution
// decisions and ad hoc asset discovery (ephemeral jobs, spec §5
// supplemented features).
type SchemaDiscoverer interface {
	CurrentColumns(ctx context.Context, asset string) ([]string, error)
	DiscoverAssets(ctx context.Context) ([]string, error)
}

// Connector bundles the full capability set a factory-constructed
// connector instance exposes.
type Connector interface {
	Reader
	Writer
	SchemaDiscoverer
	TestConnection(ctx context.Context) error
}

// ChunkIterator is a pull-based stream of chunks, so a Reader need not
// materialize its entire result set before the executor starts
// processing it.
type ChunkIterator interface {
	Next(ctx context.Context) (*cache.GenericChunk, bool, error)
}

// SliceIterator adapts a pre-materialized chunk slice to ChunkIterator,
// used by tests and by in-memory connector stand-ins.
type SliceIterator struct {
	chunks []*cache.GenericChunk
	pos    int
}

func NewSliceIterator(chunks []*cache.GenericChunk) *SliceIterator {
	return &SliceIterator{chunks: chunks}
}

func (s *SliceIterator) Next(_ context.Context) (*cache.GenericChunk, bool, error) {
	if s.pos >= len(s.chunks) {
		return nil, false, nil
	}
	ch := s.chunks[s.pos]
	s.pos++
	return ch, true, nil
}

// ConnectorFactory constructs a Connector from a node's opaque config.
type ConnectorFactory func(config map[string]any) (Connector, error)

// ConnectorRegistry maps a connector-type string to its factory, the Go
// analogue of the source's factory-keyed-by-connector-type pattern.
type ConnectorRegistry struct {
	mu        sync.RWMutex
	factories map[string]ConnectorFactory
}

func NewConnectorRegistry() *ConnectorRegistry {
	return &ConnectorRegistry{factories: make(map[string]ConnectorFactory)}
}

func (r *ConnectorRegistry) Register(connectorType string, factory ConnectorFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[connectorType] = factory
}

func (r *ConnectorRegistry) Build(connectorType string, config map[string]any) (Connector, error) {
	r.mu.RLock()
	factory, ok := r.factories[connectorType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no connector registered for type %q", connectorType)
	}
	return factory(config)
}
