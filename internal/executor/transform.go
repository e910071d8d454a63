package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/synqx/pipeline-core/internal/cache"
)

// Transform is the single-upstream operator interface Transform/
// Validate/Noop nodes instantiate via operator_class (spec §4.5).
type Transform interface {
	Init(config map[string]any) error
	Process(ctx context.Context, onChunk func(*cache.GenericChunk), in *cache.GenericChunk) (*cache.GenericChunk, error)
}

// MultiTransform is the Join/Union/Merge operator interface: it sees the
// full upstream-id-keyed input map at once (spec §4.5 "pass the full
// inputs map to transform_multi").
type MultiTransform interface {
	Init(config map[string]any) error
	ProcessMulti(ctx context.Context, inputs map[string][]*cache.GenericChunk) ([]*cache.GenericChunk, error)
}

// TransformFactory constructs a Transform or MultiTransform instance for
// operatorClass. Exactly one of the two return values is non-nil.
type TransformFactory func(config map[string]any) (single Transform, multi MultiTransform, err error)

// TransformRegistry maps operator_class to its factory.
type TransformRegistry struct {
	mu        sync.RWMutex
	factories map[string]TransformFactory
}

func NewTransformRegistry() *TransformRegistry {
	return &TransformRegistry{factories: make(map[string]TransformFactory)}
}

func (r *TransformRegistry) Register(operatorClass string, factory TransformFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[operatorClass] = factory
}

func (r *TransformRegistry) Build(operatorClass string, config map[string]any) (Transform, MultiTransform, error) {
	r.mu.RLock()
	factory, ok := r.factories[operatorClass]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("no transform registered for operator_class %q", operatorClass)
	}
	return factory(config)
}

// PassthroughTransform is a trivial Transform used by Noop nodes and as
// a registry default.
type PassthroughTransform struct{}

func (PassthroughTransform) Init(map[string]any) error { return nil }
func (PassthroughTransform) Process(_ context.Context, onChunk func(*cache.GenericChunk), in *cache.GenericChunk) (*cache.GenericChunk, error) {
	if onChunk != nil {
		onChunk(in)
	}
	return in, nil
}
