package engine

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/seantiz/dynexec/internal/model"
)

// shapeFuture defers an input shape to output index of node src. It
// resolves once src signals done.
type shapeFuture struct {
	src   model.NodeID
	index int
}

// ShapeInferenceState negotiates one node's shapes for one invocation.
// Every input is either known or pending; pending inputs are filled by
// producers pushing resolved shapes or by futures resolved in
// AwaitShapesReady.
type ShapeInferenceState struct {
	node *model.NodeItem

	mu          sync.Mutex
	inputDescs  []model.TensorDesc
	known       []bool
	numPending  int
	futures     map[int]shapeFuture
	ready       chan struct{}
	outputDescs []model.TensorDesc
	inferred    bool

	shapesReady atomic.Bool
}

// NewShapeInferenceState seeds the state from the node's finalized
// descriptors.
func NewShapeInferenceState(node *model.NodeItem) *ShapeInferenceState {
	s := &ShapeInferenceState{
		node:        node,
		inputDescs:  make([]model.TensorDesc, len(node.InputDescs)),
		known:       make([]bool, len(node.InputDescs)),
		futures:     make(map[int]shapeFuture),
		ready:       make(chan struct{}),
		outputDescs: make([]model.TensorDesc, len(node.OutputDescs)),
	}
	for i, d := range node.InputDescs {
		s.inputDescs[i] = d.Clone()
		s.known[i] = !d.IsUnknown()
		if !s.known[i] {
			s.numPending++
		}
	}
	for i, d := range node.OutputDescs {
		s.outputDescs[i] = d.Clone()
	}
	if s.numPending == 0 {
		close(s.ready)
	}
	return s
}

// UpdateInputShape installs a resolved descriptor for input index.
func (s *ShapeInferenceState) UpdateInputShape(index int, desc model.TensorDesc) error {
	if desc.IsUnknown() {
		return fmt.Errorf("%w: %s input %d updated with unresolved shape %s",
			model.ErrShapeResolution, s.node.Name, index, desc)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.inputDescs) {
		return fmt.Errorf("%w: %s input %d", model.ErrNotFound, s.node.Name, index)
	}
	s.inputDescs[index] = desc.Clone()
	if !s.known[index] {
		s.known[index] = true
		s.numPending--
		if s.numPending == 0 {
			close(s.ready)
		}
	}
	return nil
}

// UpdateInputShapeFuture defers input index to output srcIndex of src.
// The input must still be pending.
func (s *ShapeInferenceState) UpdateInputShapeFuture(index int, src model.NodeID, srcIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.inputDescs) {
		return fmt.Errorf("%w: %s input %d", model.ErrNotFound, s.node.Name, index)
	}
	if s.known[index] {
		return fmt.Errorf("%w: %s input %d already has shape %s",
			model.ErrInternal, s.node.Name, index, s.inputDescs[index])
	}
	s.futures[index] = shapeFuture{src: src, index: srcIndex}
	return nil
}

// AwaitShapesReady resolves every shape future and blocks until no input
// is pending. It fails with ErrShapeResolution when a producer fails
// instead of delivering its shape.
func (s *ShapeInferenceState) AwaitShapesReady(ctx context.Context, sc *SubgraphContext) error {
	s.mu.Lock()
	indexes := make([]int, 0, len(s.futures))
	for i := range s.futures {
		indexes = append(indexes, i)
	}
	futures := s.futures
	s.mu.Unlock()
	slices.Sort(indexes)

	for _, i := range indexes {
		f := futures[i]
		if err := sc.Await(ctx, f.src); err != nil {
			return fmt.Errorf("%w: %s input %d from node %d: %w", model.ErrShapeResolution, s.node.Name, i, f.src, err)
		}
		desc, err := sc.outputDesc(f.src, f.index)
		if err != nil {
			return fmt.Errorf("%w: %s input %d: %w", model.ErrShapeResolution, s.node.Name, i, err)
		}
		if err := s.UpdateInputShape(i, desc); err != nil {
			return err
		}
	}

	select {
	case <-s.ready:
	case <-sc.ec.Failed():
		return fmt.Errorf("%w: %s: %w", model.ErrShapeResolution, s.node.Name, sc.ec.Err())
	case <-ctx.Done():
		return ctx.Err()
	}
	s.shapesReady.Store(true)
	return nil
}

// ShapesReady reports whether AwaitShapesReady completed.
func (s *ShapeInferenceState) ShapesReady() bool {
	return s.shapesReady.Load()
}

// UpdateOutputDesc recomputes output descriptors from the resolved inputs.
// It may run once per invocation, after AwaitShapesReady.
func (s *ShapeInferenceState) UpdateOutputDesc() error {
	if !s.ShapesReady() {
		return fmt.Errorf("%w: %s output shapes requested before inputs resolved", model.ErrInternal, s.node.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inferred {
		return fmt.Errorf("%w: %s output shapes inferred twice", model.ErrInternal, s.node.Name)
	}
	s.inferred = true

	if s.node.ShapeMode != model.ShapeDependInput || s.node.InferShape == nil {
		return nil
	}
	out, err := s.node.InferShape(s.node, cloneDescs(s.inputDescs))
	if err != nil {
		return fmt.Errorf("%w: infer %s: %w", model.ErrShapeResolution, s.node.Name, err)
	}
	if len(out) != len(s.outputDescs) {
		return fmt.Errorf("%w: %s shape function returned %d outputs, want %d",
			model.ErrShapeResolution, s.node.Name, len(out), len(s.outputDescs))
	}
	for i, d := range out {
		if d.IsUnknown() {
			return fmt.Errorf("%w: %s output %d still unresolved after inference", model.ErrShapeResolution, s.node.Name, i)
		}
		s.outputDescs[i] = d.Clone()
	}
	return nil
}

// InputDescs returns the current input descriptors.
func (s *ShapeInferenceState) InputDescs() []model.TensorDesc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneDescs(s.inputDescs)
}

// OutputDescs returns the current output descriptors.
func (s *ShapeInferenceState) OutputDescs() []model.TensorDesc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneDescs(s.outputDescs)
}

// OutputDesc returns output descriptor i.
func (s *ShapeInferenceState) OutputDesc(i int) (model.TensorDesc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.outputDescs) {
		return model.TensorDesc{}, fmt.Errorf("%w: %s output %d", model.ErrNotFound, s.node.Name, i)
	}
	return s.outputDescs[i].Clone(), nil
}

// setOutputDesc records an output shape known only after execution, or a
// boundary input's shape.
func (s *ShapeInferenceState) setOutputDesc(i int, desc model.TensorDesc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.outputDescs) {
		return fmt.Errorf("%w: %s output %d", model.ErrNotFound, s.node.Name, i)
	}
	s.outputDescs[i] = desc.Clone()
	return nil
}

func cloneDescs(in []model.TensorDesc) []model.TensorDesc {
	out := make([]model.TensorDesc, len(in))
	for i, d := range in {
		out[i] = d.Clone()
	}
	return out
}
