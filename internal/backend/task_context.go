package backend

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/seantiz/dynexec/internal/device"
	"github.com/seantiz/dynexec/internal/model"
)

// TaskContext binds one node invocation to its input, output and workspace
// tensors. It is owned by the node's scheduler state and shared read-only
// with the executor and the completion callback; host kernels may update
// outputs from the stream goroutine, so accessors are synchronized.
type TaskContext struct {
	Node        *model.NodeItem
	ExecutionID string
	Stream      *device.Stream
	Allocator   *device.Allocator
	Values      ValueReader
	Logger      *slog.Logger

	mu          sync.Mutex
	inputs      []model.Tensor
	inputDescs  []model.TensorDesc
	outputs     []model.Tensor
	outputDescs []model.TensorDesc
	workspace   []model.Tensor
}

// NewTaskContext creates a context over copies of the given slices.
func NewTaskContext(node *model.NodeItem, inputs []model.Tensor, inputDescs []model.TensorDesc,
	outputs []model.Tensor, outputDescs []model.TensorDesc) *TaskContext {
	tc := &TaskContext{
		Node:        node,
		inputs:      append([]model.Tensor(nil), inputs...),
		inputDescs:  cloneDescs(inputDescs),
		outputs:     make([]model.Tensor, node.NumOutputs),
		outputDescs: make([]model.TensorDesc, node.NumOutputs),
	}
	copy(tc.outputs, outputs)
	copy(tc.outputDescs, cloneDescs(outputDescs))
	return tc
}

func cloneDescs(in []model.TensorDesc) []model.TensorDesc {
	out := make([]model.TensorDesc, len(in))
	for i, d := range in {
		out[i] = d.Clone()
	}
	return out
}

// NumInputs returns the number of input slots.
func (tc *TaskContext) NumInputs() int {
	return len(tc.inputs)
}

// NumOutputs returns the number of output slots.
func (tc *TaskContext) NumOutputs() int {
	return len(tc.outputs)
}

// Input returns input i.
func (tc *TaskContext) Input(i int) (model.Tensor, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if i < 0 || i >= len(tc.inputs) {
		return model.Tensor{}, fmt.Errorf("%w: %s input %d", model.ErrNotFound, tc.Node.Name, i)
	}
	return tc.inputs[i], nil
}

// InputDesc returns the finalized descriptor of input i.
func (tc *TaskContext) InputDesc(i int) (model.TensorDesc, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if i < 0 || i >= len(tc.inputDescs) {
		return model.TensorDesc{}, fmt.Errorf("%w: %s input desc %d", model.ErrNotFound, tc.Node.Name, i)
	}
	return tc.inputDescs[i].Clone(), nil
}

// Output returns output i.
func (tc *TaskContext) Output(i int) (model.Tensor, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if i < 0 || i >= len(tc.outputs) {
		return model.Tensor{}, fmt.Errorf("%w: %s output %d", model.ErrNotFound, tc.Node.Name, i)
	}
	return tc.outputs[i], nil
}

// OutputDesc returns the descriptor of output i.
func (tc *TaskContext) OutputDesc(i int) (model.TensorDesc, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if i < 0 || i >= len(tc.outputDescs) {
		return model.TensorDesc{}, fmt.Errorf("%w: %s output desc %d", model.ErrNotFound, tc.Node.Name, i)
	}
	return tc.outputDescs[i].Clone(), nil
}

// SetOutput binds output i to t.
func (tc *TaskContext) SetOutput(i int, t model.Tensor) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if i < 0 || i >= len(tc.outputs) {
		return fmt.Errorf("%w: %s output %d", model.ErrNotFound, tc.Node.Name, i)
	}
	tc.outputs[i] = t
	return nil
}

// UpdateOutputDesc replaces the descriptor of output i.
func (tc *TaskContext) UpdateOutputDesc(i int, desc model.TensorDesc) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if i < 0 || i >= len(tc.outputDescs) {
		return fmt.Errorf("%w: %s output desc %d", model.ErrNotFound, tc.Node.Name, i)
	}
	tc.outputDescs[i] = desc.Clone()
	return nil
}

// Inputs returns a snapshot of the input tensors.
func (tc *TaskContext) Inputs() []model.Tensor {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return append([]model.Tensor(nil), tc.inputs...)
}

// InputDescs returns a snapshot of the input descriptors.
func (tc *TaskContext) InputDescs() []model.TensorDesc {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return cloneDescs(tc.inputDescs)
}

// Outputs returns a snapshot of the output tensors.
func (tc *TaskContext) Outputs() []model.Tensor {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return append([]model.Tensor(nil), tc.outputs...)
}

// OutputDescs returns a snapshot of the output descriptors.
func (tc *TaskContext) OutputDescs() []model.TensorDesc {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return cloneDescs(tc.outputDescs)
}

// Workspace returns the workspace tensors bound by AllocateWorkspace.
func (tc *TaskContext) Workspace() []model.Tensor {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return append([]model.Tensor(nil), tc.workspace...)
}

// AllocateOutput binds storage for output i sized for desc and records
// desc. A slot already bound by zero-copy aliasing keeps its buffer when it
// is large enough; otherwise a fresh buffer is padded to the sizing pass
// result when that is larger.
func (tc *TaskContext) AllocateOutput(i int, desc model.TensorDesc) (model.Tensor, error) {
	size := desc.ByteSize()
	if size < 0 {
		return model.Tensor{}, fmt.Errorf("%w: %s output %d has unresolved shape %s",
			model.ErrShapeResolution, tc.Node.Name, i, desc)
	}
	bound, err := tc.Output(i)
	if err != nil {
		return model.Tensor{}, err
	}
	if bound.IsValid() {
		if int64(len(bound.Buf.Data)) < size {
			return model.Tensor{}, fmt.Errorf("%w: %s output %d is bound to %d bytes, %s needs %d",
				model.ErrSizeMismatch, tc.Node.Name, i, len(bound.Buf.Data), desc, size)
		}
		t := model.Tensor{Buf: bound.Buf, Size: size}
		tc.mu.Lock()
		tc.outputs[i] = t
		tc.outputDescs[i] = desc.Clone()
		tc.mu.Unlock()
		return t, nil
	}

	capacity := size
	if sizes := tc.Node.OutputSizes; i < len(sizes) && sizes[i] > capacity {
		capacity = sizes[i]
	}
	buf, err := tc.Allocator.Allocate(capacity)
	if err != nil {
		return model.Tensor{}, fmt.Errorf("allocate %s output %d: %w", tc.Node.Name, i, err)
	}
	t := model.Tensor{Buf: buf, Size: size}

	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.outputs[i] = t
	tc.outputDescs[i] = desc.Clone()
	return t, nil
}

// AllocateOutputs allocates every unbound output whose shape is known.
// Outputs pre-bound by zero-copy aliasing are left untouched, and outputs
// whose shape resolves only after execution are skipped.
func (tc *TaskContext) AllocateOutputs() error {
	for i, desc := range tc.OutputDescs() {
		out, _ := tc.Output(i)
		if out.IsValid() || desc.IsUnknown() {
			continue
		}
		if _, err := tc.AllocateOutput(i, desc); err != nil {
			return err
		}
	}
	return nil
}

// AllocateWorkspace allocates one scratch tensor per requested size.
func (tc *TaskContext) AllocateWorkspace(sizes ...int64) error {
	ws := make([]model.Tensor, 0, len(sizes))
	for _, size := range sizes {
		buf, err := tc.Allocator.Allocate(size)
		if err != nil {
			return fmt.Errorf("allocate %s workspace: %w", tc.Node.Name, err)
		}
		ws = append(ws, model.NewTensor(buf))
	}
	tc.mu.Lock()
	tc.workspace = ws
	tc.mu.Unlock()
	return nil
}

// ReleaseInputs drops the context's references to its inputs and workspace
// once the device no longer needs them.
func (tc *TaskContext) ReleaseInputs() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	for i := range tc.inputs {
		tc.inputs[i] = model.Tensor{}
	}
	tc.workspace = nil
}
