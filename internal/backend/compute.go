package backend

import (
	"context"
	"fmt"
	"strconv"

	"github.com/seantiz/dynexec/internal/model"
)

// ComputeExecutor runs registered kernels on device streams. The same type
// serves the compute cores and the host fallback; only host kernels may
// produce shapes that are known after execution.
type ComputeExecutor struct {
	BaseExecutor
	typ     ExecutorType
	kernels *KernelRegistry
}

// NewComputeExecutor creates a kernel executor reporting as typ.
func NewComputeExecutor(typ ExecutorType, kernels *KernelRegistry) *ComputeExecutor {
	return &ComputeExecutor{typ: typ, kernels: kernels}
}

// Type returns Compute or HostCPU.
func (e *ComputeExecutor) Type() ExecutorType {
	return e.typ
}

// LoadTask binds node to its kernel.
func (e *ComputeExecutor) LoadTask(_ context.Context, node *model.NodeItem) (NodeTask, error) {
	if e.typ == Compute && node.ShapeMode == model.ShapeDependCompute {
		return nil, fmt.Errorf("%w: %s computes its output shape; compute cores need it before launch",
			model.ErrUnsupported, node.Name)
	}
	k, err := e.kernels.Lookup(node.Type)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", node.Name, err)
	}
	return &kernelTask{typ: e.typ, node: node, kernel: k}, nil
}

// PrepareTask allocates known-shape outputs and the workspace requested by
// the node's "workspace" attribute, then binds the task.
func (e *ComputeExecutor) PrepareTask(ctx context.Context, task NodeTask, tc *TaskContext) error {
	if err := tc.AllocateOutputs(); err != nil {
		return err
	}
	if ws := tc.Node.Attr("workspace", ""); ws != "" {
		size, err := strconv.ParseInt(ws, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %s workspace attribute: %w", model.ErrInvalidArgument, tc.Node.Name, err)
		}
		if err := tc.AllocateWorkspace(size); err != nil {
			return err
		}
	}
	return task.UpdateArgs(ctx, tc)
}

type kernelTask struct {
	typ    ExecutorType
	node   *model.NodeItem
	kernel Kernel
}

func (t *kernelTask) UpdateArgs(_ context.Context, tc *TaskContext) error {
	if tc.Stream == nil || tc.Allocator == nil {
		return fmt.Errorf("%w: %s task context has no device binding", model.ErrInternal, t.node.Name)
	}
	return nil
}

func (t *kernelTask) ExecuteAsync(ctx context.Context, tc *TaskContext, done func(error)) error {
	err := tc.Stream.Launch(func() error {
		return t.kernel(newKernelArgs(ctx, tc))
	}, done)
	if err != nil {
		return fmt.Errorf("launch %s: %w", t.node.Name, err)
	}
	kernelLaunchesTotal.WithLabelValues(t.typ.String(), t.node.Type).Inc()
	return nil
}
