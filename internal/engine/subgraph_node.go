package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/seantiz/dynexec/internal/backend"
	"github.com/seantiz/dynexec/internal/model"
)

// RegisterExecutors installs the executors implemented by the scheduler
// itself: nested compiled and dynamic subgraphs and control flow.
func RegisterExecutors(m *backend.Manager) error {
	factories := map[backend.ExecutorType]backend.Factory{
		backend.CompiledSubgraph: func() (backend.NodeExecutor, error) {
			return &subgraphNodeExecutor{typ: backend.CompiledSubgraph}, nil
		},
		backend.DynamicSubgraph: func() (backend.NodeExecutor, error) {
			return &subgraphNodeExecutor{typ: backend.DynamicSubgraph}, nil
		},
		backend.ControlOp: func() (backend.NodeExecutor, error) {
			return &controlExecutor{}, nil
		},
	}
	for t, f := range factories {
		if err := m.Register(t, f); err != nil {
			return fmt.Errorf("register %s: %w", t, err)
		}
	}
	return nil
}

// NewManager creates an executor manager with every built-in executor.
func NewManager(kernels *backend.KernelRegistry, comm backend.Communicator, logger *slog.Logger) (*backend.Manager, error) {
	m := backend.NewManager(kernels, comm, logger)
	if err := RegisterExecutors(m); err != nil {
		return nil, err
	}
	return m, nil
}

// subgraphNodeExecutor runs a PartitionedCall node's embedded graph as a
// nested SubgraphExecutor on the caller's execution context. The nested run
// completes before ExecuteTask returns.
type subgraphNodeExecutor struct {
	backend.BaseExecutor
	typ backend.ExecutorType
}

func (e *subgraphNodeExecutor) Type() backend.ExecutorType {
	return e.typ
}

// CalcOpRunningParam reserves nothing: the container's outputs alias
// buffers of the nested graph.
func (e *subgraphNodeExecutor) CalcOpRunningParam(node *model.NodeItem) error {
	node.OutputSizes = make([]int64, node.NumOutputs)
	return nil
}

func (e *subgraphNodeExecutor) LoadTask(_ context.Context, node *model.NodeItem) (backend.NodeTask, error) {
	sub := node.Subgraph()
	if sub == nil {
		return nil, fmt.Errorf("%w: %s has no subgraph", model.ErrInvalidGraph, node.Name)
	}
	return &subgraphTask{node: node, graph: sub}, nil
}

type subgraphTask struct {
	node  *model.NodeItem
	graph *model.GraphItem
}

func (t *subgraphTask) UpdateArgs(context.Context, *backend.TaskContext) error {
	return nil
}

func (t *subgraphTask) ExecuteAsync(ctx context.Context, tc *backend.TaskContext, done func(error)) error {
	ec := ExecutionContextFrom(ctx)
	if ec == nil {
		return fmt.Errorf("%w: %s launched outside an execution", model.ErrInternal, t.node.Name)
	}
	done(runNested(ctx, ec, t.graph, tc.Inputs(), tc.InputDescs(), tc))
	return nil
}

// runNested runs graph to completion and writes its outputs into parent.
func runNested(ctx context.Context, ec *ExecutionContext, graph *model.GraphItem, inputs []model.Tensor,
	descs []model.TensorDesc, parent *backend.TaskContext) error {
	se := NewSubgraphExecutor(graph, ec)
	defer se.Release()
	if err := se.run(ctx, inputs, descs); err != nil {
		return err
	}
	return se.SetOutputsToParentNode(parent)
}

// runGraph runs graph to completion and returns its boundary outputs.
func runGraph(ctx context.Context, ec *ExecutionContext, graph *model.GraphItem, inputs []model.Tensor,
	descs []model.TensorDesc) ([]model.Tensor, []model.TensorDesc, error) {
	se := NewSubgraphExecutor(graph, ec)
	defer se.Release()
	if err := se.run(ctx, inputs, descs); err != nil {
		return nil, nil, err
	}
	return se.GetOutputs()
}

// run initializes, executes and synchronizes the instance.
func (e *SubgraphExecutor) run(ctx context.Context, inputs []model.Tensor, descs []model.TensorDesc) error {
	if err := e.Init(ctx, inputs, descs); err != nil {
		return err
	}
	if err := e.ExecuteAsync(ctx); err != nil {
		return err
	}
	return e.Synchronize(ctx)
}
