package backend

import (
	"context"
	"fmt"

	"github.com/seantiz/dynexec/internal/model"
)

// ExecutorType enumerates the closed set of execution backends.
type ExecutorType int

const (
	// Compute runs kernels on the vector/matrix compute cores.
	Compute ExecutorType = iota
	// HostCPU runs fallback kernels on the host.
	HostCPU
	// Collective runs collective-communication ops.
	Collective
	// CompiledSubgraph runs an embedded known-shape subgraph.
	CompiledSubgraph
	// DynamicSubgraph runs an embedded dynamic-shape subgraph.
	DynamicSubgraph
	// Local handles sink, variable, constant and no-op nodes on the host.
	Local
	// ControlOp runs If, Case and While.
	ControlOp

	numExecutorTypes
)

// ExecutorTypes lists every backend in declaration order.
func ExecutorTypes() []ExecutorType {
	out := make([]ExecutorType, 0, numExecutorTypes)
	for t := range numExecutorTypes {
		out = append(out, t)
	}
	return out
}

func (t ExecutorType) String() string {
	switch t {
	case Compute:
		return "compute"
	case HostCPU:
		return "host_cpu"
	case Collective:
		return "collective"
	case CompiledSubgraph:
		return "compiled_subgraph"
	case DynamicSubgraph:
		return "dynamic_subgraph"
	case Local:
		return "local"
	case ControlOp:
		return "control_op"
	default:
		return fmt.Sprintf("executor(%d)", int(t))
	}
}

func (t ExecutorType) valid() bool {
	return t >= 0 && t < numExecutorTypes
}

// NodeTask is the loaded, reusable form of one node for one backend.
type NodeTask interface {
	// UpdateArgs binds addresses and arguments for one invocation.
	UpdateArgs(ctx context.Context, tc *TaskContext) error

	// ExecuteAsync enqueues the work and returns. done is invoked exactly
	// once when the work completes, unless ExecuteAsync returns an error,
	// in which case done is never invoked.
	ExecuteAsync(ctx context.Context, tc *TaskContext, done func(error)) error
}

// NodeExecutor is the uniform contract every backend implements.
type NodeExecutor interface {
	Type() ExecutorType

	// Initialize is called once, when the manager first hands the executor out.
	Initialize(ctx context.Context) error

	// Finalize is called once, when the last manager handle is released.
	Finalize(ctx context.Context) error

	// LoadTask compiles node into a task. Tasks of static nodes are reused
	// across invocations.
	LoadTask(ctx context.Context, node *model.NodeItem) (NodeTask, error)

	// PrepareTask binds the task to the invocation's task context. It may
	// allocate outputs and workspace.
	PrepareTask(ctx context.Context, task NodeTask, tc *TaskContext) error

	// ExecuteTask dispatches the task. See NodeTask.ExecuteAsync for the
	// contract on done.
	ExecuteTask(ctx context.Context, task NodeTask, tc *TaskContext, done func(error)) error

	// CalcOpRunningParam computes and stores node.OutputSizes.
	CalcOpRunningParam(node *model.NodeItem) error
}

// Factory constructs an executor on first use.
type Factory func() (NodeExecutor, error)

// BaseExecutor supplies the default lifecycle and the default
// prepare/execute forwarding to the task.
type BaseExecutor struct{}

// Initialize does nothing.
func (BaseExecutor) Initialize(context.Context) error { return nil }

// Finalize does nothing.
func (BaseExecutor) Finalize(context.Context) error { return nil }

// PrepareTask forwards to task.UpdateArgs.
func (BaseExecutor) PrepareTask(ctx context.Context, task NodeTask, tc *TaskContext) error {
	return task.UpdateArgs(ctx, tc)
}

// ExecuteTask forwards to task.ExecuteAsync.
func (BaseExecutor) ExecuteTask(ctx context.Context, task NodeTask, tc *TaskContext, done func(error)) error {
	return task.ExecuteAsync(ctx, tc, done)
}

// CalcOpRunningParam applies the generic sizing formula.
func (BaseExecutor) CalcOpRunningParam(node *model.NodeItem) error {
	return calcOutputSizes(node, genericOutputSize)
}

// ValueReader reads values cached by other nodes in the same session.
type ValueReader interface {
	ReadValue(ctx context.Context, node string, output int) (model.TensorDesc, []byte, error)
}
