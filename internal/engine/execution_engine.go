package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/seantiz/dynexec/internal/backend"
	"github.com/seantiz/dynexec/internal/model"
)

// ExecutionEngine drives a single node from launch to dispatch.
type ExecutionEngine struct{}

// ExecuteAsync dispatches the node held by state. It returns once the work
// is enqueued; completion is handled by the node's completion callback.
func (e ExecutionEngine) ExecuteAsync(ctx context.Context, sc *SubgraphContext, state *NodeState) error {
	cb := newCompletionCallback(ctx, sc, state)
	if err := e.DoExecuteAsync(ctx, sc, state, cb); err != nil {
		return fmt.Errorf("execute %s: %w", state.Item.Name, err)
	}
	return nil
}

// DoExecuteAsync awaits the node's execution dependencies, binds and
// validates its task context, dispatches it and propagates outputs whose
// shapes are known at dispatch time.
func (e ExecutionEngine) DoExecuteAsync(ctx context.Context, sc *SubgraphContext, state *NodeState, cb *completionCallback) error {
	node := state.Item
	ec := sc.ec

	for _, dep := range node.ExecDeps {
		if err := sc.Await(ctx, dep); err != nil {
			return fmt.Errorf("await dependency %d: %w", dep, err)
		}
	}
	if !state.Shapes.ShapesReady() {
		return fmt.Errorf("%w: %s dispatched before its shapes resolved", model.ErrInternal, node.Name)
	}
	if state.executor == nil || state.task == nil {
		return fmt.Errorf("%w: %s dispatched without a loaded task", model.ErrInternal, node.Name)
	}

	tc := sc.newTaskContext(state)
	state.tc = tc
	cb.tc = tc

	if err := state.executor.PrepareTask(ctx, state.task, tc); err != nil {
		return fmt.Errorf("prepare task: %w", err)
	}
	if err := validateInputSizes(tc, ec.Policy.SizeSlack); err != nil {
		return err
	}

	cb.start = time.Now()
	if err := state.executor.ExecuteTask(ctx, state.task, tc, cb.Run); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	if node.ShapeMode != model.ShapeDependCompute {
		if err := cb.propagateOutputs(); err != nil {
			return err
		}
	}
	return nil
}

// newTaskContext builds the node's task context from its slots and
// resolved shapes. Outputs pre-bound through zero-copy aliasing carry over.
func (sc *SubgraphContext) newTaskContext(state *NodeState) *backend.TaskContext {
	node := state.Item
	inputs, outputs := sc.nodeSlots(node)
	tc := backend.NewTaskContext(node, inputs, state.Shapes.InputDescs(), outputs, state.Shapes.OutputDescs())
	tc.ExecutionID = sc.ec.ID
	tc.Stream = sc.ec.Device.Stream(node.StreamID)
	sc.useStream(node.StreamID)
	tc.Allocator = sc.ec.Device.Allocator()
	tc.Values = sc.ec
	tc.Logger = sc.ec.Logger.With("node", node.Name)
	return tc
}

// validateInputSizes checks every bound input against its descriptor. An
// input short by at most slack bytes is accepted with a warning.
func validateInputSizes(tc *backend.TaskContext, slack int64) error {
	descs := tc.InputDescs()
	for i, t := range tc.Inputs() {
		if tc.Node.Inputs[i].Node == model.InvalidNode {
			continue
		}
		if !t.IsValid() {
			return fmt.Errorf("%w: %s input %d is unbound", model.ErrInternal, tc.Node.Name, i)
		}
		want := descs[i].ByteSize()
		if want < 0 {
			return fmt.Errorf("%w: %s input %d has unresolved shape %s", model.ErrShapeResolution, tc.Node.Name, i, descs[i])
		}
		if t.Size >= want {
			continue
		}
		short := want - t.Size
		if short > slack {
			return fmt.Errorf("%w: %s input %d holds %d bytes, %s needs %d",
				model.ErrSizeMismatch, tc.Node.Name, i, t.Size, descs[i], want)
		}
		tc.Logger.Warn("input smaller than its descriptor",
			"input", i, "size", t.Size, "expected", want, "slack", slack)
	}
	return nil
}
