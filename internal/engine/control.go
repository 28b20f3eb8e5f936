package engine

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/seantiz/dynexec/internal/backend"
	"github.com/seantiz/dynexec/internal/model"
)

const defaultMaxIterations = 1000

// controlExecutor runs If, Case and While. Branches and loop bodies run as
// nested subgraph instances on the caller's execution context.
type controlExecutor struct {
	backend.BaseExecutor
}

func (e *controlExecutor) Type() backend.ExecutorType {
	return backend.ControlOp
}

func (e *controlExecutor) CalcOpRunningParam(node *model.NodeItem) error {
	node.OutputSizes = make([]int64, node.NumOutputs)
	return nil
}

func (e *controlExecutor) LoadTask(_ context.Context, node *model.NodeItem) (backend.NodeTask, error) {
	switch node.Type {
	case model.OpIf:
		if len(node.Subgraphs) != 2 {
			return nil, fmt.Errorf("%w: If %s needs 2 branches, has %d", model.ErrInvalidGraph, node.Name, len(node.Subgraphs))
		}
		if node.NumInputs < 1 {
			return nil, fmt.Errorf("%w: If %s has no predicate input", model.ErrInvalidGraph, node.Name)
		}
		return &ifTask{node: node}, nil
	case model.OpCase:
		if len(node.Subgraphs) == 0 {
			return nil, fmt.Errorf("%w: Case %s has no branches", model.ErrInvalidGraph, node.Name)
		}
		if node.NumInputs < 1 {
			return nil, fmt.Errorf("%w: Case %s has no index input", model.ErrInvalidGraph, node.Name)
		}
		return &caseTask{node: node}, nil
	case model.OpWhile:
		if len(node.Subgraphs) != 2 {
			return nil, fmt.Errorf("%w: While %s needs cond and body, has %d subgraphs", model.ErrInvalidGraph, node.Name, len(node.Subgraphs))
		}
		if node.NumInputs != node.NumOutputs {
			return nil, fmt.Errorf("%w: While %s carries %d inputs into %d outputs", model.ErrInvalidGraph, node.Name, node.NumInputs, node.NumOutputs)
		}
		limit, err := strconv.Atoi(node.Attr("max_iterations", strconv.Itoa(defaultMaxIterations)))
		if err != nil {
			return nil, fmt.Errorf("%w: %s max_iterations: %w", model.ErrInvalidArgument, node.Name, err)
		}
		// Loop bodies see different shapes on every iteration.
		node.Subgraphs[1].PromoteDynamic()
		return &whileTask{node: node, maxIterations: limit}, nil
	}
	return nil, fmt.Errorf("%w: %s is not a control op", model.ErrUnsupported, node.Type)
}

func executionContext(ctx context.Context, node *model.NodeItem) (*ExecutionContext, error) {
	ec := ExecutionContextFrom(ctx)
	if ec == nil {
		return nil, fmt.Errorf("%w: %s launched outside an execution", model.ErrInternal, node.Name)
	}
	return ec, nil
}

type ifTask struct {
	node *model.NodeItem
}

func (t *ifTask) UpdateArgs(context.Context, *backend.TaskContext) error { return nil }

// ExecuteAsync runs branch 0 when the predicate holds a non-zero byte and
// branch 1 otherwise. Inputs after the predicate feed the branch.
func (t *ifTask) ExecuteAsync(ctx context.Context, tc *backend.TaskContext, done func(error)) error {
	ec, err := executionContext(ctx, t.node)
	if err != nil {
		return err
	}
	pred, err := tc.Input(0)
	if err != nil {
		return err
	}
	branch := t.node.Subgraphs[1]
	if truthy(pred) {
		branch = t.node.Subgraphs[0]
	}
	done(runNested(ctx, ec, branch, tc.Inputs()[1:], tc.InputDescs()[1:], tc))
	return nil
}

type caseTask struct {
	node *model.NodeItem
}

func (t *caseTask) UpdateArgs(context.Context, *backend.TaskContext) error { return nil }

// ExecuteAsync runs the branch selected by the int32 index in input 0.
// Out-of-range indexes select the last branch.
func (t *caseTask) ExecuteAsync(ctx context.Context, tc *backend.TaskContext, done func(error)) error {
	ec, err := executionContext(ctx, t.node)
	if err != nil {
		return err
	}
	in, err := tc.Input(0)
	if err != nil {
		return err
	}
	data := in.Bytes()
	if len(data) < 4 {
		return fmt.Errorf("%w: %s branch index holds %d bytes", model.ErrSizeMismatch, t.node.Name, len(data))
	}
	idx := int(int32(binary.LittleEndian.Uint32(data)))
	last := len(t.node.Subgraphs) - 1
	if idx < 0 || idx > last {
		idx = last
	}
	done(runNested(ctx, ec, t.node.Subgraphs[idx], tc.Inputs()[1:], tc.InputDescs()[1:], tc))
	return nil
}

type whileTask struct {
	node          *model.NodeItem
	maxIterations int
}

func (t *whileTask) UpdateArgs(context.Context, *backend.TaskContext) error { return nil }

// ExecuteAsync evaluates the cond graph on the loop variables and runs the
// body while its first output is non-zero. Body outputs become the next
// iteration's loop variables.
func (t *whileTask) ExecuteAsync(ctx context.Context, tc *backend.TaskContext, done func(error)) error {
	ec, err := executionContext(ctx, t.node)
	if err != nil {
		return err
	}
	done(t.loop(ctx, ec, tc))
	return nil
}

func (t *whileTask) loop(ctx context.Context, ec *ExecutionContext, tc *backend.TaskContext) error {
	cond, body := t.node.Subgraphs[0], t.node.Subgraphs[1]
	vars, descs := tc.Inputs(), tc.InputDescs()

	for iter := 0; ; iter++ {
		if iter >= t.maxIterations {
			return fmt.Errorf("%w: %s exceeded %d iterations", model.ErrResource, t.node.Name, t.maxIterations)
		}
		out, _, err := runGraph(ctx, ec, cond, vars, descs)
		if err != nil {
			return fmt.Errorf("%s cond iteration %d: %w", t.node.Name, iter, err)
		}
		if len(out) == 0 {
			return fmt.Errorf("%w: %s cond graph has no output", model.ErrInvalidGraph, t.node.Name)
		}
		if !truthy(out[0]) {
			break
		}
		vars, descs, err = runGraph(ctx, ec, body, vars, descs)
		if err != nil {
			return fmt.Errorf("%s body iteration %d: %w", t.node.Name, iter, err)
		}
		if len(vars) != t.node.NumOutputs {
			return fmt.Errorf("%w: %s body produced %d loop variables, want %d",
				model.ErrInvalidGraph, t.node.Name, len(vars), t.node.NumOutputs)
		}
	}

	for i := range vars {
		if err := tc.SetOutput(i, vars[i]); err != nil {
			return err
		}
		if err := tc.UpdateOutputDesc(i, descs[i]); err != nil {
			return err
		}
	}
	return nil
}

// truthy reports whether t holds any non-zero byte.
func truthy(t model.Tensor) bool {
	for _, b := range t.Bytes() {
		if b != 0 {
			return true
		}
	}
	return false
}
