package backend

import (
	"context"
	"fmt"

	"github.com/seantiz/dynexec/internal/model"
)

// LocalExecutor completes sink, no-op, variable and constant nodes on the
// calling goroutine without touching a device stream.
type LocalExecutor struct {
	BaseExecutor
}

// NewLocalExecutor creates a LocalExecutor.
func NewLocalExecutor() *LocalExecutor {
	return &LocalExecutor{}
}

// Type returns Local.
func (e *LocalExecutor) Type() ExecutorType {
	return Local
}

// LoadTask returns a task for node.
func (e *LocalExecutor) LoadTask(_ context.Context, node *model.NodeItem) (NodeTask, error) {
	switch node.Type {
	case model.OpNetOutput, model.OpNoOp, model.OpData:
	case model.OpVariable, model.OpConstant:
		if !node.Bound.IsValid() {
			return nil, fmt.Errorf("%w: %s has no bound storage", model.ErrNotFound, node.Name)
		}
	default:
		return nil, fmt.Errorf("%w: %s (%s) is not a local op", model.ErrUnsupported, node.Name, node.Type)
	}
	return &localTask{node: node}, nil
}

type localTask struct {
	node *model.NodeItem
}

// UpdateArgs binds the stored tensor of variables and constants to output 0.
func (t *localTask) UpdateArgs(_ context.Context, tc *TaskContext) error {
	if !t.node.Bound.IsValid() || tc.NumOutputs() == 0 {
		return nil
	}
	if err := tc.SetOutput(0, t.node.Bound); err != nil {
		return err
	}
	if len(t.node.OutputDescs) > 0 {
		return tc.UpdateOutputDesc(0, t.node.OutputDescs[0])
	}
	return nil
}

func (t *localTask) ExecuteAsync(_ context.Context, _ *TaskContext, done func(error)) error {
	done(nil)
	return nil
}
