package engine

import (
	"context"
	"sync"

	"github.com/seantiz/dynexec/internal/backend"
	"github.com/seantiz/dynexec/internal/model"
)

// NodeState is the per-invocation mutable state of one node. It is owned
// by its SubgraphContext and addressed by node id.
type NodeState struct {
	Item   *model.NodeItem
	Shapes *ShapeInferenceState

	executor backend.NodeExecutor
	task     backend.NodeTask
	tc       *backend.TaskContext

	prepareOnce sync.Once
	prepared    chan struct{}
	prepareErr  error
}

func newNodeState(node *model.NodeItem) *NodeState {
	return &NodeState{
		Item:     node,
		Shapes:   NewShapeInferenceState(node),
		prepared: make(chan struct{}),
	}
}

// finishPrepare resolves the prepare handle. Only the first call counts.
func (s *NodeState) finishPrepare(err error) {
	s.prepareOnce.Do(func() {
		s.prepareErr = err
		close(s.prepared)
	})
}

// waitPrepared blocks until the prepare pipeline finished this node.
func (s *NodeState) waitPrepared(ctx context.Context, ec *ExecutionContext) error {
	select {
	case <-s.prepared:
		return s.prepareErr
	default:
	}
	select {
	case <-s.prepared:
		return s.prepareErr
	case <-ec.Failed():
		return ec.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TaskContext returns the task context built at launch, or nil.
func (s *NodeState) TaskContext() *backend.TaskContext {
	return s.tc
}
