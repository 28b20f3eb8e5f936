package backend

import (
	"context"
	"fmt"
	"strconv"

	"github.com/seantiz/dynexec/internal/device"
	"github.com/seantiz/dynexec/internal/model"
)

// Communicator performs collective operations across the ranks of a group.
type Communicator interface {
	Rank() int
	Size() int
	AllReduce(ctx context.Context, dst, src model.Tensor, desc model.TensorDesc, reduction string) error
	AllGather(ctx context.Context, dst, src model.Tensor) error
	Broadcast(ctx context.Context, dst, src model.Tensor, root int) error
	ReduceScatter(ctx context.Context, dst, src model.Tensor, desc model.TensorDesc, reduction string) error
}

// LocalCommunicator is a single-rank group. Every collective degenerates to
// a copy of the local contribution.
type LocalCommunicator struct{}

// Rank returns 0.
func (LocalCommunicator) Rank() int { return 0 }

// Size returns 1.
func (LocalCommunicator) Size() int { return 1 }

// AllReduce copies src into dst.
func (LocalCommunicator) AllReduce(_ context.Context, dst, src model.Tensor, _ model.TensorDesc, reduction string) error {
	if err := checkReduction(reduction); err != nil {
		return err
	}
	return device.Copy(dst, src)
}

// AllGather copies src into dst.
func (LocalCommunicator) AllGather(_ context.Context, dst, src model.Tensor) error {
	return device.Copy(dst, src)
}

// Broadcast copies src into dst. root must be 0.
func (LocalCommunicator) Broadcast(_ context.Context, dst, src model.Tensor, root int) error {
	if root != 0 {
		return fmt.Errorf("%w: broadcast root %d in a group of 1", model.ErrInvalidArgument, root)
	}
	return device.Copy(dst, src)
}

// ReduceScatter copies src into dst.
func (LocalCommunicator) ReduceScatter(_ context.Context, dst, src model.Tensor, _ model.TensorDesc, reduction string) error {
	if err := checkReduction(reduction); err != nil {
		return err
	}
	return device.Copy(dst, src)
}

func checkReduction(r string) error {
	switch r {
	case "sum", "prod", "max", "min":
		return nil
	}
	return fmt.Errorf("%w: reduction %q", model.ErrUnsupported, r)
}

// CollectiveExecutor runs collective-communication ops on device streams.
type CollectiveExecutor struct {
	BaseExecutor
	comm Communicator
}

// NewCollectiveExecutor creates an executor over comm.
func NewCollectiveExecutor(comm Communicator) *CollectiveExecutor {
	return &CollectiveExecutor{comm: comm}
}

// Type returns Collective.
func (e *CollectiveExecutor) Type() ExecutorType {
	return Collective
}

// CalcOpRunningParam aligns output sizes to the communication engine's
// transfer unit instead of the generic padding.
func (e *CollectiveExecutor) CalcOpRunningParam(node *model.NodeItem) error {
	return calcOutputSizes(node, collectiveOutputSize)
}

// LoadTask validates that node is a collective op.
func (e *CollectiveExecutor) LoadTask(_ context.Context, node *model.NodeItem) (NodeTask, error) {
	if !model.IsCollectiveOp(node.Type) {
		return nil, fmt.Errorf("%w: %s (%s) is not a collective op", model.ErrUnsupported, node.Name, node.Type)
	}
	if node.NumInputs < 1 || node.NumOutputs < 1 {
		return nil, fmt.Errorf("%w: %s needs one input and one output", model.ErrInvalidGraph, node.Name)
	}
	root, err := strconv.Atoi(node.Attr("root", "0"))
	if err != nil {
		return nil, fmt.Errorf("%w: %s root attribute: %w", model.ErrInvalidArgument, node.Name, err)
	}
	return &collectiveTask{
		node:      node,
		comm:      e.comm,
		reduction: node.Attr("reduction", "sum"),
		root:      root,
	}, nil
}

// PrepareTask allocates the outputs and binds the task.
func (e *CollectiveExecutor) PrepareTask(ctx context.Context, task NodeTask, tc *TaskContext) error {
	if err := tc.AllocateOutputs(); err != nil {
		return err
	}
	return task.UpdateArgs(ctx, tc)
}

type collectiveTask struct {
	node      *model.NodeItem
	comm      Communicator
	reduction string
	root      int
}

func (t *collectiveTask) UpdateArgs(_ context.Context, tc *TaskContext) error {
	if tc.Stream == nil {
		return fmt.Errorf("%w: %s task context has no stream", model.ErrInternal, t.node.Name)
	}
	if out, _ := tc.Output(0); !out.IsValid() {
		return fmt.Errorf("%w: %s output is unbound", model.ErrInternal, t.node.Name)
	}
	return nil
}

func (t *collectiveTask) ExecuteAsync(ctx context.Context, tc *TaskContext, done func(error)) error {
	err := tc.Stream.Launch(func() error {
		src, err := tc.Input(0)
		if err != nil {
			return err
		}
		desc, err := tc.InputDesc(0)
		if err != nil {
			return err
		}
		dst, err := tc.Output(0)
		if err != nil {
			return err
		}
		switch t.node.Type {
		case model.OpAllReduce:
			return t.comm.AllReduce(ctx, dst, src, desc, t.reduction)
		case model.OpAllGather:
			return t.comm.AllGather(ctx, dst, src)
		case model.OpBroadcast:
			return t.comm.Broadcast(ctx, dst, src, t.root)
		case model.OpReduceScatter:
			return t.comm.ReduceScatter(ctx, dst, src, desc, t.reduction)
		}
		return fmt.Errorf("%w: collective op %s", model.ErrUnsupported, t.node.Type)
	}, done)
	if err != nil {
		return fmt.Errorf("launch %s: %w", t.node.Name, err)
	}
	kernelLaunchesTotal.WithLabelValues(Collective.String(), t.node.Type).Inc()
	return nil
}
