package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/dynexec/internal/backend"
	"github.com/seantiz/dynexec/internal/model"
)

type executorState int

const (
	stateCreated executorState = iota
	stateInitialized
	stateRunning
	stateCompleted
	stateFailed
)

func (s executorState) String() string {
	switch s {
	case stateCreated:
		return "created"
	case stateInitialized:
		return "initialized"
	case stateRunning:
		return "running"
	case stateCompleted:
		return "completed"
	case stateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// SubgraphExecutor runs one instance of a graph. It is reentrant across
// nested subgraphs: container nodes build their own SubgraphExecutor on the
// same ExecutionContext.
type SubgraphExecutor struct {
	graph  *model.GraphItem
	ec     *ExecutionContext
	engine ExecutionEngine
	logger *slog.Logger

	mu    sync.Mutex
	state executorState
	sc    *SubgraphContext
}

// NewSubgraphExecutor creates an executor for graph. The graph must be
// finalized.
func NewSubgraphExecutor(graph *model.GraphItem, ec *ExecutionContext) *SubgraphExecutor {
	return &SubgraphExecutor{
		graph:  graph,
		ec:     ec,
		logger: ec.Logger.With("graph", graph.Name),
	}
}

func (e *SubgraphExecutor) transition(from, to executorState) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != from {
		return fmt.Errorf("%w: subgraph %s is %s, want %s", model.ErrInvalidState, e.graph.Name, e.state, from)
	}
	e.state = to
	return nil
}

func (e *SubgraphExecutor) setState(s executorState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = s
}

// Context returns the subgraph context built by Init, or nil.
func (e *SubgraphExecutor) Context() *SubgraphContext {
	return e.sc
}

// Init builds the subgraph context and installs the boundary inputs. descs
// may be nil, in which case each Data node's declared descriptor is used.
// Known-shape graphs map parent inputs through InputIndexMapping; dynamic
// graphs match each Data node by its ParentIndex.
func (e *SubgraphExecutor) Init(ctx context.Context, inputs []model.Tensor, descs []model.TensorDesc) error {
	if err := e.transition(stateCreated, stateInitialized); err != nil {
		return err
	}
	if descs != nil && len(descs) != len(inputs) {
		e.setState(stateFailed)
		return fmt.Errorf("%w: %d inputs with %d descriptors", model.ErrInvalidArgument, len(inputs), len(descs))
	}
	sc := NewSubgraphContext(e.graph, e.ec)
	e.sc = sc
	if err := e.installInputs(inputs, descs); err != nil {
		e.setState(stateFailed)
		return fmt.Errorf("init %s: %w", e.graph.Name, err)
	}

	for _, node := range e.graph.Nodes {
		state, err := sc.GetOrCreateNodeState(node)
		if err != nil {
			e.setState(stateFailed)
			return err
		}
		for i, in := range node.Inputs {
			src := e.graph.Node(in.Node)
			if src == nil || src.ShapeMode != model.ShapeDependCompute {
				continue
			}
			if err := state.Shapes.UpdateInputShapeFuture(i, src.ID, in.Index); err != nil {
				e.setState(stateFailed)
				return err
			}
		}
	}

	for _, id := range e.graph.InputNodes {
		if e.graph.Nodes[id].HasObserver {
			if err := sc.NodeDone(id); err != nil {
				e.setState(stateFailed)
				return err
			}
		}
	}
	return nil
}

func (e *SubgraphExecutor) installInputs(inputs []model.Tensor, descs []model.TensorDesc) error {
	desc := func(i int, data *model.NodeItem) model.TensorDesc {
		if descs != nil {
			return descs[i]
		}
		return data.OutputDescs[0]
	}

	if !e.graph.IsDynamic() {
		if len(inputs) != len(e.graph.InputIndexMapping) {
			return fmt.Errorf("%w: graph %s takes %d inputs, got %d",
				model.ErrInvalidArgument, e.graph.Name, len(e.graph.InputIndexMapping), len(inputs))
		}
		for i, m := range e.graph.InputIndexMapping {
			data := e.graph.Nodes[e.graph.InputNodes[m]]
			if err := e.installInput(data, inputs[i], desc(i, data)); err != nil {
				return err
			}
		}
		return nil
	}

	want := 0
	for _, id := range e.graph.InputNodes {
		want = max(want, e.graph.Nodes[id].ParentIndex+1)
	}
	if len(inputs) > want {
		return fmt.Errorf("%w: graph %s takes %d inputs, got %d",
			model.ErrInvalidArgument, e.graph.Name, want, len(inputs))
	}
	for _, id := range e.graph.InputNodes {
		data := e.graph.Nodes[id]
		i := data.ParentIndex
		if i < 0 || i >= len(inputs) {
			return fmt.Errorf("%w: data node %s expects parent input %d, got %d inputs",
				model.ErrInvalidArgument, data.Name, i, len(inputs))
		}
		if err := e.installInput(data, inputs[i], desc(i, data)); err != nil {
			return err
		}
	}
	return nil
}

// installInput binds t as the output of data node and seeds its consumers'
// slots and shapes.
func (e *SubgraphExecutor) installInput(data *model.NodeItem, t model.Tensor, desc model.TensorDesc) error {
	if desc.IsUnknown() {
		return fmt.Errorf("%w: input %s has unresolved shape %s", model.ErrInvalidArgument, data.Name, desc)
	}
	if declared := data.OutputDescs[0]; !compatible(declared, desc) {
		return fmt.Errorf("%w: input %s has shape %s, graph declares %s", model.ErrInvalidArgument, data.Name, desc, declared)
	}
	sc := e.sc
	state, err := sc.GetOrCreateNodeState(data)
	if err != nil {
		return err
	}
	if err := state.Shapes.setOutputDesc(0, desc); err != nil {
		return err
	}
	if err := sc.SetOutput(data, 0, t); err != nil {
		return err
	}
	for _, edge := range data.Outputs[0] {
		consumer := e.graph.Nodes[edge.Node]
		if err := sc.SetInput(consumer, edge.Index, t); err != nil {
			return err
		}
		cs, err := sc.GetOrCreateNodeState(consumer)
		if err != nil {
			return err
		}
		if err := cs.Shapes.UpdateInputShape(edge.Index, desc); err != nil {
			return err
		}
	}
	return nil
}

// compatible reports whether actual fits declared, treating unknown
// declared dimensions as wildcards.
func compatible(declared, actual model.TensorDesc) bool {
	if declared.DType != actual.DType || len(declared.Shape) != len(actual.Shape) {
		return false
	}
	for i, d := range declared.Shape {
		if d >= 0 && d != actual.Shape[i] {
			return false
		}
	}
	return true
}

// ExecuteAsync runs the graph. A known-shape graph with a single executable
// node runs inline on the calling goroutine; everything else goes through
// ScheduleTasks. Device work may still be in flight on return; call
// Synchronize before reading outputs.
func (e *SubgraphExecutor) ExecuteAsync(ctx context.Context) error {
	if err := e.transition(stateInitialized, stateRunning); err != nil {
		return err
	}
	ctx = withExecutionContext(ctx, e.ec)

	var err error
	if !e.graph.IsDynamic() && len(e.graph.ExecNodes()) == 1 {
		subgraphRunsTotal.WithLabelValues(modeInline).Inc()
		err = e.runInline(ctx)
	} else {
		subgraphRunsTotal.WithLabelValues(modePipeline).Inc()
		err = e.ScheduleTasks(ctx, AllGroups)
	}
	if err != nil {
		e.ec.SetError(err)
		e.setState(stateFailed)
		return err
	}
	return nil
}

// runInline prepares and launches every node in order on the calling
// goroutine.
func (e *SubgraphExecutor) runInline(ctx context.Context) error {
	for _, node := range e.graph.Nodes {
		if node.IsData() {
			continue
		}
		state, err := e.sc.GetOrCreateNodeState(node)
		if err != nil {
			return err
		}
		err = e.prepareNode(ctx, state)
		state.finishPrepare(err)
		if err != nil {
			return err
		}
		if err := e.launchNode(ctx, state); err != nil {
			return err
		}
	}
	return nil
}

// ScheduleTasks runs the prepare pipeline and the launch loop. Nodes are
// submitted to the bounded prepare pool and pushed onto the ready queue in
// graph order; the calling goroutine pops and launches them. group
// restricts scheduling to one execution group, or AllGroups. The sink is
// only scheduled with AllGroups: a group run leaves the graph outputs to
// later groups, and the caller collects them after Synchronize. The first
// recorded error is returned.
func (e *SubgraphExecutor) ScheduleTasks(ctx context.Context, group int) error {
	queue := NewReadyQueue(e.ec.Policy.ReadyQueueSize)

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-e.ec.Failed():
			queue.Stop()
		case <-watchDone:
		}
	}()

	prepareErr := make(chan error, 1)
	go func() {
		prepareErr <- e.runPreparePipeline(ctx, queue, group)
	}()

	launchErr := e.launchLoop(ctx, queue)
	if launchErr != nil {
		e.ec.SetError(launchErr)
		queue.Stop()
	}
	pErr := <-prepareErr

	if err := e.ec.Err(); err != nil {
		return err
	}
	if launchErr != nil {
		return launchErr
	}
	return pErr
}

func (e *SubgraphExecutor) runPreparePipeline(ctx context.Context, queue *ReadyQueue, group int) error {
	var g errgroup.Group
	g.SetLimit(e.ec.Policy.PrepareWorkers)

	var pushErr error
	for _, node := range e.graph.Nodes {
		if !inGroup(node, group) {
			continue
		}
		state, err := e.sc.GetOrCreateNodeState(node)
		if err != nil {
			e.ec.SetError(err)
			pushErr = err
			break
		}
		g.Go(func() error {
			err := e.prepareNode(ctx, state)
			state.finishPrepare(err)
			if err != nil {
				e.ec.SetError(fmt.Errorf("prepare %s: %w", node.Name, err))
			}
			return err
		})
		if err := queue.Push(ctx, state); err != nil {
			pushErr = err
			break
		}
	}
	queue.Close()

	if err := g.Wait(); err != nil {
		return err
	}
	return pushErr
}

func inGroup(node *model.NodeItem, group int) bool {
	switch {
	case node.IsData():
		return false
	case group == AllGroups:
		return true
	case node.IsSink():
		return false
	default:
		return node.Group == group
	}
}

func (e *SubgraphExecutor) launchLoop(ctx context.Context, queue *ReadyQueue) error {
	for {
		state, ok, err := queue.Pop(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := state.waitPrepared(ctx, e.ec); err != nil {
			return err
		}
		if err := e.launchNode(ctx, state); err != nil {
			return err
		}
	}
}

// launchNode dispatches a prepared node. Unless the policy dispatches the
// graph output node, the sink is only awaited: its producers must finish
// before the loop moves on.
func (e *SubgraphExecutor) launchNode(ctx context.Context, state *NodeState) error {
	node := state.Item
	if node.IsSink() && !e.ec.Policy.DispatchSink {
		for _, dep := range node.ExecDeps {
			if err := e.sc.Await(ctx, dep); err != nil {
				return fmt.Errorf("await output producer %d: %w", dep, err)
			}
		}
		return nil
	}
	return e.engine.ExecuteAsync(ctx, e.sc, state)
}

// prepareNode resolves the node's shapes, pushes inferred output shapes to
// its consumers and loads its task.
func (e *SubgraphExecutor) prepareNode(ctx context.Context, state *NodeState) error {
	node := state.Item
	if err := state.Shapes.AwaitShapesReady(ctx, e.sc); err != nil {
		return err
	}
	if err := state.Shapes.UpdateOutputDesc(); err != nil {
		return err
	}
	if node.ShapeMode == model.ShapeDependInput {
		descs := state.Shapes.OutputDescs()
		for i, consumers := range node.Outputs {
			for _, edge := range consumers {
				cs, err := e.sc.GetOrCreateNodeState(e.graph.Nodes[edge.Node])
				if err != nil {
					return err
				}
				if err := cs.Shapes.UpdateInputShape(edge.Index, descs[i]); err != nil {
					return err
				}
			}
		}
	}

	if node.IsSink() && !e.ec.Policy.DispatchSink {
		return nil
	}
	exec, err := e.ec.Manager.ExecutorFor(ctx, node)
	if err != nil {
		return err
	}
	var task backend.NodeTask
	if node.IsDynamic() {
		task, err = exec.LoadTask(ctx, node)
	} else {
		task, err = e.ec.Tasks.GetOrLoad(ctx, exec, node)
	}
	if err != nil {
		return err
	}
	state.executor, state.task = exec, task
	return nil
}

// Synchronize waits for the streams this instance dispatched to and reports
// the first recorded error. Streams are shared FIFOs, so work other runs
// queued on those streams ahead of the marker is waited for too; streams
// this instance never touched are not.
func (e *SubgraphExecutor) Synchronize(ctx context.Context) error {
	if e.sc != nil {
		if ids := e.sc.usedStreams(); len(ids) > 0 {
			if err := e.ec.Device.Synchronize(ctx, ids...); err != nil {
				e.setState(stateFailed)
				return err
			}
		}
	}
	if err := e.ec.Err(); err != nil {
		e.setState(stateFailed)
		return err
	}
	e.mu.Lock()
	if e.state == stateRunning {
		e.state = stateCompleted
	}
	e.mu.Unlock()
	return nil
}

// GetOutputs returns the boundary output tensors and their descriptors.
func (e *SubgraphExecutor) GetOutputs() ([]model.Tensor, []model.TensorDesc, error) {
	if e.sc == nil {
		return nil, nil, fmt.Errorf("%w: subgraph %s is not initialized", model.ErrInvalidState, e.graph.Name)
	}
	outputs := make([]model.Tensor, len(e.graph.OutputEdges))
	descs := make([]model.TensorDesc, len(e.graph.OutputEdges))
	for i, edge := range e.graph.OutputEdges {
		producer := e.graph.Nodes[edge.Node]
		t, err := e.sc.GetOutput(producer, edge.Index)
		if err != nil {
			return nil, nil, err
		}
		d, err := e.sc.outputDesc(producer.ID, edge.Index)
		if err != nil {
			return nil, nil, err
		}
		outputs[i], descs[i] = t, d
	}
	return outputs, descs, nil
}

// GetOutput returns boundary output i.
func (e *SubgraphExecutor) GetOutput(i int) (model.Tensor, model.TensorDesc, error) {
	if i < 0 || i >= len(e.graph.OutputEdges) {
		return model.Tensor{}, model.TensorDesc{}, fmt.Errorf("%w: %s boundary output %d", model.ErrNotFound, e.graph.Name, i)
	}
	outputs, descs, err := e.GetOutputs()
	if err != nil {
		return model.Tensor{}, model.TensorDesc{}, err
	}
	return outputs[i], descs[i], nil
}

// SetOutputsToParentNode writes every boundary output tensor and its final
// shape into the parent node's task context at the mapped index.
func (e *SubgraphExecutor) SetOutputsToParentNode(tc *backend.TaskContext) error {
	outputs, descs, err := e.GetOutputs()
	if err != nil {
		return err
	}
	if len(e.graph.OutputIndexMapping) != len(outputs) {
		return fmt.Errorf("%w: %s maps %d outputs, produced %d",
			model.ErrInvalidGraph, e.graph.Name, len(e.graph.OutputIndexMapping), len(outputs))
	}
	for i, parentIdx := range e.graph.OutputIndexMapping {
		if err := tc.SetOutput(parentIdx, outputs[i]); err != nil {
			return fmt.Errorf("set parent output %d: %w", parentIdx, err)
		}
		if err := tc.UpdateOutputDesc(parentIdx, descs[i]); err != nil {
			return fmt.Errorf("set parent output desc %d: %w", parentIdx, err)
		}
	}
	return nil
}

// EnableOutputZeroCopy binds caller-supplied buffers directly to the output
// slots of the boundary producers, so they write the results in place.
// outputs must hold one tensor per boundary output edge; on a count
// mismatch no slot is touched. Boundary outputs fed straight from a Data
// node are left alone.
func (e *SubgraphExecutor) EnableOutputZeroCopy(outputs []model.Tensor) error {
	if e.sc == nil {
		return fmt.Errorf("%w: subgraph %s is not initialized", model.ErrInvalidState, e.graph.Name)
	}
	if len(outputs) != len(e.graph.OutputEdges) {
		return fmt.Errorf("%w: %d zero-copy outputs for %d boundary outputs",
			model.ErrInvalidArgument, len(outputs), len(e.graph.OutputEdges))
	}
	for i, edge := range e.graph.OutputEdges {
		producer := e.graph.Nodes[edge.Node]
		if producer.IsData() || !outputs[i].IsValid() {
			continue
		}
		if err := e.sc.SetOutput(producer, edge.Index, outputs[i]); err != nil {
			return err
		}
	}
	return nil
}

// Release detaches the instance from the execution context.
func (e *SubgraphExecutor) Release() {
	if e.sc != nil {
		e.sc.Release()
	}
}
