package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/seantiz/dynexec/internal/model"
)

// nodeSignal is a one-shot completion signal. It closes either through
// NodeDone or through a terminal error.
type nodeSignal struct {
	mu     sync.Mutex
	done   chan struct{}
	err    error
	closed bool
	byDone bool
}

func (s *nodeSignal) result() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// SubgraphContext is the tensor exchange of one subgraph instance. Input
// and output slots of every node live in two flat arrays addressed through
// the node's InputStart and OutputStart offsets.
type SubgraphContext struct {
	graph *model.GraphItem
	ec    *ExecutionContext

	mu      sync.RWMutex
	inputs  []model.Tensor
	outputs []model.Tensor

	states    []*NodeState
	stateOnce []sync.Once
	signals   []*nodeSignal

	streamMu sync.Mutex
	streams  map[int]struct{}

	removeHook func()
}

// NewSubgraphContext creates the exchange for one instance of graph and
// subscribes it to the execution's terminal error.
func NewSubgraphContext(graph *model.GraphItem, ec *ExecutionContext) *SubgraphContext {
	n := len(graph.Nodes)
	sc := &SubgraphContext{
		graph:     graph,
		ec:        ec,
		inputs:    make([]model.Tensor, graph.TotalInputs),
		outputs:   make([]model.Tensor, graph.TotalOutputs),
		states:    make([]*NodeState, n),
		stateOnce: make([]sync.Once, n),
		signals:   make([]*nodeSignal, n),
		streams:   make(map[int]struct{}),
	}
	for i := range sc.signals {
		sc.signals[i] = &nodeSignal{done: make(chan struct{})}
	}
	sc.removeHook = ec.onError(sc.OnError)
	return sc
}

// Release unsubscribes the context from the execution's error hooks.
func (sc *SubgraphContext) Release() {
	sc.removeHook()
}

func (sc *SubgraphContext) node(id model.NodeID) (*model.NodeItem, error) {
	n := sc.graph.Node(id)
	if n == nil {
		return nil, fmt.Errorf("%w: node %d in graph %s", model.ErrNotFound, id, sc.graph.Name)
	}
	return n, nil
}

// GetOrCreateNodeState returns the state of node, creating it on first
// use. Concurrent callers observe the same state.
func (sc *SubgraphContext) GetOrCreateNodeState(node *model.NodeItem) (*NodeState, error) {
	if sc.graph.Node(node.ID) != node {
		return nil, fmt.Errorf("%w: node %s is not part of graph %s", model.ErrNotFound, node.Name, sc.graph.Name)
	}
	sc.stateOnce[node.ID].Do(func() {
		sc.states[node.ID] = newNodeState(node)
	})
	return sc.states[node.ID], nil
}

func (sc *SubgraphContext) state(id model.NodeID) (*NodeState, error) {
	n, err := sc.node(id)
	if err != nil {
		return nil, err
	}
	return sc.GetOrCreateNodeState(n)
}

// SetInput installs t into input index of node.
func (sc *SubgraphContext) SetInput(node *model.NodeItem, index int, t model.Tensor) error {
	if index < 0 || index >= node.NumInputs {
		return fmt.Errorf("%w: %s input %d", model.ErrNotFound, node.Name, index)
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.inputs[node.InputStart+index] = t
	return nil
}

// SetOutput installs t into output index of node.
func (sc *SubgraphContext) SetOutput(node *model.NodeItem, index int, t model.Tensor) error {
	if index < 0 || index >= node.NumOutputs {
		return fmt.Errorf("%w: %s output %d", model.ErrNotFound, node.Name, index)
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.outputs[node.OutputStart+index] = t
	return nil
}

// GetInput returns input index of node.
func (sc *SubgraphContext) GetInput(node *model.NodeItem, index int) (model.Tensor, error) {
	if index < 0 || index >= node.NumInputs {
		return model.Tensor{}, fmt.Errorf("%w: %s input %d", model.ErrNotFound, node.Name, index)
	}
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.inputs[node.InputStart+index], nil
}

// GetOutput returns output index of node.
func (sc *SubgraphContext) GetOutput(node *model.NodeItem, index int) (model.Tensor, error) {
	if index < 0 || index >= node.NumOutputs {
		return model.Tensor{}, fmt.Errorf("%w: %s output %d", model.ErrNotFound, node.Name, index)
	}
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.outputs[node.OutputStart+index], nil
}

func (sc *SubgraphContext) nodeSlots(node *model.NodeItem) (inputs, outputs []model.Tensor) {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	inputs = append([]model.Tensor(nil), sc.inputs[node.InputStart:node.InputStart+node.NumInputs]...)
	outputs = append([]model.Tensor(nil), sc.outputs[node.OutputStart:node.OutputStart+node.NumOutputs]...)
	return inputs, outputs
}

// useStream records that a node of this instance was dispatched on stream
// id.
func (sc *SubgraphContext) useStream(id int) {
	sc.streamMu.Lock()
	sc.streams[id] = struct{}{}
	sc.streamMu.Unlock()
}

// usedStreams returns the stream ids dispatched to so far.
func (sc *SubgraphContext) usedStreams() []int {
	sc.streamMu.Lock()
	defer sc.streamMu.Unlock()
	ids := make([]int, 0, len(sc.streams))
	for id := range sc.streams {
		ids = append(ids, id)
	}
	return ids
}

// outputDesc reads the current descriptor of output index of node id.
func (sc *SubgraphContext) outputDesc(id model.NodeID, index int) (model.TensorDesc, error) {
	st, err := sc.state(id)
	if err != nil {
		return model.TensorDesc{}, err
	}
	return st.Shapes.OutputDesc(index)
}

// Await blocks until node id signals done or the execution fails. Every
// waiter observes the same outcome.
func (sc *SubgraphContext) Await(ctx context.Context, id model.NodeID) error {
	if _, err := sc.node(id); err != nil {
		return err
	}
	sig := sc.signals[id]
	select {
	case <-sig.done:
		return sig.result()
	default:
	}
	select {
	case <-sig.done:
		return sig.result()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NodeDone releases every waiter on node id. A second call for the same
// node is a programming error. A signal already closed by OnError is left
// as is.
func (sc *SubgraphContext) NodeDone(id model.NodeID) error {
	n, err := sc.node(id)
	if err != nil {
		return err
	}
	sig := sc.signals[id]
	sig.mu.Lock()
	defer sig.mu.Unlock()
	if sig.closed {
		if sig.byDone {
			return fmt.Errorf("%w: node %s signalled done twice", model.ErrInternal, n.Name)
		}
		return nil
	}
	sig.closed, sig.byDone = true, true
	close(sig.done)
	return nil
}

// OnError fails every pending waiter with err.
func (sc *SubgraphContext) OnError(err error) {
	for _, sig := range sc.signals {
		sig.mu.Lock()
		if !sig.closed {
			sig.closed = true
			sig.err = err
			close(sig.done)
		}
		sig.mu.Unlock()
	}
}
