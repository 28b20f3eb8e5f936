package model

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// GraphItem is an ordered, compiled node list for one (sub)graph. Nodes are
// stored in topological order and addressed by NodeID; every cross-node
// reference is an ID into Nodes.
type GraphItem struct {
	Name  string
	Nodes []*NodeItem

	// Derived by Finalize.
	InputNodes   []NodeID
	OutputNode   NodeID
	TotalInputs  int
	TotalOutputs int

	// OutputEdges maps each boundary output to its producer. Finalize fills
	// it from the sink node's inputs when the graph has one.
	OutputEdges []Edge

	// InputIndexMapping maps parent input index i to InputNodes[mapping[i]].
	InputIndexMapping []int
	// OutputIndexMapping maps boundary output i to the parent's output index.
	OutputIndexMapping []int

	dynamic   atomic.Bool
	mu        sync.Mutex
	finalized bool
	sized     bool
}

// NewGraphItem creates an empty graph.
func NewGraphItem(name string, dynamic bool) *GraphItem {
	g := &GraphItem{Name: name, OutputNode: InvalidNode}
	g.dynamic.Store(dynamic)
	return g
}

// IsDynamic reports whether any node's shapes are resolved at run time.
func (g *GraphItem) IsDynamic() bool {
	return g.dynamic.Load()
}

// PromoteDynamic marks the graph and all of its nodes dynamic. Loop bodies
// are promoted before their first iteration.
func (g *GraphItem) PromoteDynamic() {
	g.dynamic.Store(true)
	for _, n := range g.Nodes {
		n.PromoteDynamic()
	}
}

// Node returns the node with the given id, or nil when out of range.
func (g *GraphItem) Node(id NodeID) *NodeItem {
	if id < 0 || int(id) >= len(g.Nodes) {
		return nil
	}
	return g.Nodes[id]
}

// AddNode appends n, assigns its ID and sizes its edge tables. Data nodes
// receive the next boundary input index.
func (g *GraphItem) AddNode(n *NodeItem) *NodeItem {
	n.ID = NodeID(len(g.Nodes))
	if n.NumInputs == 0 {
		n.NumInputs = len(n.InputDescs)
	}
	if n.NumOutputs == 0 {
		n.NumOutputs = len(n.OutputDescs)
	}
	if len(n.Inputs) < n.NumInputs {
		in := make([]Edge, n.NumInputs)
		copy(in, n.Inputs)
		for i := len(n.Inputs); i < n.NumInputs; i++ {
			in[i] = Edge{Node: InvalidNode}
		}
		n.Inputs = in
	}
	if n.IsData() {
		n.ParentIndex = len(g.dataNodes())
	}
	g.Nodes = append(g.Nodes, n)
	return n
}

// AddData appends a boundary input node producing desc.
func (g *GraphItem) AddData(name string, desc TensorDesc) *NodeItem {
	return g.AddNode(&NodeItem{
		Name:        name,
		Type:        OpData,
		KernelLib:   "local",
		OutputDescs: []TensorDesc{desc},
	})
}

// AddOutput appends the sink node consuming the given producers.
func (g *GraphItem) AddOutput(name string, producers ...Edge) *NodeItem {
	n := g.AddNode(&NodeItem{
		Name:      name,
		Type:      OpNetOutput,
		KernelLib: "local",
		NumInputs: len(producers),
	})
	copy(n.Inputs, producers)
	return n
}

// Connect wires output srcOut of src to input dstIn of dst.
func (g *GraphItem) Connect(src *NodeItem, srcOut int, dst *NodeItem, dstIn int) error {
	if srcOut < 0 || srcOut >= src.NumOutputs {
		return fmt.Errorf("%w: %s has no output %d", ErrNotFound, src.Name, srcOut)
	}
	if dstIn < 0 || dstIn >= dst.NumInputs {
		return fmt.Errorf("%w: %s has no input %d", ErrNotFound, dst.Name, dstIn)
	}
	dst.Inputs[dstIn] = Edge{Node: src.ID, Index: srcOut}
	return nil
}

// ExecNodes returns the nodes dispatched to executors: everything except
// boundary inputs and the sink.
func (g *GraphItem) ExecNodes() []*NodeItem {
	var out []*NodeItem
	for _, n := range g.Nodes {
		if n.IsData() || n.IsSink() {
			continue
		}
		out = append(out, n)
	}
	return out
}

func (g *GraphItem) dataNodes() []*NodeItem {
	var out []*NodeItem
	for _, n := range g.Nodes {
		if n.IsData() {
			out = append(out, n)
		}
	}
	return out
}

// SizeOutputs runs size over every node the first time it succeeds for g.
// Sessions sharing a graph therefore write each node's sizing results once,
// before any of them runs it.
func (g *GraphItem) SizeOutputs(size func(*NodeItem) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sized {
		return nil
	}
	for _, n := range g.Nodes {
		if err := size(n); err != nil {
			return err
		}
	}
	g.sized = true
	return nil
}

// Finalize validates the node list and derives fan-out tables, dependency
// lists, observer flags and slot offsets. It is idempotent.
func (g *GraphItem) Finalize() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.finalized {
		return nil
	}

	for i, n := range g.Nodes {
		if int(n.ID) != i {
			return fmt.Errorf("%w: node %s has id %d at position %d", ErrInvalidGraph, n.Name, n.ID, i)
		}
		n.Outputs = make([][]Edge, n.NumOutputs)
		if len(n.OutputDescs) < n.NumOutputs {
			descs := make([]TensorDesc, n.NumOutputs)
			copy(descs, n.OutputDescs)
			for j := len(n.OutputDescs); j < n.NumOutputs; j++ {
				descs[j] = TensorDesc{Shape: []int64{UnknownDim}}
			}
			n.OutputDescs = descs
		}
		n.InputDescs = make([]TensorDesc, n.NumInputs)
		n.ShapeDeps, n.ExecDeps = nil, nil
	}

	inputStart, outputStart := 0, 0
	sink := InvalidNode
	for _, n := range g.Nodes {
		n.InputStart, n.OutputStart = inputStart, outputStart
		inputStart += n.NumInputs
		outputStart += n.NumOutputs

		if n.IsSink() {
			if sink != InvalidNode {
				return fmt.Errorf("%w: graph %s has more than one output node", ErrInvalidGraph, g.Name)
			}
			sink = n.ID
		}

		shapeDeps := map[NodeID]bool{}
		execDeps := map[NodeID]bool{}
		for i, e := range n.Inputs {
			if e.Node == InvalidNode {
				continue
			}
			if e.Node < 0 || e.Node >= n.ID {
				return fmt.Errorf("%w: %s input %d refers to node %d which is not ordered before it",
					ErrInvalidGraph, n.Name, i, e.Node)
			}
			src := g.Nodes[e.Node]
			if e.Index < 0 || e.Index >= src.NumOutputs {
				return fmt.Errorf("%w: %s input %d refers to missing output %s:%d",
					ErrInvalidGraph, n.Name, i, src.Name, e.Index)
			}
			src.Outputs[e.Index] = append(src.Outputs[e.Index], Edge{Node: n.ID, Index: i})
			n.InputDescs[i] = src.OutputDescs[e.Index].Clone()

			if n.InputDescs[i].IsUnknown() && !shapeDeps[src.ID] {
				shapeDeps[src.ID] = true
				n.ShapeDeps = append(n.ShapeDeps, src.ID)
			}
			if src.IsData() {
				continue
			}
			if src.ShapeMode == ShapeDependCompute {
				src.HasObserver = true
			}
			if n.IsSink() || len(n.Subgraphs) > 0 || IsControlFlowOp(n.Type) || src.StreamID != n.StreamID {
				if !execDeps[src.ID] {
					execDeps[src.ID] = true
					n.ExecDeps = append(n.ExecDeps, src.ID)
				}
				src.HasObserver = true
			}
		}
		for _, dep := range n.ValueDeps {
			if dep < 0 || dep >= n.ID {
				return fmt.Errorf("%w: %s value dependency %d is not ordered before it", ErrInvalidGraph, n.Name, dep)
			}
			g.Nodes[dep].HasObserver = true
			if !execDeps[dep] {
				execDeps[dep] = true
				n.ExecDeps = append(n.ExecDeps, dep)
			}
		}

		if n.IsData() || n.IsSink() {
			continue
		}
		unknownOut := false
		for _, d := range n.OutputDescs {
			if d.IsUnknown() {
				unknownOut = true
			}
		}
		if unknownOut && n.ShapeMode == ShapeStatic {
			switch {
			case len(n.Subgraphs) > 0:
				n.ShapeMode = ShapeDependCompute
			case n.InferShape != nil:
				n.ShapeMode = ShapeDependInput
			default:
				return fmt.Errorf("%w: %s has unknown output shapes and no shape inference", ErrInvalidGraph, n.Name)
			}
		}
		if n.ShapeMode == ShapeDependInput && n.InferShape == nil {
			return fmt.Errorf("%w: %s infers shapes from inputs but has no shape function", ErrInvalidGraph, n.Name)
		}
		if n.ShapeMode != ShapeStatic || len(n.ShapeDeps) > 0 {
			n.dynamic.Store(true)
		}
		if n.IsDynamic() {
			g.dynamic.Store(true)
		}
	}
	g.TotalInputs, g.TotalOutputs = inputStart, outputStart

	data := g.dataNodes()
	sort.SliceStable(data, func(i, j int) bool { return data[i].ParentIndex < data[j].ParentIndex })
	g.InputNodes = g.InputNodes[:0]
	for i, d := range data {
		if i > 0 && data[i-1].ParentIndex == d.ParentIndex {
			return fmt.Errorf("%w: data nodes %s and %s share boundary index %d",
				ErrInvalidGraph, data[i-1].Name, d.Name, d.ParentIndex)
		}
		g.InputNodes = append(g.InputNodes, d.ID)
	}

	g.OutputNode = sink
	if sink != InvalidNode {
		g.OutputEdges = append([]Edge(nil), g.Nodes[sink].Inputs...)
	}
	for i, e := range g.OutputEdges {
		if g.Node(e.Node) == nil {
			return fmt.Errorf("%w: boundary output %d has no producer", ErrInvalidGraph, i)
		}
	}
	if g.InputIndexMapping == nil {
		g.InputIndexMapping = identity(len(g.InputNodes))
	}
	if g.OutputIndexMapping == nil {
		g.OutputIndexMapping = identity(len(g.OutputEdges))
	}
	for _, m := range g.InputIndexMapping {
		if m < 0 || m >= len(g.InputNodes) {
			return fmt.Errorf("%w: input mapping entry %d out of range", ErrInvalidGraph, m)
		}
	}

	for _, n := range g.Nodes {
		for _, sub := range n.Subgraphs {
			if sub == g {
				return fmt.Errorf("%w: %s embeds its own graph", ErrInvalidGraph, n.Name)
			}
			if err := sub.Finalize(); err != nil {
				return fmt.Errorf("subgraph %s of %s: %w", sub.Name, n.Name, err)
			}
		}
	}

	g.finalized = true
	return nil
}

func identity(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
