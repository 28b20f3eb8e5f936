package model

import (
	"sync/atomic"
)

// Op types with scheduler-visible semantics.
const (
	OpData            = "Data"
	OpNetOutput       = "NetOutput"
	OpVariable        = "Variable"
	OpConstant        = "Const"
	OpNoOp            = "NoOp"
	OpPartitionedCall = "PartitionedCall"
	OpIf              = "If"
	OpCase            = "Case"
	OpWhile           = "While"

	OpAllReduce     = "AllReduce"
	OpAllGather     = "AllGather"
	OpBroadcast     = "Broadcast"
	OpReduceScatter = "ReduceScatter"
)

// IsControlFlowOp reports whether op selects or repeats nested subgraphs.
func IsControlFlowOp(op string) bool {
	switch op {
	case OpIf, OpCase, OpWhile:
		return true
	}
	return false
}

// IsCollectiveOp reports whether op runs on the collective-communication engine.
func IsCollectiveOp(op string) bool {
	switch op {
	case OpAllReduce, OpAllGather, OpBroadcast, OpReduceScatter:
		return true
	}
	return false
}

// ShapeMode describes when a node's output shapes become known.
type ShapeMode int

const (
	// ShapeStatic outputs are fixed at compile time.
	ShapeStatic ShapeMode = iota
	// ShapeDependInput outputs are inferred from input shapes before dispatch.
	ShapeDependInput
	// ShapeDependCompute outputs are known only after the device finishes.
	ShapeDependCompute
)

func (m ShapeMode) String() string {
	switch m {
	case ShapeStatic:
		return "static"
	case ShapeDependInput:
		return "depend_input"
	case ShapeDependCompute:
		return "depend_compute"
	default:
		return "unknown"
	}
}

// NodeID indexes a node inside its GraphItem.
type NodeID int

// InvalidNode marks an unconnected edge endpoint.
const InvalidNode NodeID = -1

// Edge names one endpoint of a data edge. On the input side it is the
// producing node and output index; on the output side it is the consuming
// node and input index.
type Edge struct {
	Node  NodeID
	Index int
}

// ShapeInferFunc computes output descriptors from finalized input descriptors.
type ShapeInferFunc func(node *NodeItem, inputs []TensorDesc) ([]TensorDesc, error)

// NodeItem is the compile-time description of one operator. It is built
// once per loaded model and shared read-only across executions; the fields
// are populated before GraphItem.Finalize and must not change afterwards.
type NodeItem struct {
	ID        NodeID
	Name      string
	Type      string
	KernelLib string

	NumInputs  int
	NumOutputs int

	InputDescs  []TensorDesc
	OutputDescs []TensorDesc

	// Inputs holds the producer of each input index.
	Inputs []Edge
	// Outputs holds the consumers of each output index.
	Outputs [][]Edge

	// ValueDeps lists nodes whose output data this node reads without a data edge.
	ValueDeps []NodeID
	// CacheOutputs lists outputs published to the session value table.
	CacheOutputs []int

	ShapeMode  ShapeMode
	InferShape ShapeInferFunc

	Group    int
	StreamID int
	// ParentIndex maps a Data node to its boundary input index.
	ParentIndex int

	Subgraphs []*GraphItem
	Attrs     map[string]string
	// Bound is the storage of Variable and Const nodes.
	Bound Tensor

	// Derived by GraphItem.Finalize.
	ShapeDeps   []NodeID
	ExecDeps    []NodeID
	HasObserver bool
	InputStart  int
	OutputStart int

	// OutputSizes is filled by the executor sizing pass.
	OutputSizes []int64

	dynamic  atomic.Bool
	promoted atomic.Bool
}

// Subgraph returns the first embedded subgraph, or nil.
func (n *NodeItem) Subgraph() *GraphItem {
	if len(n.Subgraphs) == 0 {
		return nil
	}
	return n.Subgraphs[0]
}

// IsDynamic reports whether the node's shapes are resolved during execution.
func (n *NodeItem) IsDynamic() bool {
	return n.dynamic.Load()
}

// PromoteDynamic marks the node dynamic. It reports true only for the call
// that performed the transition.
func (n *NodeItem) PromoteDynamic() bool {
	if !n.promoted.CompareAndSwap(false, true) {
		return false
	}
	n.dynamic.Store(true)
	return true
}

// Attr returns the named attribute or def when absent.
func (n *NodeItem) Attr(key, def string) string {
	if v, ok := n.Attrs[key]; ok {
		return v
	}
	return def
}

// IsSink reports whether the node is the graph output node.
func (n *NodeItem) IsSink() bool {
	return n.Type == OpNetOutput
}

// IsData reports whether the node is a boundary input.
func (n *NodeItem) IsData() bool {
	return n.Type == OpData
}
