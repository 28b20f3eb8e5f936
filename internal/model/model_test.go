package model

import (
	"errors"
	"regexp"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// crockfordBase32 matches valid ULID strings (26 chars, Crockford Base32 alphabet).
var crockfordBase32 = regexp.MustCompile(`^[0123456789ABCDEFGHJKMNPQRSTVWXYZ]{26}$`)

func TestNewIDFormat(t *testing.T) {
	id := NewID()
	if !crockfordBase32.MatchString(id) {
		t.Errorf("NewID() = %q, does not match Crockford Base32 ULID format", id)
	}
}

func TestNewIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("NewID() produced duplicate: %s", id)
		}
		seen[id] = true
	}
}

func TestTensorDescSizes(t *testing.T) {
	tests := []struct {
		desc    TensorDesc
		elems   int64
		bytes   int64
		unknown bool
	}{
		{NewDesc(DTFloat32, 2, 3), 6, 24, false},
		{NewDesc(DTInt64), 1, 8, false},
		{NewDesc(DTFloat16, 4, UnknownDim), -1, -1, true},
		{NewDesc(DTUint8, 0, 5), 0, 0, false},
	}
	for _, tt := range tests {
		if got := tt.desc.NumElements(); got != tt.elems {
			t.Errorf("%s NumElements = %d, want %d", tt.desc, got, tt.elems)
		}
		if got := tt.desc.ByteSize(); got != tt.bytes {
			t.Errorf("%s ByteSize = %d, want %d", tt.desc, got, tt.bytes)
		}
		if got := tt.desc.IsUnknown(); got != tt.unknown {
			t.Errorf("%s IsUnknown = %v, want %v", tt.desc, got, tt.unknown)
		}
	}
}

func TestParseDataType(t *testing.T) {
	dt, err := ParseDataType("INT32")
	if err != nil {
		t.Fatalf("ParseDataType: %v", err)
	}
	if dt != DTInt32 {
		t.Errorf("ParseDataType(INT32) = %v, want int32", dt)
	}
	if _, err := ParseDataType("complex128"); !errors.Is(err, ErrUnsupported) {
		t.Errorf("ParseDataType(complex128) error = %v, want ErrUnsupported", err)
	}
}

func TestFinalizeDerivesEdgesAndDependencies(t *testing.T) {
	g := NewGraphItem("g", false)
	x := g.AddData("x", NewDesc(DTFloat32, UnknownDim, 4))
	a := g.AddNode(&NodeItem{
		Name: "a", Type: "Relu", KernelLib: "core", NumInputs: 1,
		OutputDescs: []TensorDesc{NewDesc(DTFloat32, UnknownDim, 4)},
		InferShape:  InferSameAsInput,
	})
	u := g.AddNode(&NodeItem{
		Name: "u", Type: "Unique", KernelLib: "host", NumInputs: 1,
		OutputDescs: []TensorDesc{NewDesc(DTFloat32, UnknownDim)},
		ShapeMode:   ShapeDependCompute,
	})
	b := g.AddNode(&NodeItem{
		Name: "b", Type: "Identity", KernelLib: "core", NumInputs: 1,
		OutputDescs: []TensorDesc{NewDesc(DTFloat32, UnknownDim)},
		InferShape:  InferSameAsInput, StreamID: 1,
	})
	mustConnect(t, g, x, 0, a, 0)
	mustConnect(t, g, a, 0, u, 0)
	mustConnect(t, g, u, 0, b, 0)
	g.AddOutput("out", Edge{Node: b.ID, Index: 0})

	if err := g.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	if !g.IsDynamic() {
		t.Error("graph with unknown shapes should be dynamic")
	}
	if a.ShapeMode != ShapeDependInput {
		t.Errorf("a.ShapeMode = %v, want depend_input", a.ShapeMode)
	}
	if diff := cmp.Diff([][]Edge{{{Node: u.ID, Index: 0}}}, a.Outputs); diff != "" {
		t.Errorf("a.Outputs mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]NodeID{u.ID}, b.ShapeDeps); diff != "" {
		t.Errorf("b.ShapeDeps mismatch (-want +got):\n%s", diff)
	}
	// u feeds b across streams and is a depend-compute producer.
	if diff := cmp.Diff([]NodeID{u.ID}, b.ExecDeps); diff != "" {
		t.Errorf("b.ExecDeps mismatch (-want +got):\n%s", diff)
	}
	if !u.HasObserver {
		t.Error("depend-compute producer should be observed")
	}
	if !b.HasObserver {
		t.Error("sink producer should be observed")
	}
	if a.HasObserver {
		t.Error("a has no observers")
	}
	if diff := cmp.Diff([]Edge{{Node: b.ID, Index: 0}}, g.OutputEdges); diff != "" {
		t.Errorf("OutputEdges mismatch (-want +got):\n%s", diff)
	}
	if g.TotalInputs != 4 || g.TotalOutputs != 4 {
		t.Errorf("totals = %d/%d, want 4/4", g.TotalInputs, g.TotalOutputs)
	}
}

func TestFinalizeRejectsUnorderedEdges(t *testing.T) {
	g := NewGraphItem("g", false)
	a := g.AddNode(&NodeItem{Name: "a", Type: "Identity", NumInputs: 1, OutputDescs: []TensorDesc{NewDesc(DTFloat32, 1)}})
	b := g.AddNode(&NodeItem{Name: "b", Type: "Identity", NumInputs: 1, OutputDescs: []TensorDesc{NewDesc(DTFloat32, 1)}})
	a.Inputs[0] = Edge{Node: b.ID, Index: 0}

	if err := g.Finalize(); !errors.Is(err, ErrInvalidGraph) {
		t.Errorf("Finalize error = %v, want ErrInvalidGraph", err)
	}
}

func TestFinalizeRequiresShapeFunction(t *testing.T) {
	g := NewGraphItem("g", false)
	x := g.AddData("x", NewDesc(DTFloat32, UnknownDim))
	a := g.AddNode(&NodeItem{Name: "a", Type: "Mystery", NumInputs: 1, OutputDescs: []TensorDesc{NewDesc(DTFloat32, UnknownDim)}})
	mustConnect(t, g, x, 0, a, 0)

	if err := g.Finalize(); !errors.Is(err, ErrInvalidGraph) {
		t.Errorf("Finalize error = %v, want ErrInvalidGraph", err)
	}
}

func TestPromoteDynamicOnce(t *testing.T) {
	n := &NodeItem{Name: "body"}
	if n.IsDynamic() {
		t.Fatal("new node should be static")
	}
	if !n.PromoteDynamic() {
		t.Error("first PromoteDynamic should transition")
	}
	if n.PromoteDynamic() {
		t.Error("second PromoteDynamic should be a no-op")
	}
	if !n.IsDynamic() {
		t.Error("promoted node should be dynamic")
	}
}

func TestInferBroadcast(t *testing.T) {
	n := &NodeItem{Name: "add", NumOutputs: 1}
	out, err := InferBroadcast(n, []TensorDesc{NewDesc(DTFloat32, 3, 1), NewDesc(DTFloat32, 4)})
	if err != nil {
		t.Fatalf("InferBroadcast: %v", err)
	}
	if diff := cmp.Diff([]int64{3, 4}, out[0].Shape); diff != "" {
		t.Errorf("shape mismatch (-want +got):\n%s", diff)
	}

	if _, err := InferBroadcast(n, []TensorDesc{NewDesc(DTFloat32, 3), NewDesc(DTFloat32, 4)}); !errors.Is(err, ErrShapeResolution) {
		t.Errorf("incompatible broadcast error = %v, want ErrShapeResolution", err)
	}
}

func TestSizeOutputsRunsOncePerGraph(t *testing.T) {
	g := NewGraphItem("g", false)
	g.AddData("x", NewDesc(DTFloat32, 4))
	g.AddNode(&NodeItem{Name: "a", Type: "Relu", KernelLib: "core", NumOutputs: 1})

	calls := 0
	fail := true
	size := func(n *NodeItem) error {
		calls++
		if fail {
			return ErrInternal
		}
		n.OutputSizes = []int64{64}
		return nil
	}
	if err := g.SizeOutputs(size); !errors.Is(err, ErrInternal) {
		t.Fatalf("failing SizeOutputs error = %v, want ErrInternal", err)
	}

	fail = false
	calls = 0
	for range 3 {
		if err := g.SizeOutputs(size); err != nil {
			t.Fatalf("SizeOutputs: %v", err)
		}
	}
	if calls != len(g.Nodes) {
		t.Errorf("size called %d times, want %d", calls, len(g.Nodes))
	}
}

func mustConnect(t *testing.T, g *GraphItem, src *NodeItem, srcOut int, dst *NodeItem, dstIn int) {
	t.Helper()
	if err := g.Connect(src, srcOut, dst, dstIn); err != nil {
		t.Fatalf("Connect %s -> %s: %v", src.Name, dst.Name, err)
	}
}
