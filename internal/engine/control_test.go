package engine_test

import (
	"context"
	"encoding/binary"
	"errors"
	"strconv"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/seantiz/dynexec/internal/backend"
	"github.com/seantiz/dynexec/internal/engine"
	"github.com/seantiz/dynexec/internal/model"
)

// branchGraph is a -> relu -> out, or a -> out when relu is false.
func branchGraph(t *testing.T, name string, relu bool) *model.GraphItem {
	t.Helper()
	g := model.NewGraphItem(name, false)
	a := g.AddData("a", f32(4))
	if !relu {
		g.AddOutput("out", model.Edge{Node: a.ID})
		return g
	}
	r := g.AddNode(reluNode(name+"_relu", f32(4)))
	connect(t, g, a, 0, r, 0)
	g.AddOutput("out", model.Edge{Node: r.ID})
	return g
}

// selectGraph wires a control node taking (selector, x) to the output.
func selectGraph(t *testing.T, op string, selector model.TensorDesc, branches ...*model.GraphItem) *model.GraphItem {
	t.Helper()
	g := model.NewGraphItem("select", false)
	sel := g.AddData("selector", selector)
	x := g.AddData("x", f32(4))
	ctl := g.AddNode(&model.NodeItem{
		Name: "ctl", Type: op, NumInputs: 2, NumOutputs: 1,
		OutputDescs: []model.TensorDesc{f32(4)}, Subgraphs: branches,
	})
	connect(t, g, sel, 0, ctl, 0)
	connect(t, g, x, 0, ctl, 1)
	g.AddOutput("out", model.Edge{Node: ctl.ID})
	return g
}

func TestIfSelectsBranch(t *testing.T) {
	s := newSession(t, engine.DefaultPolicy(), nil)
	g := selectGraph(t, model.OpIf, model.NewDesc(model.DTBool, 1),
		branchGraph(t, "then", true), branchGraph(t, "else", false))
	x := backend.Float32Tensor(-1, 2, -3, 4)

	tests := []struct {
		name string
		pred byte
		want []float32
	}{
		{"true runs then", 1, []float32{0, 2, 0, 4}},
		{"false runs else", 0, []float32{-1, 2, -3, 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := s.Run(context.Background(), g, []model.Tensor{model.TensorFromBytes([]byte{tt.pred}), x}, nil)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if diff := cmp.Diff(tt.want, backend.Float32s(res.Outputs[0])); diff != "" {
				t.Errorf("output mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCaseClampsBranchIndex(t *testing.T) {
	s := newSession(t, engine.DefaultPolicy(), nil)
	g := selectGraph(t, model.OpCase, model.NewDesc(model.DTInt32, 1),
		branchGraph(t, "first", true), branchGraph(t, "last", false))
	x := backend.Float32Tensor(-1, 2, -3, 4)

	tests := []struct {
		name  string
		index int32
		want  []float32
	}{
		{"first branch", 0, []float32{0, 2, 0, 4}},
		{"last branch", 1, []float32{-1, 2, -3, 4}},
		{"out of range", 7, []float32{-1, 2, -3, 4}},
		{"negative", -2, []float32{-1, 2, -3, 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx := make([]byte, 4)
			binary.LittleEndian.PutUint32(idx, uint32(tt.index))
			res, err := s.Run(context.Background(), g, []model.Tensor{model.TensorFromBytes(idx), x}, nil)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if diff := cmp.Diff(tt.want, backend.Float32s(res.Outputs[0])); diff != "" {
				t.Errorf("output mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// lessThanKernel writes 1 when the first element of input 0 is below the
// "limit" attribute.
func lessThanKernel(args *backend.KernelArgs) error {
	limit, err := strconv.ParseFloat(args.Node.Attr("limit", "0"), 32)
	if err != nil {
		return err
	}
	out, err := args.Output(0, model.NewDesc(model.DTBool, 1))
	if err != nil {
		return err
	}
	out.Buf.Data[0] = 0
	if backend.Float32s(args.Inputs[0])[0] < float32(limit) {
		out.Buf.Data[0] = 1
	}
	return nil
}

// whileGraph counts i up by one while i < limit.
func whileGraph(t *testing.T, limit string, attrs map[string]string) *model.GraphItem {
	t.Helper()
	cond := model.NewGraphItem("cond", false)
	ci := cond.AddData("i", f32(1))
	lt := cond.AddNode(&model.NodeItem{
		Name: "lt", Type: "LessThan", KernelLib: "host", NumInputs: 1, NumOutputs: 1,
		OutputDescs: []model.TensorDesc{model.NewDesc(model.DTBool, 1)},
		Attrs:       map[string]string{"limit": limit},
	})
	connect(t, cond, ci, 0, lt, 0)
	cond.AddOutput("out", model.Edge{Node: lt.ID})

	body := model.NewGraphItem("body", false)
	bi := body.AddData("i", f32(1))
	one := body.AddNode(&model.NodeItem{
		Name: "one", Type: model.OpConstant, KernelLib: "local", NumOutputs: 1,
		OutputDescs: []model.TensorDesc{f32(1)}, Bound: backend.Float32Tensor(1),
	})
	next := body.AddNode(&model.NodeItem{
		Name: "next", Type: backend.OpAdd, KernelLib: "core", NumInputs: 2, NumOutputs: 1,
		OutputDescs: []model.TensorDesc{f32(1)},
	})
	connect(t, body, bi, 0, next, 0)
	connect(t, body, one, 0, next, 1)
	body.AddOutput("out", model.Edge{Node: next.ID})

	g := model.NewGraphItem("loop", false)
	i0 := g.AddData("i0", f32(1))
	loop := g.AddNode(&model.NodeItem{
		Name: "loop", Type: model.OpWhile, NumInputs: 1, NumOutputs: 1,
		OutputDescs: []model.TensorDesc{f32(1)}, Subgraphs: []*model.GraphItem{cond, body},
		Attrs: attrs,
	})
	connect(t, g, i0, 0, loop, 0)
	g.AddOutput("out", model.Edge{Node: loop.ID})
	return g
}

func loopKernels() *backend.KernelRegistry {
	k := backend.NewKernelRegistry()
	k.Register("LessThan", lessThanKernel)
	return k
}

func TestWhileIterates(t *testing.T) {
	s := newSession(t, engine.DefaultPolicy(), loopKernels())
	g := whileGraph(t, "3", nil)

	res, err := s.Run(context.Background(), g, []model.Tensor{backend.Float32Tensor(0)}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff([]float32{3}, backend.Float32s(res.Outputs[0])); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
	body := g.Nodes[1].Subgraphs[1]
	if !body.IsDynamic() {
		t.Error("loop body was not promoted to dynamic")
	}
}

func TestWhileSkipsBodyWhenCondFalse(t *testing.T) {
	s := newSession(t, engine.DefaultPolicy(), loopKernels())
	g := whileGraph(t, "3", nil)

	res, err := s.Run(context.Background(), g, []model.Tensor{backend.Float32Tensor(5)}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff([]float32{5}, backend.Float32s(res.Outputs[0])); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestWhileIterationLimit(t *testing.T) {
	s := newSession(t, engine.DefaultPolicy(), loopKernels())
	g := whileGraph(t, "100", map[string]string{"max_iterations": "2"})

	_, err := s.Run(context.Background(), g, []model.Tensor{backend.Float32Tensor(0)}, nil)
	if !errors.Is(err, model.ErrResource) {
		t.Fatalf("Run error = %v, want ErrResource", err)
	}
}

func TestNestedPartitionedCall(t *testing.T) {
	s := newSession(t, engine.DefaultPolicy(), nil)

	inner := model.NewGraphItem("inner", true)
	a := inner.AddData("a", f32(model.UnknownDim))
	u := inner.AddNode(&model.NodeItem{
		Name: "unique", Type: backend.OpUnique, KernelLib: "host", NumInputs: 1, NumOutputs: 1,
		OutputDescs: []model.TensorDesc{unknownF32()}, ShapeMode: model.ShapeDependCompute,
	})
	connect(t, inner, a, 0, u, 0)
	inner.AddOutput("out", model.Edge{Node: u.ID})

	g := model.NewGraphItem("outer", true)
	x := g.AddData("x", f32(5))
	call := g.AddNode(&model.NodeItem{
		Name: "call", Type: model.OpPartitionedCall, NumInputs: 1, NumOutputs: 1,
		OutputDescs: []model.TensorDesc{unknownF32()}, Subgraphs: []*model.GraphItem{inner},
	})
	relu := g.AddNode(&model.NodeItem{
		Name: "relu", Type: backend.OpRelu, KernelLib: "core", NumInputs: 1, NumOutputs: 1,
		OutputDescs: []model.TensorDesc{unknownF32()},
		ShapeMode:   model.ShapeDependInput, InferShape: model.InferSameAsInput,
	})
	connect(t, g, x, 0, call, 0)
	connect(t, g, call, 0, relu, 0)
	g.AddOutput("out", model.Edge{Node: relu.ID})

	res, err := s.Run(context.Background(), g, []model.Tensor{backend.Float32Tensor(-2, 3, -2, 3, 7)}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if call.ShapeMode != model.ShapeDependCompute {
		t.Errorf("call shape mode = %s, want depend_compute", call.ShapeMode)
	}
	if diff := cmp.Diff([]float32{0, 3, 7}, backend.Float32s(res.Outputs[0])); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
	if !res.Descs[0].Equal(f32(3)) {
		t.Errorf("output desc = %s, want float32[3]", res.Descs[0])
	}
}
