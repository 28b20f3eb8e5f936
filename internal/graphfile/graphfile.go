// Package graphfile loads compiled graph descriptions written in HCL.
//
// A file holds one or more graph blocks. The first block is the root graph;
// the others are only reachable as subgraphs of PartitionedCall and control
// flow nodes, which name them in their subgraphs attribute.
//
//	graph "main" {
//	  node "x" {
//	    type = "Data"
//	    output {
//	      dtype = "float32"
//	      shape = [-1, 4]
//	    }
//	  }
//	  node "y" {
//	    type   = "Relu"
//	    inputs = ["x:0"]
//	    output {
//	      dtype = "float32"
//	      shape = [-1, 4]
//	    }
//	  }
//	  node "out" {
//	    type   = "NetOutput"
//	    inputs = ["y"]
//	  }
//	}
package graphfile

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"

	"github.com/seantiz/dynexec/internal/backend"
	"github.com/seantiz/dynexec/internal/model"
)

const defaultKernelLib = "core"

type hclGraphFile struct {
	Graphs []*hclGraph `hcl:"graph,block"`
}

type hclGraph struct {
	Name    string     `hcl:"name,label"`
	Dynamic bool       `hcl:"dynamic,optional"`
	Nodes   []*hclNode `hcl:"node,block"`
}

type hclNode struct {
	Name         string         `hcl:"name,label"`
	Type         string         `hcl:"type"`
	Lib          string         `hcl:"lib,optional"`
	Inputs       []string       `hcl:"inputs,optional"`
	Outputs      []*hclOutput   `hcl:"output,block"`
	ShapeMode    string         `hcl:"shape_mode,optional"`
	Stream       int            `hcl:"stream,optional"`
	Group        int            `hcl:"group,optional"`
	Attrs        hcl.Expression `hcl:"attrs,optional"`
	Subgraphs    []string       `hcl:"subgraphs,optional"`
	ValueDeps    []string       `hcl:"value_deps,optional"`
	CacheOutputs []int          `hcl:"cache_outputs,optional"`
	Value        []float64      `hcl:"value,optional"`
}

type hclOutput struct {
	DType string  `hcl:"dtype"`
	Shape []int64 `hcl:"shape,optional"`
}

// inferFuncs are the shape functions attached to built-in op types.
var inferFuncs = map[string]model.ShapeInferFunc{
	backend.OpIdentity: model.InferSameAsInput,
	backend.OpRelu:     model.InferSameAsInput,
	backend.OpAdd:      model.InferBroadcast,
	backend.OpShape:    model.InferShapeOf,
}

// Load reads and builds the graph file at path.
func Load(path string) (*model.GraphItem, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read graph file: %w", err)
	}
	return Parse(src, path)
}

// Parse builds the root graph described by src and finalizes it. filename
// is used in diagnostics only.
func Parse(src []byte, filename string) (*model.GraphItem, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("%w: parse %s: %w", model.ErrInvalidGraph, filename, diags)
	}

	var parsed hclGraphFile
	if diags := gohcl.DecodeBody(file.Body, nil, &parsed); diags.HasErrors() {
		return nil, fmt.Errorf("%w: decode %s: %w", model.ErrInvalidGraph, filename, diags)
	}
	if len(parsed.Graphs) == 0 {
		return nil, fmt.Errorf("%w: %s declares no graph", model.ErrInvalidGraph, filename)
	}

	b := &builder{graphs: make(map[string]*hclGraph, len(parsed.Graphs)), building: map[string]bool{}}
	for _, g := range parsed.Graphs {
		if _, dup := b.graphs[g.Name]; dup {
			return nil, fmt.Errorf("%w: graph %q declared twice", model.ErrInvalidGraph, g.Name)
		}
		b.graphs[g.Name] = g
	}

	root, err := b.build(parsed.Graphs[0].Name)
	if err != nil {
		return nil, err
	}
	if err := root.Finalize(); err != nil {
		return nil, err
	}
	return root, nil
}

type builder struct {
	graphs   map[string]*hclGraph
	building map[string]bool
}

// build creates a fresh GraphItem for the named graph. Every reference gets
// its own copy since node state is per graph.
func (b *builder) build(name string) (*model.GraphItem, error) {
	gs, ok := b.graphs[name]
	if !ok {
		return nil, fmt.Errorf("%w: graph %q", model.ErrNotFound, name)
	}
	if b.building[name] {
		return nil, fmt.Errorf("%w: graph %q contains itself", model.ErrInvalidGraph, name)
	}
	b.building[name] = true
	defer delete(b.building, name)

	g := model.NewGraphItem(gs.Name, gs.Dynamic)
	byName := make(map[string]*model.NodeItem, len(gs.Nodes))
	for _, ns := range gs.Nodes {
		if _, dup := byName[ns.Name]; dup {
			return nil, fmt.Errorf("%w: graph %q: node %q declared twice", model.ErrInvalidGraph, name, ns.Name)
		}
		n, err := b.node(ns)
		if err != nil {
			return nil, fmt.Errorf("graph %q: node %q: %w", name, ns.Name, err)
		}
		byName[ns.Name] = g.AddNode(n)
	}

	for _, ns := range gs.Nodes {
		n := byName[ns.Name]
		for i, ref := range ns.Inputs {
			src, out, err := parseRef(ref)
			if err != nil {
				return nil, fmt.Errorf("node %q input %d: %w", ns.Name, i, err)
			}
			producer, ok := byName[src]
			if !ok {
				return nil, fmt.Errorf("%w: node %q input %d names unknown node %q",
					model.ErrNotFound, ns.Name, i, src)
			}
			if err := g.Connect(producer, out, n, i); err != nil {
				return nil, fmt.Errorf("graph %q: %w", name, err)
			}
		}
		for _, dep := range ns.ValueDeps {
			producer, ok := byName[dep]
			if !ok {
				return nil, fmt.Errorf("%w: node %q value dependency %q",
					model.ErrNotFound, ns.Name, dep)
			}
			n.ValueDeps = append(n.ValueDeps, producer.ID)
		}
	}
	return g, nil
}

func (b *builder) node(ns *hclNode) (*model.NodeItem, error) {
	n := &model.NodeItem{
		Name:         ns.Name,
		Type:         ns.Type,
		KernelLib:    ns.Lib,
		NumInputs:    len(ns.Inputs),
		NumOutputs:   len(ns.Outputs),
		StreamID:     ns.Stream,
		Group:        ns.Group,
		CacheOutputs: ns.CacheOutputs,
		InferShape:   inferFuncs[ns.Type],
	}
	if n.KernelLib == "" {
		n.KernelLib = defaultKernelLib
	}
	switch ns.Type {
	case model.OpData, model.OpNetOutput, model.OpConstant, model.OpVariable, model.OpNoOp:
		n.KernelLib = "local"
	}

	for i, out := range ns.Outputs {
		dt, err := model.ParseDataType(out.DType)
		if err != nil {
			return nil, fmt.Errorf("output %d: %w", i, err)
		}
		n.OutputDescs = append(n.OutputDescs, model.NewDesc(dt, out.Shape...))
	}

	attrs, err := decodeAttrs(ns.Attrs)
	if err != nil {
		return nil, err
	}
	n.Attrs = attrs

	mode, err := parseShapeMode(ns.ShapeMode)
	if err != nil {
		return nil, err
	}
	n.ShapeMode = mode

	if ns.Value != nil {
		if n.NumOutputs != 1 || n.OutputDescs[0].DType != model.DTFloat32 {
			return nil, fmt.Errorf("%w: value needs a single float32 output", model.ErrUnsupported)
		}
		vals := make([]float32, len(ns.Value))
		for i, v := range ns.Value {
			vals[i] = float32(v)
		}
		n.Bound = backend.Float32Tensor(vals...)
	}

	for _, name := range ns.Subgraphs {
		sub, err := b.build(name)
		if err != nil {
			return nil, err
		}
		n.Subgraphs = append(n.Subgraphs, sub)
	}
	return n, nil
}

// decodeAttrs flattens the attrs object into strings. Numbers and bools may
// be written unquoted; nested values are rejected.
func decodeAttrs(expr hcl.Expression) (map[string]string, error) {
	if expr == nil {
		return nil, nil
	}
	val, diags := expr.Value(nil)
	if diags.HasErrors() {
		return nil, fmt.Errorf("%w: attrs: %w", model.ErrInvalidGraph, diags)
	}
	if val.IsNull() {
		return nil, nil
	}
	if !val.IsKnown() || !(val.Type().IsObjectType() || val.Type().IsMapType()) {
		return nil, fmt.Errorf("%w: attrs must be an object, got %s", model.ErrInvalidGraph, val.Type().FriendlyName())
	}

	attrs := make(map[string]string)
	for it := val.ElementIterator(); it.Next(); {
		k, v := it.Element()
		sv, err := convert.Convert(v, cty.String)
		if err != nil || sv.IsNull() {
			return nil, fmt.Errorf("%w: attr %q must be a string, number or bool", model.ErrInvalidGraph, k.AsString())
		}
		attrs[k.AsString()] = sv.AsString()
	}
	return attrs, nil
}

// parseRef splits a "node:output" reference. A bare node name means output 0.
func parseRef(ref string) (string, int, error) {
	name, idx, found := strings.Cut(ref, ":")
	if name == "" {
		return "", 0, fmt.Errorf("%w: empty input reference %q", model.ErrInvalidGraph, ref)
	}
	if !found {
		return name, 0, nil
	}
	out, err := strconv.Atoi(idx)
	if err != nil || out < 0 {
		return "", 0, fmt.Errorf("%w: bad output index in %q", model.ErrInvalidGraph, ref)
	}
	return name, out, nil
}

func parseShapeMode(s string) (model.ShapeMode, error) {
	for _, m := range []model.ShapeMode{model.ShapeStatic, model.ShapeDependInput, model.ShapeDependCompute} {
		if s == m.String() {
			return m, nil
		}
	}
	if s == "" {
		return model.ShapeStatic, nil
	}
	return 0, fmt.Errorf("%w: shape mode %q", model.ErrInvalidArgument, s)
}
