package backend

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"sync"

	"github.com/seantiz/dynexec/internal/device"
	"github.com/seantiz/dynexec/internal/model"
)

// Built-in kernel op types.
const (
	OpIdentity  = "Identity"
	OpRelu      = "Relu"
	OpAdd       = "Add"
	OpUnique    = "Unique"
	OpShape     = "Shape"
	OpReadValue = "ReadValue"
)

// KernelArgs is the view a kernel gets of one invocation. It is built on
// the stream goroutine right before the kernel runs.
type KernelArgs struct {
	Ctx         context.Context
	Node        *model.NodeItem
	Inputs      []model.Tensor
	InputDescs  []model.TensorDesc
	Outputs     []model.Tensor
	OutputDescs []model.TensorDesc
	Workspace   []model.Tensor
	Values      ValueReader

	tc *TaskContext
}

func newKernelArgs(ctx context.Context, tc *TaskContext) *KernelArgs {
	return &KernelArgs{
		Ctx:         ctx,
		Node:        tc.Node,
		Inputs:      tc.Inputs(),
		InputDescs:  tc.InputDescs(),
		Outputs:     tc.Outputs(),
		OutputDescs: tc.OutputDescs(),
		Workspace:   tc.Workspace(),
		Values:      tc.Values,
		tc:          tc,
	}
}

// Allocate allocates output i for desc and records it in the task context.
// Kernels whose output shape is only known after computing call it once the
// shape is resolved.
func (a *KernelArgs) Allocate(i int, desc model.TensorDesc) (model.Tensor, error) {
	t, err := a.tc.AllocateOutput(i, desc)
	if err != nil {
		return model.Tensor{}, err
	}
	a.Outputs[i] = t
	a.OutputDescs[i] = desc.Clone()
	return t, nil
}

// Output returns output i, allocating it for desc when it is not yet bound.
func (a *KernelArgs) Output(i int, desc model.TensorDesc) (model.Tensor, error) {
	if i < 0 || i >= len(a.Outputs) {
		return model.Tensor{}, fmt.Errorf("%w: %s output %d", model.ErrNotFound, a.Node.Name, i)
	}
	if a.Outputs[i].IsValid() {
		return a.Outputs[i], nil
	}
	return a.Allocate(i, desc)
}

func (a *KernelArgs) input(i int) (model.Tensor, model.TensorDesc, error) {
	if i < 0 || i >= len(a.Inputs) || !a.Inputs[i].IsValid() {
		return model.Tensor{}, model.TensorDesc{}, fmt.Errorf("%w: %s input %d is unbound", model.ErrNotFound, a.Node.Name, i)
	}
	return a.Inputs[i], a.InputDescs[i], nil
}

// Kernel computes a node's outputs from its inputs.
type Kernel func(args *KernelArgs) error

// KernelRegistry maps op types to kernels.
type KernelRegistry struct {
	mu      sync.RWMutex
	kernels map[string]Kernel
}

// NewKernelRegistry returns a registry holding the built-in kernels.
func NewKernelRegistry() *KernelRegistry {
	r := &KernelRegistry{kernels: make(map[string]Kernel)}
	r.Register(OpIdentity, identityKernel)
	r.Register(OpRelu, reluKernel)
	r.Register(OpAdd, addKernel)
	r.Register(OpUnique, uniqueKernel)
	r.Register(OpShape, shapeKernel)
	r.Register(OpReadValue, readValueKernel)
	return r
}

// Register adds or replaces the kernel for op.
func (r *KernelRegistry) Register(op string, k Kernel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kernels[op] = k
}

// Lookup returns the kernel for op.
func (r *KernelRegistry) Lookup(op string) (Kernel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.kernels[op]
	if !ok {
		return nil, fmt.Errorf("%w: no kernel for op %q", model.ErrUnsupported, op)
	}
	return k, nil
}

func identityKernel(args *KernelArgs) error {
	for i := range args.Outputs {
		in, desc, err := args.input(i)
		if err != nil {
			return err
		}
		out, err := args.Output(i, desc)
		if err != nil {
			return err
		}
		if out.Buf == in.Buf {
			continue
		}
		if err := device.Copy(out, in); err != nil {
			return err
		}
	}
	return nil
}

func reluKernel(args *KernelArgs) error {
	in, desc, err := args.input(0)
	if err != nil {
		return err
	}
	if desc.DType != model.DTFloat32 {
		return fmt.Errorf("%w: relu on %s", model.ErrUnsupported, desc.DType)
	}
	out, err := args.Output(0, desc)
	if err != nil {
		return err
	}
	src := decodeFloat32(in.Bytes())
	for i, v := range src {
		src[i] = max(v, 0)
	}
	return encodeFloat32(out, src)
}

// addKernel adds two float32 tensors of equal element count, or a tensor
// and a single-element tensor.
func addKernel(args *KernelArgs) error {
	a, da, err := args.input(0)
	if err != nil {
		return err
	}
	b, db, err := args.input(1)
	if err != nil {
		return err
	}
	if da.DType != model.DTFloat32 || db.DType != model.DTFloat32 {
		return fmt.Errorf("%w: add on %s and %s", model.ErrUnsupported, da.DType, db.DType)
	}
	x, y := decodeFloat32(a.Bytes()), decodeFloat32(b.Bytes())
	outDesc := da
	if len(y) > len(x) {
		x, y = y, x
		outDesc = db
	}
	if len(y) != len(x) && len(y) != 1 {
		return fmt.Errorf("%w: add of %s and %s", model.ErrShapeResolution, da, db)
	}
	sum := make([]float32, len(x))
	for i := range x {
		if len(y) == 1 {
			sum[i] = x[i] + y[0]
			continue
		}
		sum[i] = x[i] + y[i]
	}
	out, err := args.Output(0, outDesc)
	if err != nil {
		return err
	}
	return encodeFloat32(out, sum)
}

// uniqueKernel emits the distinct elements of its input in first-seen
// order. Its output length is known only after it runs.
func uniqueKernel(args *KernelArgs) error {
	in, desc, err := args.input(0)
	if err != nil {
		return err
	}
	width := desc.DType.Size()
	if width == 0 {
		return fmt.Errorf("%w: unique on %s", model.ErrUnsupported, desc.DType)
	}
	data := in.Bytes()
	seen := make(map[string]struct{})
	var uniq []byte
	for off := int64(0); off+width <= int64(len(data)); off += width {
		elem := data[off : off+width]
		if _, ok := seen[string(elem)]; ok {
			continue
		}
		seen[string(elem)] = struct{}{}
		uniq = append(uniq, elem...)
	}
	outDesc := model.NewDesc(desc.DType, int64(len(uniq))/width)
	out, err := args.Allocate(0, outDesc)
	if err != nil {
		return err
	}
	copy(out.Buf.Data, uniq)
	return nil
}

func shapeKernel(args *KernelArgs) error {
	_, desc, err := args.input(0)
	if err != nil {
		return err
	}
	outDesc := model.NewDesc(model.DTInt64, int64(len(desc.Shape)))
	out, err := args.Output(0, outDesc)
	if err != nil {
		return err
	}
	if int64(len(out.Buf.Data)) < outDesc.ByteSize() {
		return fmt.Errorf("%w: shape output holds %d bytes", model.ErrSizeMismatch, len(out.Buf.Data))
	}
	for i, dim := range desc.Shape {
		binary.LittleEndian.PutUint64(out.Buf.Data[i*8:], uint64(dim))
	}
	return nil
}

// readValueKernel copies a value cached by another node of the session.
// The source is named by the "node" and "output" attributes.
func readValueKernel(args *KernelArgs) error {
	if args.Values == nil {
		return fmt.Errorf("%w: %s has no session value table", model.ErrInternal, args.Node.Name)
	}
	src := args.Node.Attr("node", "")
	idx, err := strconv.Atoi(args.Node.Attr("output", "0"))
	if err != nil {
		return fmt.Errorf("%w: %s output attribute: %w", model.ErrInvalidArgument, args.Node.Name, err)
	}
	desc, data, err := args.Values.ReadValue(args.Ctx, src, idx)
	if err != nil {
		return fmt.Errorf("read value %s:%d: %w", src, idx, err)
	}
	out, err := args.Allocate(0, desc)
	if err != nil {
		return err
	}
	copy(out.Buf.Data, data)
	return nil
}

func decodeFloat32(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

func encodeFloat32(dst model.Tensor, v []float32) error {
	if len(dst.Buf.Data) < len(v)*4 {
		return fmt.Errorf("%w: %d floats into %d bytes", model.ErrSizeMismatch, len(v), len(dst.Buf.Data))
	}
	for i, f := range v {
		binary.LittleEndian.PutUint32(dst.Buf.Data[i*4:], math.Float32bits(f))
	}
	return nil
}

// Float32Tensor encodes v as a host tensor.
func Float32Tensor(v ...float32) model.Tensor {
	t := model.NewTensor(&model.Buffer{Data: make([]byte, len(v)*4)})
	_ = encodeFloat32(t, v)
	return t
}

// Float32s decodes a float32 tensor.
func Float32s(t model.Tensor) []float32 {
	return decodeFloat32(t.Bytes())
}
