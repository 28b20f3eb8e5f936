package model

import (
	"fmt"
	"strings"
)

// DataType identifies the element type of a tensor.
type DataType int

// Supported element types.
const (
	DTFloat32 DataType = iota
	DTFloat16
	DTInt32
	DTInt64
	DTInt8
	DTUint8
	DTBool
)

var dataTypeNames = map[DataType]string{
	DTFloat32: "float32",
	DTFloat16: "float16",
	DTInt32:   "int32",
	DTInt64:   "int64",
	DTInt8:    "int8",
	DTUint8:   "uint8",
	DTBool:    "bool",
}

// Size returns the width of one element in bytes.
func (d DataType) Size() int64 {
	switch d {
	case DTFloat32, DTInt32:
		return 4
	case DTFloat16:
		return 2
	case DTInt64:
		return 8
	case DTInt8, DTUint8, DTBool:
		return 1
	default:
		return 0
	}
}

func (d DataType) String() string {
	if name, ok := dataTypeNames[d]; ok {
		return name
	}
	return fmt.Sprintf("dtype(%d)", int(d))
}

// ParseDataType converts a type name such as "float32" into a DataType.
func ParseDataType(s string) (DataType, error) {
	for dt, name := range dataTypeNames {
		if name == strings.ToLower(s) {
			return dt, nil
		}
	}
	return 0, fmt.Errorf("%w: data type %q", ErrUnsupported, s)
}

// UnknownDim marks a dimension that is only resolved during execution.
const UnknownDim int64 = -1

// TensorDesc describes the element type and shape of a tensor.
type TensorDesc struct {
	DType DataType
	Shape []int64
}

// NewDesc builds a TensorDesc from a type and dimensions.
func NewDesc(dt DataType, dims ...int64) TensorDesc {
	return TensorDesc{DType: dt, Shape: append([]int64(nil), dims...)}
}

// IsUnknown reports whether any dimension is still unresolved.
func (d TensorDesc) IsUnknown() bool {
	for _, dim := range d.Shape {
		if dim < 0 {
			return true
		}
	}
	return false
}

// NumElements returns the element count, or -1 when the shape is unknown.
// Scalars (rank 0) hold one element.
func (d TensorDesc) NumElements() int64 {
	n := int64(1)
	for _, dim := range d.Shape {
		if dim < 0 {
			return -1
		}
		n *= dim
	}
	return n
}

// ByteSize returns the payload size in bytes, or -1 when the shape is unknown.
func (d TensorDesc) ByteSize() int64 {
	n := d.NumElements()
	if n < 0 {
		return -1
	}
	return n * d.DType.Size()
}

// Clone returns a deep copy.
func (d TensorDesc) Clone() TensorDesc {
	return TensorDesc{DType: d.DType, Shape: append([]int64(nil), d.Shape...)}
}

// Equal reports whether both descriptors have the same type and dimensions.
func (d TensorDesc) Equal(o TensorDesc) bool {
	if d.DType != o.DType || len(d.Shape) != len(o.Shape) {
		return false
	}
	for i := range d.Shape {
		if d.Shape[i] != o.Shape[i] {
			return false
		}
	}
	return true
}

func (d TensorDesc) String() string {
	dims := make([]string, len(d.Shape))
	for i, dim := range d.Shape {
		if dim < 0 {
			dims[i] = "?"
			continue
		}
		dims[i] = fmt.Sprintf("%d", dim)
	}
	return fmt.Sprintf("%s[%s]", d.DType, strings.Join(dims, ","))
}

// Buffer is a device-resident allocation. Tensors referencing the same
// Buffer alias the same storage.
type Buffer struct {
	Data []byte
}

// Tensor is a sized handle onto a Buffer. The zero value is an unbound slot.
type Tensor struct {
	Buf  *Buffer
	Size int64
}

// NewTensor wraps buf as a tensor covering the whole allocation.
func NewTensor(buf *Buffer) Tensor {
	if buf == nil {
		return Tensor{}
	}
	return Tensor{Buf: buf, Size: int64(len(buf.Data))}
}

// TensorFromBytes allocates a host buffer holding a copy of data.
func TensorFromBytes(data []byte) Tensor {
	return NewTensor(&Buffer{Data: append([]byte(nil), data...)})
}

// IsValid reports whether the slot is bound to storage.
func (t Tensor) IsValid() bool {
	return t.Buf != nil
}

// Bytes returns the first Size bytes of the underlying buffer.
func (t Tensor) Bytes() []byte {
	if t.Buf == nil {
		return nil
	}
	if t.Size > int64(len(t.Buf.Data)) {
		return t.Buf.Data
	}
	return t.Buf.Data[:t.Size]
}
