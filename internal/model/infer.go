package model

import "fmt"

// InferSameAsInput propagates input 0's descriptor to every output.
func InferSameAsInput(node *NodeItem, inputs []TensorDesc) ([]TensorDesc, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: %s has no inputs to infer from", ErrShapeResolution, node.Name)
	}
	out := make([]TensorDesc, node.NumOutputs)
	for i := range out {
		out[i] = inputs[0].Clone()
	}
	return out, nil
}

// InferBroadcast applies numpy-style broadcasting across all inputs.
func InferBroadcast(node *NodeItem, inputs []TensorDesc) ([]TensorDesc, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: %s has no inputs to infer from", ErrShapeResolution, node.Name)
	}
	shape := append([]int64(nil), inputs[0].Shape...)
	for _, in := range inputs[1:] {
		var err error
		shape, err = broadcast(shape, in.Shape)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", node.Name, err)
		}
	}
	out := make([]TensorDesc, node.NumOutputs)
	for i := range out {
		out[i] = TensorDesc{DType: inputs[0].DType, Shape: append([]int64(nil), shape...)}
	}
	return out, nil
}

// InferShapeOf describes the output of a Shape op: a rank-1 int64 vector.
func InferShapeOf(node *NodeItem, inputs []TensorDesc) ([]TensorDesc, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: %s has no inputs to infer from", ErrShapeResolution, node.Name)
	}
	return []TensorDesc{NewDesc(DTInt64, int64(len(inputs[0].Shape)))}, nil
}

func broadcast(a, b []int64) ([]int64, error) {
	n := max(len(a), len(b))
	out := make([]int64, n)
	for i := range n {
		da, db := int64(1), int64(1)
		if j := len(a) - n + i; j >= 0 {
			da = a[j]
		}
		if j := len(b) - n + i; j >= 0 {
			db = b[j]
		}
		switch {
		case da == db:
			out[i] = da
		case da == 1:
			out[i] = db
		case db == 1:
			out[i] = da
		default:
			return nil, fmt.Errorf("%w: cannot broadcast %v with %v", ErrShapeResolution, a, b)
		}
	}
	return out, nil
}
