package backend

import (
	"fmt"

	"github.com/seantiz/dynexec/internal/model"
)

const (
	memAlignSize        = 32
	collectiveAlignSize = 512
)

func alignUp(n, align int64) int64 {
	return (n + align - 1) / align * align
}

// genericOutputSize pads to the memory alignment plus one trailing block so
// kernels may overrun the last vector load.
func genericOutputSize(bytes int64) int64 {
	return alignUp(bytes, memAlignSize) + memAlignSize
}

// collectiveOutputSize aligns to the communication engine's transfer unit.
func collectiveOutputSize(bytes int64) int64 {
	return alignUp(bytes, collectiveAlignSize)
}

// calcOutputSizes fills node.OutputSizes. Outputs whose shape is not known
// before execution are sized 0 and allocated on demand.
func calcOutputSizes(node *model.NodeItem, size func(int64) int64) error {
	if len(node.OutputDescs) < node.NumOutputs {
		return fmt.Errorf("%w: %s declares %d outputs but has %d descriptors",
			model.ErrInvalidGraph, node.Name, node.NumOutputs, len(node.OutputDescs))
	}
	sizes := make([]int64, node.NumOutputs)
	for i := range sizes {
		bytes := node.OutputDescs[i].ByteSize()
		if bytes < 0 {
			continue
		}
		sizes[i] = size(bytes)
	}
	node.OutputSizes = sizes
	return nil
}
