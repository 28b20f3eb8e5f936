package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/dynexec/internal/backend"
	"github.com/seantiz/dynexec/internal/model"
)

// completionCallback runs once per dispatched node, on the goroutine that
// observed completion. It has no caller to return errors to, so every
// failure goes to the execution's error slot.
type completionCallback struct {
	ctx      context.Context
	sc       *SubgraphContext
	state    *NodeState
	tc       *backend.TaskContext
	executor string
	start    time.Time

	fired     atomic.Bool
	propagate sync.Once
	propErr   error
}

func newCompletionCallback(ctx context.Context, sc *SubgraphContext, state *NodeState) *completionCallback {
	cb := &completionCallback{
		ctx:   context.WithoutCancel(ctx),
		sc:    sc,
		state: state,
	}
	if state.executor != nil {
		cb.executor = state.executor.Type().String()
	}
	return cb
}

// Run is the done func handed to the executor.
func (cb *completionCallback) Run(err error) {
	node := cb.state.Item
	ec := cb.sc.ec
	if !cb.fired.CompareAndSwap(false, true) {
		ec.SetError(fmt.Errorf("%w: %s completed twice", model.ErrInternal, node.Name))
		return
	}

	if err != nil {
		cb.profile(statusFailed)
		ec.SetError(fmt.Errorf("node %s: %w", node.Name, err))
		return
	}

	if ec.Policy.Dump {
		cb.dump()
	}
	cb.profile(statusCompleted)

	for _, idx := range node.CacheOutputs {
		if err := cb.cacheOutput(idx); err != nil {
			ec.SetError(fmt.Errorf("cache %s output %d: %w", node.Name, idx, err))
			return
		}
	}

	if node.ShapeMode == model.ShapeDependCompute {
		for i, desc := range cb.tc.OutputDescs() {
			if err := cb.state.Shapes.setOutputDesc(i, desc); err != nil {
				ec.SetError(err)
				return
			}
		}
	}
	if err := cb.propagateOutputs(); err != nil {
		ec.SetError(err)
		return
	}
	cb.tc.ReleaseInputs()

	if node.HasObserver {
		if err := cb.sc.NodeDone(node.ID); err != nil {
			ec.SetError(err)
		}
	}
}

// propagateOutputs publishes the node's outputs to its own slots and to
// every consumer's input slot. It runs at most once per invocation.
func (cb *completionCallback) propagateOutputs() error {
	cb.propagate.Do(func() {
		node := cb.state.Item
		for i, t := range cb.tc.Outputs() {
			if err := cb.sc.SetOutput(node, i, t); err != nil {
				cb.propErr = err
				return
			}
			for _, e := range node.Outputs[i] {
				consumer := cb.sc.graph.Node(e.Node)
				if err := cb.sc.SetInput(consumer, e.Index, t); err != nil {
					cb.propErr = err
					return
				}
			}
		}
	})
	return cb.propErr
}

func (cb *completionCallback) cacheOutput(idx int) error {
	t, err := cb.tc.Output(idx)
	if err != nil {
		return err
	}
	desc, err := cb.tc.OutputDesc(idx)
	if err != nil {
		return err
	}
	return cb.sc.ec.cacheValue(cb.ctx, cb.state.Item, idx, t, desc)
}

func (cb *completionCallback) profile(status string) {
	if !cb.sc.ec.Policy.Profiling {
		return
	}
	nodesTotal.WithLabelValues(cb.executor, status).Inc()
	if !cb.start.IsZero() {
		nodeExecSeconds.WithLabelValues(cb.executor).Observe(time.Since(cb.start).Seconds())
	}
}

// DumpRecord describes one node output in the diagnostic dump stream.
type DumpRecord struct {
	Node     string  `json:"node"`
	Executor string  `json:"executor"`
	Output   int     `json:"output"`
	DType    string  `json:"dtype"`
	Shape    []int64 `json:"shape"`
	Bytes    int64   `json:"bytes"`
}

// dump publishes one record per output. Dump failures are logged and
// never fail the node.
func (cb *completionCallback) dump() {
	ec := cb.sc.ec
	if ec.Dump == nil {
		return
	}
	descs := cb.tc.OutputDescs()
	for i, t := range cb.tc.Outputs() {
		line, err := json.Marshal(DumpRecord{
			Node:     cb.state.Item.Name,
			Executor: cb.executor,
			Output:   i,
			DType:    descs[i].DType.String(),
			Shape:    descs[i].Shape,
			Bytes:    t.Size,
		})
		if err != nil {
			cb.tc.Logger.Warn("dump record encoding failed", "output", i, "error", err)
			continue
		}
		ec.Dump.Publish(ec.ID, string(line))
	}
}
