package engine

import "runtime"

// AllGroups selects every node in ScheduleTasks.
const AllGroups = -1

// Default policy values.
const (
	DefaultReadyQueueSize = 64
	DefaultSizeSlack      = 63
)

// Policy holds the scheduler knobs that are configuration rather than
// graph properties.
type Policy struct {
	// PrepareWorkers bounds the prepare pipeline's worker pool.
	PrepareWorkers int
	// ReadyQueueSize bounds the queue between the prepare pipeline and the
	// launch loop.
	ReadyQueueSize int
	// SizeSlack is the number of bytes an input tensor may fall short of its
	// descriptor before the launch fails.
	SizeSlack int64
	// DispatchSink sends the graph output node to its executor instead of
	// only awaiting its producers in the launch loop.
	DispatchSink bool
	// Dump publishes a record per node output to the dump broker.
	Dump bool
	// Profiling records per-node execution metrics.
	Profiling bool
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		PrepareWorkers: runtime.NumCPU(),
		ReadyQueueSize: DefaultReadyQueueSize,
		SizeSlack:      DefaultSizeSlack,
		Profiling:      true,
	}
}

func (p Policy) withDefaults() Policy {
	if p.PrepareWorkers <= 0 {
		p.PrepareWorkers = runtime.NumCPU()
	}
	if p.ReadyQueueSize <= 0 {
		p.ReadyQueueSize = DefaultReadyQueueSize
	}
	if p.SizeSlack < 0 {
		p.SizeSlack = 0
	}
	return p
}
