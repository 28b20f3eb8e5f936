package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/seantiz/dynexec/internal/model"
)

// ReadyQueue carries prepared nodes from the prepare pipeline to the launch
// loop. Close marks end of stream; Stop aborts both sides.
type ReadyQueue struct {
	items     chan *NodeState
	stopped   chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once
}

// NewReadyQueue creates a queue holding up to size nodes.
func NewReadyQueue(size int) *ReadyQueue {
	if size <= 0 {
		size = DefaultReadyQueueSize
	}
	return &ReadyQueue{
		items:   make(chan *NodeState, size),
		stopped: make(chan struct{}),
	}
}

// Push enqueues s, blocking while the queue is full.
func (q *ReadyQueue) Push(ctx context.Context, s *NodeState) error {
	select {
	case <-q.stopped:
		return fmt.Errorf("%w: ready queue", model.ErrStopped)
	default:
	}
	select {
	case q.items <- s:
		readyQueuePushesTotal.Inc()
		return nil
	case <-q.stopped:
		return fmt.Errorf("%w: ready queue", model.ErrStopped)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop dequeues the next node. ok is false once the queue was closed and
// drained.
func (q *ReadyQueue) Pop(ctx context.Context) (s *NodeState, ok bool, err error) {
	select {
	case <-q.stopped:
		return nil, false, fmt.Errorf("%w: ready queue", model.ErrStopped)
	default:
	}
	select {
	case s, ok := <-q.items:
		return s, ok, nil
	case <-q.stopped:
		return nil, false, fmt.Errorf("%w: ready queue", model.ErrStopped)
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Close signals end of stream. It must be called by the single producer
// after its last Push.
func (q *ReadyQueue) Close() {
	q.closeOnce.Do(func() { close(q.items) })
}

// Stop aborts the queue; blocked and future Push and Pop calls return
// ErrStopped.
func (q *ReadyQueue) Stop() {
	q.stopOnce.Do(func() { close(q.stopped) })
}
