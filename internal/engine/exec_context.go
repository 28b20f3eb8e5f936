package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/seantiz/dynexec/internal/backend"
	"github.com/seantiz/dynexec/internal/device"
	"github.com/seantiz/dynexec/internal/model"
	"github.com/seantiz/dynexec/internal/store"
)

// ExecutionContext is shared by every subgraph instance of one top-level
// run. It carries the collaborators the scheduler needs and the run's
// error slot: the first recorded error wins, closes Failed and is pushed to
// every registered error hook.
type ExecutionContext struct {
	ID        string
	SessionID string
	Manager   *backend.Manager
	Device    *device.Device
	Values    store.ValueStore
	Tasks     *TaskCache
	Dump      *DumpBroker
	Policy    Policy
	Logger    *slog.Logger

	errOnce sync.Once
	err     error
	failed  chan struct{}

	mu       sync.Mutex
	hooks    map[int]func(error)
	nextHook int
}

func newExecutionContext(ec *ExecutionContext) *ExecutionContext {
	ec.failed = make(chan struct{})
	ec.hooks = make(map[int]func(error))
	ec.Policy = ec.Policy.withDefaults()
	if ec.ID == "" {
		ec.ID = model.NewID()
	}
	if ec.Tasks == nil {
		ec.Tasks = NewTaskCache()
	}
	if ec.Logger == nil {
		ec.Logger = slog.Default()
	}
	ec.Logger = ec.Logger.With("execution_id", ec.ID)
	return ec
}

// SetError records err if no error has been recorded yet. It reports
// whether err was the first.
func (ec *ExecutionContext) SetError(err error) bool {
	if err == nil {
		return false
	}
	first := false
	ec.errOnce.Do(func() {
		first = true
		ec.err = err
		close(ec.failed)
	})
	if !first {
		ec.Logger.Debug("suppressed secondary error", "error", err)
		return false
	}
	ec.Logger.Error("execution failed", "error", err)

	ec.mu.Lock()
	hooks := make([]func(error), 0, len(ec.hooks))
	for _, h := range ec.hooks {
		hooks = append(hooks, h)
	}
	ec.mu.Unlock()
	for _, h := range hooks {
		h(err)
	}
	return true
}

// Err returns the first recorded error.
func (ec *ExecutionContext) Err() error {
	select {
	case <-ec.failed:
		return ec.err
	default:
		return nil
	}
}

// Failed is closed when the first error is recorded.
func (ec *ExecutionContext) Failed() <-chan struct{} {
	return ec.failed
}

// onError registers fn to receive the first error. If one was already
// recorded fn is called immediately. The returned func unregisters fn.
func (ec *ExecutionContext) onError(fn func(error)) func() {
	ec.mu.Lock()
	id := ec.nextHook
	ec.nextHook++
	ec.hooks[id] = fn
	ec.mu.Unlock()

	if err := ec.Err(); err != nil {
		fn(err)
	}
	return func() {
		ec.mu.Lock()
		defer ec.mu.Unlock()
		delete(ec.hooks, id)
	}
}

// ReadValue implements backend.ValueReader over the session side table.
func (ec *ExecutionContext) ReadValue(ctx context.Context, node string, output int) (model.TensorDesc, []byte, error) {
	if ec.Values == nil {
		return model.TensorDesc{}, nil, fmt.Errorf("%w: session has no value store", model.ErrNotFound)
	}
	v, err := ec.Values.GetValue(ctx, ec.SessionID, node, output)
	if errors.Is(err, store.ErrNotFound) {
		return model.TensorDesc{}, nil, fmt.Errorf("%w: value %s:%d: %w", model.ErrNotFound, node, output, err)
	}
	if err != nil {
		return model.TensorDesc{}, nil, err
	}
	return v.Desc, v.Data, nil
}

// cacheValue publishes output idx of node to the side table.
func (ec *ExecutionContext) cacheValue(ctx context.Context, node *model.NodeItem, idx int, t model.Tensor, desc model.TensorDesc) error {
	if ec.Values == nil {
		return fmt.Errorf("%w: session has no value store", model.ErrInternal)
	}
	return ec.Values.PutValue(ctx, &store.Value{
		SessionID: ec.SessionID,
		Node:      node.Name,
		Output:    idx,
		Desc:      desc,
		Data:      append([]byte(nil), t.Bytes()...),
	})
}

type execContextKey struct{}

func withExecutionContext(ctx context.Context, ec *ExecutionContext) context.Context {
	return context.WithValue(ctx, execContextKey{}, ec)
}

// ExecutionContextFrom returns the execution context a node is launched
// under, or nil.
func ExecutionContextFrom(ctx context.Context) *ExecutionContext {
	ec, _ := ctx.Value(execContextKey{}).(*ExecutionContext)
	return ec
}

// TaskCache keeps loaded tasks of static nodes across invocations.
type TaskCache struct {
	mu    sync.Mutex
	tasks map[*model.NodeItem]backend.NodeTask
}

// NewTaskCache creates an empty cache.
func NewTaskCache() *TaskCache {
	return &TaskCache{tasks: make(map[*model.NodeItem]backend.NodeTask)}
}

// GetOrLoad returns the cached task for node or loads and caches it.
func (c *TaskCache) GetOrLoad(ctx context.Context, exec backend.NodeExecutor, node *model.NodeItem) (backend.NodeTask, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if task, ok := c.tasks[node]; ok {
		return task, nil
	}
	task, err := exec.LoadTask(ctx, node)
	if err != nil {
		return nil, err
	}
	c.tasks[node] = task
	return task, nil
}

// Len returns the number of cached tasks.
func (c *TaskCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tasks)
}

// Reset drops every cached task. Tasks hold executor state and must not
// outlive the manager handle they were loaded under.
func (c *TaskCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.tasks)
}
