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

// SessionConfig holds the collaborators of a Session. Manager and Device
// are required.
type SessionConfig struct {
	Manager *backend.Manager
	Device  *device.Device
	Values  store.ValueStore
	Dump    *DumpBroker
	Policy  Policy
	Logger  *slog.Logger
}

// Session runs compiled graphs against one executor manager reference.
// Tasks of static nodes are loaded once and reused across runs, and cached
// node values live in the value store under the session id.
type Session struct {
	ID string

	handle *backend.Handle
	device *device.Device
	values store.ValueStore
	dump   *DumpBroker
	policy Policy
	logger *slog.Logger
	tasks  *TaskCache

	mu       sync.Mutex
	prepared map[*model.GraphItem]bool
	closed   bool
}

// NewSession acquires a manager reference and returns a ready session.
func NewSession(ctx context.Context, cfg SessionConfig) (*Session, error) {
	if cfg.Manager == nil || cfg.Device == nil {
		return nil, fmt.Errorf("%w: session needs a manager and a device", model.ErrInvalidArgument)
	}
	handle, err := cfg.Manager.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire executors: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Dump == nil {
		cfg.Dump = NewDumpBroker(DefaultDumpRetain)
	}
	if cfg.Values == nil {
		cfg.Values = store.NewMemStore()
	}
	id := model.NewID()
	return &Session{
		ID:       id,
		handle:   handle,
		device:   cfg.Device,
		values:   cfg.Values,
		dump:     cfg.Dump,
		policy:   cfg.Policy.withDefaults(),
		logger:   cfg.Logger.With("session_id", id),
		tasks:    NewTaskCache(),
		prepared: make(map[*model.GraphItem]bool),
	}, nil
}

// Dump returns the broker the session publishes dump records to.
func (s *Session) Dump() *DumpBroker {
	return s.dump
}

// Values returns the session's value store.
func (s *Session) Values() store.ValueStore {
	return s.values
}

// Manager returns the executor manager the session holds a reference on.
func (s *Session) Manager() *backend.Manager {
	return s.handle.Manager()
}

// PrepareGraph finalizes graph and sizes the outputs of every node,
// nested subgraphs included. It runs once per graph; Run calls it.
func (s *Session) PrepareGraph(ctx context.Context, graph *model.GraphItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: session %s is closed", model.ErrInvalidState, s.ID)
	}
	if s.prepared[graph] {
		return nil
	}
	if err := graph.Finalize(); err != nil {
		return err
	}
	if err := s.sizeGraph(ctx, graph); err != nil {
		return err
	}
	s.prepared[graph] = true
	return nil
}

func (s *Session) sizeGraph(ctx context.Context, graph *model.GraphItem) error {
	m := s.handle.Manager()
	return graph.SizeOutputs(func(node *model.NodeItem) error {
		if err := m.CalcOpRunningParam(ctx, node); err != nil {
			return fmt.Errorf("size %s: %w", node.Name, err)
		}
		for _, sub := range node.Subgraphs {
			if err := s.sizeGraph(ctx, sub); err != nil {
				return err
			}
		}
		return nil
	})
}

// Result is the outcome of one Run.
type Result struct {
	ExecutionID string
	Outputs     []model.Tensor
	Descs       []model.TensorDesc
}

type runOptions struct {
	executionID string
	outputs     []model.Tensor
}

// RunOption customizes a single Run.
type RunOption func(*runOptions)

// WithExecutionID fixes the execution id, so dump subscribers can attach
// before the run starts.
func WithExecutionID(id string) RunOption {
	return func(o *runOptions) { o.executionID = id }
}

// WithOutputs binds caller buffers to the graph outputs.
func WithOutputs(outputs []model.Tensor) RunOption {
	return func(o *runOptions) { o.outputs = outputs }
}

// Run executes graph once with the given boundary inputs. descs may be nil
// when every input matches its Data node's declared descriptor.
func (s *Session) Run(ctx context.Context, graph *model.GraphItem, inputs []model.Tensor,
	descs []model.TensorDesc, opts ...RunOption) (*Result, error) {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}
	if err := s.PrepareGraph(ctx, graph); err != nil {
		return nil, fmt.Errorf("prepare graph %s: %w", graph.Name, err)
	}

	ec := newExecutionContext(&ExecutionContext{
		ID:        o.executionID,
		SessionID: s.ID,
		Manager:   s.handle.Manager(),
		Device:    s.device,
		Values:    s.values,
		Tasks:     s.tasks,
		Dump:      s.dump,
		Policy:    s.policy,
		Logger:    s.logger,
	})
	defer s.dump.Close(ec.ID)

	se := NewSubgraphExecutor(graph, ec)
	defer se.Release()

	ec.Logger.Debug("run started", "graph", graph.Name, "inputs", len(inputs))
	if err := se.Init(ctx, inputs, descs); err != nil {
		return nil, err
	}
	if o.outputs != nil {
		if err := se.EnableOutputZeroCopy(o.outputs); err != nil {
			return nil, err
		}
	}
	runErr := se.ExecuteAsync(ctx)
	// Device work already enqueued must drain before buffers are handed back.
	syncErr := se.Synchronize(context.WithoutCancel(ctx))
	if err := errors.Join(runErr, syncErr); err != nil {
		if first := ec.Err(); first != nil {
			return nil, first
		}
		return nil, err
	}

	outputs, outDescs, err := se.GetOutputs()
	if err != nil {
		return nil, err
	}
	ec.Logger.Debug("run completed", "graph", graph.Name, "outputs", len(outputs))
	return &Result{ExecutionID: ec.ID, Outputs: outputs, Descs: outDescs}, nil
}

// Close drops cached tasks and the session's values and releases the
// manager reference.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.tasks.Reset()
	var errs []error
	if err := s.values.DeleteSession(ctx, s.ID); err != nil {
		errs = append(errs, fmt.Errorf("delete session values: %w", err))
	}
	if err := s.handle.Release(ctx); err != nil {
		errs = append(errs, fmt.Errorf("release executors: %w", err))
	}
	return errors.Join(errs...)
}
