package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/seantiz/dynexec/internal/model"
)

// kernelLibraries maps declared kernel-library names to executors.
var kernelLibraries = map[string]ExecutorType{
	"core":       Compute,
	"vector":     Compute,
	"host":       HostCPU,
	"collective": Collective,
	"local":      Local,
}

// ResolveExecutorType classifies node onto one executor. It is a pure
// function of the node's type, kernel library and subgraph shape state.
func ResolveExecutorType(node *model.NodeItem) (ExecutorType, error) {
	if sub := node.Subgraph(); sub != nil && node.Type == model.OpPartitionedCall {
		if sub.IsDynamic() {
			return DynamicSubgraph, nil
		}
		return CompiledSubgraph, nil
	}
	if model.IsControlFlowOp(node.Type) {
		return ControlOp, nil
	}
	switch node.Type {
	case model.OpNetOutput, model.OpVariable, model.OpConstant, model.OpNoOp, model.OpData:
		return Local, nil
	}
	// Collective ops keep their engine whatever library name they declare.
	if model.IsCollectiveOp(node.Type) {
		return Collective, nil
	}
	t, ok := kernelLibraries[node.KernelLib]
	if !ok {
		return 0, fmt.Errorf("%w: node %s (%s) declares unregistered kernel library %q",
			model.ErrUnsupported, node.Name, node.Type, node.KernelLib)
	}
	return t, nil
}

// State is the lifecycle state of a Manager.
type State int

// Manager states. A manager cycles Off → Initializing → Ready → Finalizing → Off.
const (
	StateOff State = iota
	StateInitializing
	StateReady
	StateFinalizing
)

func (s State) String() string {
	switch s {
	case StateOff:
		return "off"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateFinalizing:
		return "finalizing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ExecutorInfo describes one executor slot for the admin API.
type ExecutorInfo struct {
	Type        string `json:"type"`
	Registered  bool   `json:"registered"`
	Initialized bool   `json:"initialized"`
}

// ManagerInfo is a point-in-time view of a Manager.
type ManagerInfo struct {
	State     string         `json:"state"`
	Refs      int            `json:"refs"`
	Executors []ExecutorInfo `json:"executors"`
}

// Manager owns the executor singletons of one runtime. Every loaded model
// holds a Handle; executors are created lazily on first use and finalized
// when the last handle is released.
type Manager struct {
	logger *slog.Logger

	mu        sync.RWMutex
	state     State
	refs      int
	factories [numExecutorTypes]Factory
	executors [numExecutorTypes]NodeExecutor
}

// NewManager creates a manager with the built-in compute, host, collective
// and local executors registered. Subgraph and control-flow executors are
// registered by the scheduler that implements them.
func NewManager(kernels *KernelRegistry, comm Communicator, logger *slog.Logger) *Manager {
	if comm == nil {
		comm = LocalCommunicator{}
	}
	m := &Manager{logger: logger}
	m.factories[Compute] = func() (NodeExecutor, error) { return NewComputeExecutor(Compute, kernels), nil }
	m.factories[HostCPU] = func() (NodeExecutor, error) { return NewComputeExecutor(HostCPU, kernels), nil }
	m.factories[Collective] = func() (NodeExecutor, error) { return NewCollectiveExecutor(comm), nil }
	m.factories[Local] = func() (NodeExecutor, error) { return NewLocalExecutor(), nil }
	return m
}

// Register installs the factory for t, replacing any previous one. It fails
// once an executor of that type has been created.
func (m *Manager) Register(t ExecutorType, f Factory) error {
	if !t.valid() {
		return fmt.Errorf("%w: executor type %d", model.ErrUnsupported, int(t))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.executors[t] != nil {
		return fmt.Errorf("%w: executor %s already initialized", model.ErrInvalidState, t)
	}
	m.factories[t] = f
	return nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Handle is one reference on a Manager. Release is idempotent.
type Handle struct {
	m    *Manager
	once sync.Once
	err  error
}

// Manager returns the manager the handle refers to.
func (h *Handle) Manager() *Manager {
	return h.m
}

// Release drops the reference. The last release finalizes every executor
// that was created.
func (h *Handle) Release(ctx context.Context) error {
	h.once.Do(func() {
		h.err = h.m.release(ctx)
	})
	return h.err
}

// Acquire takes a reference on the manager, bringing it to Ready on first use.
func (m *Manager) Acquire(ctx context.Context) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refs == 0 {
		if err := m.initialize(ctx); err != nil {
			return nil, err
		}
	}
	m.refs++
	executorRefs.Set(float64(m.refs))
	return &Handle{m: m}, nil
}

// initialize creates every registered executor. On failure the executors
// created so far are finalized and the manager returns to Off.
func (m *Manager) initialize(ctx context.Context) error {
	m.state = StateInitializing
	m.logger.Info("initializing executors")
	for _, t := range ExecutorTypes() {
		if m.factories[t] == nil || m.executors[t] != nil {
			continue
		}
		if err := m.create(ctx, t); err != nil {
			m.finalizeAll(ctx)
			m.state = StateOff
			return err
		}
	}
	m.state = StateReady
	return nil
}

func (m *Manager) create(ctx context.Context, t ExecutorType) error {
	exec, err := m.factories[t]()
	if err != nil {
		return fmt.Errorf("create %s executor: %w", t, err)
	}
	if err := exec.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize %s executor: %w", t, err)
	}
	m.executors[t] = exec
	m.logger.Debug("executor initialized", "executor", t.String())
	return nil
}

func (m *Manager) finalizeAll(ctx context.Context) error {
	var errs []error
	for _, t := range ExecutorTypes() {
		exec := m.executors[t]
		if exec == nil {
			continue
		}
		if err := exec.Finalize(ctx); err != nil {
			m.logger.Error("executor finalize failed", "executor", t.String(), "error", err)
			errs = append(errs, fmt.Errorf("finalize %s: %w", t, err))
		}
		m.executors[t] = nil
	}
	return errors.Join(errs...)
}

func (m *Manager) release(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refs == 0 {
		return fmt.Errorf("%w: release without acquire", model.ErrInternal)
	}
	m.refs--
	executorRefs.Set(float64(m.refs))
	if m.refs > 0 {
		return nil
	}

	m.state = StateFinalizing
	m.logger.Info("finalizing executors")
	err := m.finalizeAll(ctx)
	m.state = StateOff
	return err
}

// GetExecutor returns the executor of type t, creating and initializing it
// on first use. The manager must be Ready.
func (m *Manager) GetExecutor(ctx context.Context, t ExecutorType) (NodeExecutor, error) {
	if !t.valid() {
		return nil, fmt.Errorf("%w: executor type %d", model.ErrUnsupported, int(t))
	}
	m.mu.RLock()
	exec, state := m.executors[t], m.state
	m.mu.RUnlock()
	if exec != nil {
		return exec, nil
	}
	if state != StateReady {
		return nil, fmt.Errorf("%w: executor manager is %s", model.ErrInvalidState, state)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateReady {
		return nil, fmt.Errorf("%w: executor manager is %s", model.ErrInvalidState, m.state)
	}
	if exec := m.executors[t]; exec != nil {
		return exec, nil
	}
	if m.factories[t] == nil {
		return nil, fmt.Errorf("%w: no executor registered for %s", model.ErrUnsupported, t)
	}
	if err := m.create(ctx, t); err != nil {
		return nil, err
	}
	return m.executors[t], nil
}

// ExecutorFor resolves node and returns its executor.
func (m *Manager) ExecutorFor(ctx context.Context, node *model.NodeItem) (NodeExecutor, error) {
	t, err := ResolveExecutorType(node)
	if err != nil {
		return nil, err
	}
	return m.GetExecutor(ctx, t)
}

// CalcOpRunningParam sizes node's outputs with its executor's formula.
func (m *Manager) CalcOpRunningParam(ctx context.Context, node *model.NodeItem) error {
	exec, err := m.ExecutorFor(ctx, node)
	if err != nil {
		return err
	}
	return exec.CalcOpRunningParam(node)
}

// Snapshot returns the manager state for diagnostics.
func (m *Manager) Snapshot() ManagerInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info := ManagerInfo{
		State:     m.state.String(),
		Refs:      m.refs,
		Executors: make([]ExecutorInfo, 0, numExecutorTypes),
	}
	for _, t := range ExecutorTypes() {
		info.Executors = append(info.Executors, ExecutorInfo{
			Type:        t.String(),
			Registered:  m.factories[t] != nil,
			Initialized: m.executors[t] != nil,
		})
	}
	return info
}
