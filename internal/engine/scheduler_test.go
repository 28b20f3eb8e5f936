package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/dynexec/internal/backend"
	"github.com/seantiz/dynexec/internal/model"
)

var errTest = errors.New("test failure")

func newTestExecutionContext() *ExecutionContext {
	return newExecutionContext(&ExecutionContext{
		Policy: DefaultPolicy(),
		Logger: slog.New(slog.NewJSONHandler(io.Discard, nil)),
	})
}

// dynamicGraph is x(float32[?]) -> relu -> out with relu inferring its
// output from its input.
func dynamicGraph(t *testing.T) (*model.GraphItem, *model.NodeItem) {
	t.Helper()
	g := model.NewGraphItem("dyn", true)
	x := g.AddData("x", model.NewDesc(model.DTFloat32, model.UnknownDim))
	relu := g.AddNode(&model.NodeItem{
		Name: "relu", Type: backend.OpRelu, KernelLib: "core", NumInputs: 1, NumOutputs: 1,
		OutputDescs: []model.TensorDesc{model.NewDesc(model.DTFloat32, model.UnknownDim)},
		ShapeMode:   model.ShapeDependInput, InferShape: model.InferSameAsInput,
	})
	if err := g.Connect(x, 0, relu, 0); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	g.AddOutput("out", model.Edge{Node: relu.ID})
	if err := g.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	return g, relu
}

func TestReadyQueueFIFO(t *testing.T) {
	const n = 200
	q := NewReadyQueue(4)
	ctx := context.Background()

	go func() {
		for i := range n {
			if err := q.Push(ctx, newNodeState(&model.NodeItem{ID: model.NodeID(i)})); err != nil {
				t.Errorf("Push %d: %v", i, err)
				return
			}
		}
		q.Close()
	}()

	var got []model.NodeID
	for {
		s, ok, err := q.Pop(ctx)
		if err != nil {
			t.Fatalf("Pop: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, s.Item.ID)
	}
	if len(got) != n {
		t.Fatalf("popped %d nodes, want %d", len(got), n)
	}
	for i, id := range got {
		if id != model.NodeID(i) {
			t.Fatalf("pop %d returned node %d", i, id)
		}
	}
}

func TestReadyQueueStopUnblocks(t *testing.T) {
	q := NewReadyQueue(1)
	ctx := context.Background()

	popErr := make(chan error, 1)
	go func() {
		_, _, err := q.Pop(ctx)
		popErr <- err
	}()
	q.Stop()

	select {
	case err := <-popErr:
		if !errors.Is(err, model.ErrStopped) {
			t.Errorf("Pop error = %v, want ErrStopped", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Pop did not return after Stop")
	}
	if err := q.Push(ctx, newNodeState(&model.NodeItem{})); !errors.Is(err, model.ErrStopped) {
		t.Errorf("Push error = %v, want ErrStopped", err)
	}
}

func TestReadyQueuePushHonoursContext(t *testing.T) {
	q := NewReadyQueue(1)
	if err := q.Push(context.Background(), newNodeState(&model.NodeItem{})); err != nil {
		t.Fatalf("Push: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Push(ctx, newNodeState(&model.NodeItem{})); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Push on full queue error = %v, want DeadlineExceeded", err)
	}
}

func TestSubgraphContextNodeDone(t *testing.T) {
	g, relu := dynamicGraph(t)
	sc := NewSubgraphContext(g, newTestExecutionContext())
	defer sc.Release()

	if err := sc.NodeDone(relu.ID); err != nil {
		t.Fatalf("NodeDone: %v", err)
	}
	if err := sc.Await(context.Background(), relu.ID); err != nil {
		t.Errorf("Await: %v", err)
	}
	if err := sc.NodeDone(relu.ID); !errors.Is(err, model.ErrInternal) {
		t.Errorf("second NodeDone error = %v, want ErrInternal", err)
	}
	if err := sc.NodeDone(model.NodeID(42)); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("NodeDone on unknown node error = %v, want ErrNotFound", err)
	}
}

func TestSubgraphContextErrorReleasesWaiters(t *testing.T) {
	g, relu := dynamicGraph(t)
	ec := newTestExecutionContext()
	sc := NewSubgraphContext(g, ec)
	defer sc.Release()

	const waiters = 4
	errs := make(chan error, waiters)
	for range waiters {
		go func() { errs <- sc.Await(context.Background(), relu.ID) }()
	}
	ec.SetError(errTest)

	for range waiters {
		select {
		case err := <-errs:
			if !errors.Is(err, errTest) {
				t.Errorf("Await error = %v, want test failure", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("waiter not released by error")
		}
	}
	if err := sc.NodeDone(relu.ID); err != nil {
		t.Errorf("NodeDone after error = %v, want nil", err)
	}
}

func TestSubgraphContextLateSubscriberSeesError(t *testing.T) {
	g, relu := dynamicGraph(t)
	ec := newTestExecutionContext()
	ec.SetError(errTest)

	sc := NewSubgraphContext(g, ec)
	defer sc.Release()
	if err := sc.Await(context.Background(), relu.ID); !errors.Is(err, errTest) {
		t.Errorf("Await error = %v, want test failure", err)
	}
}

func TestGetOrCreateNodeStateConcurrent(t *testing.T) {
	g, relu := dynamicGraph(t)
	sc := NewSubgraphContext(g, newTestExecutionContext())
	defer sc.Release()

	const callers = 32
	states := make([]*NodeState, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Go(func() {
			s, err := sc.GetOrCreateNodeState(relu)
			if err != nil {
				t.Errorf("GetOrCreateNodeState: %v", err)
				return
			}
			states[i] = s
		})
	}
	wg.Wait()
	for i, s := range states {
		if s != states[0] {
			t.Fatalf("caller %d got a different state", i)
		}
	}

	other := &model.NodeItem{ID: relu.ID, Name: "stranger"}
	if _, err := sc.GetOrCreateNodeState(other); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("foreign node error = %v, want ErrNotFound", err)
	}
}

func TestSubgraphContextSlotBounds(t *testing.T) {
	g, relu := dynamicGraph(t)
	sc := NewSubgraphContext(g, newTestExecutionContext())
	defer sc.Release()

	if _, err := sc.GetInput(relu, 1); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("GetInput(1) error = %v, want ErrNotFound", err)
	}
	if err := sc.SetOutput(relu, -1, model.Tensor{}); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("SetOutput(-1) error = %v, want ErrNotFound", err)
	}
	tensor := model.TensorFromBytes([]byte{1, 2, 3, 4})
	if err := sc.SetInput(relu, 0, tensor); err != nil {
		t.Fatalf("SetInput: %v", err)
	}
	got, err := sc.GetInput(relu, 0)
	if err != nil {
		t.Fatalf("GetInput: %v", err)
	}
	if got.Buf != tensor.Buf {
		t.Error("GetInput returned a different buffer")
	}
}

func TestShapeInferenceState(t *testing.T) {
	g, relu := dynamicGraph(t)
	ec := newTestExecutionContext()
	sc := NewSubgraphContext(g, ec)
	defer sc.Release()

	s := NewShapeInferenceState(relu)
	if s.ShapesReady() {
		t.Fatal("ShapesReady before inputs resolved")
	}
	if err := s.UpdateOutputDesc(); !errors.Is(err, model.ErrInternal) {
		t.Errorf("UpdateOutputDesc before ready error = %v, want ErrInternal", err)
	}
	if err := s.UpdateInputShape(0, model.NewDesc(model.DTFloat32, model.UnknownDim)); !errors.Is(err, model.ErrShapeResolution) {
		t.Errorf("UpdateInputShape(unknown) error = %v, want ErrShapeResolution", err)
	}
	if err := s.UpdateInputShape(0, model.NewDesc(model.DTFloat32, 6)); err != nil {
		t.Fatalf("UpdateInputShape: %v", err)
	}
	if err := s.UpdateInputShapeFuture(0, 0, 0); !errors.Is(err, model.ErrInternal) {
		t.Errorf("future on resolved input error = %v, want ErrInternal", err)
	}
	if err := s.AwaitShapesReady(context.Background(), sc); err != nil {
		t.Fatalf("AwaitShapesReady: %v", err)
	}
	if err := s.UpdateOutputDesc(); err != nil {
		t.Fatalf("UpdateOutputDesc: %v", err)
	}
	out, err := s.OutputDesc(0)
	if err != nil {
		t.Fatalf("OutputDesc: %v", err)
	}
	if !out.Equal(model.NewDesc(model.DTFloat32, 6)) {
		t.Errorf("output desc = %s, want float32[6]", out)
	}
	if err := s.UpdateOutputDesc(); !errors.Is(err, model.ErrInternal) {
		t.Errorf("second UpdateOutputDesc error = %v, want ErrInternal", err)
	}
}

func TestAwaitShapesReadyFailsWithExecution(t *testing.T) {
	g, relu := dynamicGraph(t)
	ec := newTestExecutionContext()
	sc := NewSubgraphContext(g, ec)
	defer sc.Release()

	s := NewShapeInferenceState(relu)
	done := make(chan error, 1)
	go func() { done <- s.AwaitShapesReady(context.Background(), sc) }()
	ec.SetError(errTest)

	select {
	case err := <-done:
		if !errors.Is(err, model.ErrShapeResolution) || !errors.Is(err, errTest) {
			t.Errorf("AwaitShapesReady error = %v, want ErrShapeResolution wrapping test failure", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("AwaitShapesReady did not return after failure")
	}
}

func TestValidateInputSizes(t *testing.T) {
	desc := model.NewDesc(model.DTFloat32, 16)
	node := &model.NodeItem{
		Name: "n", NumInputs: 1, NumOutputs: 0,
		Inputs:     []model.Edge{{Node: 0}},
		InputDescs: []model.TensorDesc{desc},
	}
	short := func(size int64) *backend.TaskContext {
		tc := backend.NewTaskContext(node,
			[]model.Tensor{{Buf: &model.Buffer{Data: make([]byte, 64)}, Size: size}},
			[]model.TensorDesc{desc}, nil, nil)
		tc.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
		return tc
	}

	tests := []struct {
		name    string
		size    int64
		slack   int64
		wantErr error
	}{
		{"exact", 64, 0, nil},
		{"within slack", 40, DefaultSizeSlack, nil},
		{"beyond slack", 40, 16, model.ErrSizeMismatch},
		{"no slack", 60, 0, model.ErrSizeMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateInputSizes(short(tt.size), tt.slack)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("validateInputSizes error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	unbound := backend.NewTaskContext(node, []model.Tensor{{}}, []model.TensorDesc{desc}, nil, nil)
	if err := validateInputSizes(unbound, DefaultSizeSlack); !errors.Is(err, model.ErrInternal) {
		t.Errorf("unbound input error = %v, want ErrInternal", err)
	}
}

func TestEnableOutputZeroCopyMismatchLeavesSlots(t *testing.T) {
	g, relu := dynamicGraph(t)
	se := NewSubgraphExecutor(g, newTestExecutionContext())
	defer se.Release()

	in := model.TensorFromBytes(make([]byte, 8))
	if err := se.Init(context.Background(), []model.Tensor{in}, []model.TensorDesc{model.NewDesc(model.DTFloat32, 2)}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	buf := model.TensorFromBytes(make([]byte, 8))
	if err := se.EnableOutputZeroCopy([]model.Tensor{buf, buf}); !errors.Is(err, model.ErrInvalidArgument) {
		t.Fatalf("EnableOutputZeroCopy error = %v, want ErrInvalidArgument", err)
	}
	if out, _ := se.Context().GetOutput(relu, 0); out.IsValid() {
		t.Error("output slot bound after a rejected zero-copy request")
	}

	if err := se.EnableOutputZeroCopy([]model.Tensor{buf}); err != nil {
		t.Fatalf("EnableOutputZeroCopy: %v", err)
	}
	if out, _ := se.Context().GetOutput(relu, 0); out.Buf != buf.Buf {
		t.Error("output slot does not alias the caller buffer")
	}
}

func TestSubgraphExecutorLifecycle(t *testing.T) {
	g, _ := dynamicGraph(t)
	se := NewSubgraphExecutor(g, newTestExecutionContext())
	defer se.Release()

	if err := se.ExecuteAsync(context.Background()); !errors.Is(err, model.ErrInvalidState) {
		t.Errorf("ExecuteAsync before Init error = %v, want ErrInvalidState", err)
	}
	if _, _, err := se.GetOutputs(); !errors.Is(err, model.ErrInvalidState) {
		t.Errorf("GetOutputs before Init error = %v, want ErrInvalidState", err)
	}
	if err := se.Init(context.Background(), nil, nil); !errors.Is(err, model.ErrInvalidArgument) {
		t.Errorf("Init without inputs error = %v, want ErrInvalidArgument", err)
	}
	if err := se.Init(context.Background(), nil, nil); !errors.Is(err, model.ErrInvalidState) {
		t.Errorf("second Init error = %v, want ErrInvalidState", err)
	}
	if _, _, err := se.GetOutput(3); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("GetOutput(3) error = %v, want ErrNotFound", err)
	}
}

func TestExecutionContextFirstErrorWins(t *testing.T) {
	ec := newTestExecutionContext()
	var mu sync.Mutex
	var seen []error
	remove := ec.onError(func(err error) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, err)
	})
	defer remove()

	if !ec.SetError(errTest) {
		t.Fatal("first SetError reported false")
	}
	if ec.SetError(errors.New("second")) {
		t.Error("second SetError reported true")
	}
	if !errors.Is(ec.Err(), errTest) {
		t.Errorf("Err = %v, want test failure", ec.Err())
	}
	select {
	case <-ec.Failed():
	default:
		t.Error("Failed not closed")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || !errors.Is(seen[0], errTest) {
		t.Errorf("hook saw %v, want [test failure]", seen)
	}
}

func TestTaskCacheLoadsOnce(t *testing.T) {
	c := NewTaskCache()
	exec := backend.NewLocalExecutor()
	node := &model.NodeItem{Name: "noop", Type: model.OpNoOp}

	first, err := c.GetOrLoad(context.Background(), exec, node)
	if err != nil {
		t.Fatalf("GetOrLoad: %v", err)
	}
	second, err := c.GetOrLoad(context.Background(), exec, node)
	if err != nil {
		t.Fatalf("GetOrLoad: %v", err)
	}
	if first != second || c.Len() != 1 {
		t.Errorf("task reloaded: same=%v len=%d", first == second, c.Len())
	}
	c.Reset()
	if c.Len() != 0 {
		t.Errorf("Len after Reset = %d, want 0", c.Len())
	}
}
