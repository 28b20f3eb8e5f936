package device

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/dynexec/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestStreamRunsInOrder(t *testing.T) {
	s := NewStream(0, 4, testLogger())
	defer s.Close()

	var mu sync.Mutex
	var order []int
	for i := range 20 {
		err := s.Launch(func() error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}, nil)
		if err != nil {
			t.Fatalf("Launch: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Synchronize(ctx); err != nil {
		t.Fatalf("Synchronize: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 20 {
		t.Fatalf("ran %d commands, want 20", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("order[%d] = %d, want %d", i, v, i)
		}
	}
}

func TestStreamReportsCommandErrors(t *testing.T) {
	s := NewStream(1, 0, testLogger())
	defer s.Close()

	result := make(chan error, 2)
	_ = s.Launch(func() error { return errors.New("kernel fault") }, func(err error) { result <- err })
	_ = s.Launch(func() error { panic("boom") }, func(err error) { result <- err })

	for range 2 {
		select {
		case err := <-result:
			if !errors.Is(err, model.ErrDevice) {
				t.Errorf("callback error = %v, want ErrDevice", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("callback not invoked")
		}
	}
}

func TestStreamLaunchAfterClose(t *testing.T) {
	s := NewStream(0, 1, testLogger())
	s.Close()
	s.Close()

	if err := s.Launch(func() error { return nil }, nil); !errors.Is(err, model.ErrDevice) {
		t.Errorf("Launch after Close error = %v, want ErrDevice", err)
	}
}

func TestAllocatorLimit(t *testing.T) {
	a := NewAllocator(64)

	buf, err := a.Allocate(48)
	if err != nil {
		t.Fatalf("Allocate(48): %v", err)
	}
	if len(buf.Data) != 48 {
		t.Errorf("len = %d, want 48", len(buf.Data))
	}
	if _, err := a.Allocate(65); !errors.Is(err, model.ErrResource) {
		t.Errorf("Allocate(65) error = %v, want ErrResource", err)
	}
	if a.Allocated() != 48 || a.Count() != 1 {
		t.Errorf("allocated=%d count=%d, want 48/1", a.Allocated(), a.Count())
	}
}

func TestDeviceStreamMapping(t *testing.T) {
	d := New(Config{Streams: 3}, testLogger())
	defer d.Close()

	if d.Stream(4) != d.Stream(1) {
		t.Error("stream ids should wrap modulo the stream count")
	}
	if d.NumStreams() != 3 {
		t.Errorf("NumStreams = %d, want 3", d.NumStreams())
	}
}

func TestDeviceSynchronizeSelectedStreams(t *testing.T) {
	d := New(Config{Streams: 2}, testLogger())
	defer d.Close()

	release := make(chan struct{})
	if err := d.Stream(1).Launch(func() error { <-release; return nil }, nil); err != nil {
		t.Fatalf("Launch: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Synchronize(ctx, 0, 2); err != nil {
		t.Fatalf("Synchronize(0, 2): %v", err)
	}

	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	if err := d.Synchronize(short, 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Synchronize(1) on a busy stream error = %v, want DeadlineExceeded", err)
	}
	if err := d.Synchronize(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Synchronize() on a busy device error = %v, want DeadlineExceeded", err)
	}

	close(release)
	if err := d.Synchronize(ctx); err != nil {
		t.Errorf("Synchronize after release: %v", err)
	}
}

func TestCopy(t *testing.T) {
	src := model.TensorFromBytes([]byte{1, 2, 3})
	dst := model.NewTensor(&model.Buffer{Data: make([]byte, 4)})
	if err := Copy(dst, src); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if dst.Buf.Data[2] != 3 {
		t.Errorf("dst = %v, want prefix 1,2,3", dst.Buf.Data)
	}
	small := model.NewTensor(&model.Buffer{Data: make([]byte, 2)})
	if err := Copy(small, src); !errors.Is(err, model.ErrDevice) {
		t.Errorf("Copy into small buffer error = %v, want ErrDevice", err)
	}
}
