// Package device provides the in-process accelerator runtime the scheduler
// drives: ordered asynchronous command streams, a bounded allocator and
// memory copies. Kernels run on stream goroutines; the scheduler observes
// completion only through per-command callbacks.
package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/seantiz/dynexec/internal/model"
)

const (
	defaultStreams       = 2
	defaultMaxAllocation = 1 << 30
)

// Config sizes a Device.
type Config struct {
	Streams       int
	QueueDepth    int
	MaxAllocation int64
}

// Allocator hands out device buffers up to a per-allocation limit and keeps
// running totals for diagnostics.
type Allocator struct {
	limit     int64
	allocated atomic.Int64
	count     atomic.Int64
}

// NewAllocator creates an allocator that rejects requests larger than limit.
func NewAllocator(limit int64) *Allocator {
	if limit <= 0 {
		limit = defaultMaxAllocation
	}
	return &Allocator{limit: limit}
}

// Allocate returns a zeroed buffer of at least size bytes.
func (a *Allocator) Allocate(size int64) (*model.Buffer, error) {
	if size < 0 {
		return nil, fmt.Errorf("%w: negative allocation size %d", model.ErrResource, size)
	}
	if size > a.limit {
		return nil, fmt.Errorf("%w: allocation of %d bytes exceeds limit %d", model.ErrResource, size, a.limit)
	}
	a.allocated.Add(size)
	a.count.Add(1)
	return &model.Buffer{Data: make([]byte, size)}, nil
}

// Allocated returns the total number of bytes handed out.
func (a *Allocator) Allocated() int64 {
	return a.allocated.Load()
}

// Count returns the number of successful allocations.
func (a *Allocator) Count() int64 {
	return a.count.Load()
}

// Device owns a fixed set of streams and an allocator.
type Device struct {
	streams []*Stream
	alloc   *Allocator
}

// New starts a device with cfg.Streams streams.
func New(cfg Config, logger *slog.Logger) *Device {
	n := cfg.Streams
	if n <= 0 {
		n = defaultStreams
	}
	d := &Device{alloc: NewAllocator(cfg.MaxAllocation)}
	for i := range n {
		d.streams = append(d.streams, NewStream(i, cfg.QueueDepth, logger))
	}
	return d
}

// Stream maps a stream id assigned at compile time onto one of the device's streams.
func (d *Device) Stream(id int) *Stream {
	if id < 0 {
		id = -id
	}
	return d.streams[id%len(d.streams)]
}

// NumStreams returns the number of streams.
func (d *Device) NumStreams() int {
	return len(d.streams)
}

// Allocator returns the device allocator.
func (d *Device) Allocator() *Allocator {
	return d.alloc
}

// Synchronize waits for the streams mapped from ids to drain, or for every
// stream when no id is given. Ids mapping to the same stream are waited on
// once.
func (d *Device) Synchronize(ctx context.Context, ids ...int) error {
	streams := d.streams
	if len(ids) > 0 {
		seen := make(map[*Stream]bool, len(ids))
		streams = streams[:0:0]
		for _, id := range ids {
			s := d.Stream(id)
			if seen[s] {
				continue
			}
			seen[s] = true
			streams = append(streams, s)
		}
	}
	for _, s := range streams {
		if err := s.Synchronize(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close stops every stream.
func (d *Device) Close() {
	for _, s := range d.streams {
		s.Close()
	}
}

// Copy copies src into dst. dst must be at least as large as src.
func Copy(dst, src model.Tensor) error {
	if !dst.IsValid() || !src.IsValid() {
		return fmt.Errorf("%w: copy between unbound tensors", model.ErrDevice)
	}
	if src.Size > int64(len(dst.Buf.Data)) {
		return fmt.Errorf("%w: copy of %d bytes into %d-byte buffer", model.ErrDevice, src.Size, len(dst.Buf.Data))
	}
	copy(dst.Buf.Data, src.Bytes())
	return nil
}
