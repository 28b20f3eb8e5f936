package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/seantiz/dynexec/internal/model"
)

// DefaultQueueDepth is the number of commands a stream buffers before
// Launch blocks.
const DefaultQueueDepth = 256

type command struct {
	fn   func() error
	done func(error)
}

// Stream is an ordered asynchronous command queue. Commands run one at a
// time on a dedicated goroutine in submission order; each command's
// completion callback runs on that goroutine right after the command.
type Stream struct {
	id     int
	logger *slog.Logger
	cmds   chan command
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewStream starts a stream with the given queue depth.
func NewStream(id, depth int, logger *slog.Logger) *Stream {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	s := &Stream{
		id:     id,
		logger: logger,
		cmds:   make(chan command, depth),
	}
	s.wg.Go(s.run)
	return s
}

// ID returns the stream index.
func (s *Stream) ID() int {
	return s.id
}

// Launch enqueues fn and returns once it is queued. done, if non-nil, is
// invoked exactly once with fn's result after fn has run.
func (s *Stream) Launch(fn func() error, done func(error)) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("%w: stream %d is closed", model.ErrDevice, s.id)
	}
	s.cmds <- command{fn: fn, done: done}
	return nil
}

// Synchronize blocks until every command launched before the call has run.
func (s *Stream) Synchronize(ctx context.Context) error {
	marker := make(chan struct{})
	if err := s.Launch(func() error { close(marker); return nil }, nil); err != nil {
		return err
	}
	select {
	case <-marker:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting commands, drains the queue and waits for the
// worker to exit.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.cmds)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Stream) run() {
	for cmd := range s.cmds {
		err := s.exec(cmd.fn)
		if cmd.done != nil {
			cmd.done(err)
		}
	}
}

func (s *Stream) exec(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("stream command panicked", "stream", s.id, "panic", r)
			err = fmt.Errorf("%w: stream %d: command panicked: %v", model.ErrDevice, s.id, r)
		}
	}()
	if err := fn(); err != nil {
		return fmt.Errorf("%w: stream %d: %w", model.ErrDevice, s.id, err)
	}
	return nil
}
