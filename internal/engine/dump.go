package engine

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// dumpBufferSize is the channel buffer for each dump subscriber.
	// Records are dropped if a subscriber falls this far behind.
	dumpBufferSize = 256

	// DefaultDumpRetain is the number of finished executions a broker
	// remembers.
	DefaultDumpRetain = 1024
)

// DumpBroker fans per-node dump records of running executions out to
// subscribers. It is safe for concurrent use.
//
// Only executions with live subscribers hold a stream. Finished execution
// ids are kept in a bounded LRU, so a subscriber arriving shortly after a
// run completes receives a closed channel instead of blocking; once an id is
// evicted it is indistinguishable from an execution that has not started.
type DumpBroker struct {
	mu       sync.Mutex
	streams  map[string]*dumpStream
	finished *lru.Cache[string, struct{}]
}

type dumpStream struct {
	subs   map[int]chan string
	nextID int
}

// NewDumpBroker creates a broker remembering up to retain finished
// executions, or DefaultDumpRetain when retain is not positive.
func NewDumpBroker(retain int) *DumpBroker {
	if retain <= 0 {
		retain = DefaultDumpRetain
	}
	// lru.New only fails for a non-positive size.
	finished, _ := lru.New[string, struct{}](retain)
	return &DumpBroker{
		streams:  make(map[string]*dumpStream),
		finished: finished,
	}
}

// Subscribe returns a channel receiving dump records of the execution and
// an unsubscribe func. The channel is closed when the execution finishes,
// or immediately when it already has.
func (b *DumpBroker) Subscribe(executionID string) (<-chan string, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan string, dumpBufferSize)
	if b.finished.Contains(executionID) {
		close(ch)
		return ch, func() {}
	}

	s, ok := b.streams[executionID]
	if !ok {
		s = &dumpStream{subs: make(map[int]chan string)}
		b.streams[executionID] = s
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		c, ok := s.subs[id]
		if !ok {
			return
		}
		delete(s.subs, id)
		close(c)
		if len(s.subs) == 0 && b.streams[executionID] == s {
			delete(b.streams, executionID)
		}
	}
}

// Publish sends record to every subscriber of the execution. Publishing
// never blocks the completion path: full subscribers lose the record.
func (b *DumpBroker) Publish(executionID, record string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.streams[executionID]
	if !ok {
		return
	}
	for _, ch := range s.subs {
		select {
		case ch <- record:
		default:
		}
	}
}

// Close marks the execution finished and closes all of its subscribers.
func (b *DumpBroker) Close(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.finished.Add(executionID, struct{}{})
	s, ok := b.streams[executionID]
	if !ok {
		return
	}
	delete(b.streams, executionID)
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
}

// Subscribers returns the number of live subscribers of the execution.
func (b *DumpBroker) Subscribers(executionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.streams[executionID]; ok {
		return len(s.subs)
	}
	return 0
}

// Retained returns the number of executions the broker holds state for:
// those with live subscribers plus the remembered finished ones.
func (b *DumpBroker) Retained() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.streams) + b.finished.Len()
}
