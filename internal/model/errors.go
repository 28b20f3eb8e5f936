package model

import "errors"

// Error classes shared by the scheduler, the executors and the device layer.
// Callers match them with errors.Is; none of them is retried internally.
var (
	// ErrNotFound is returned for out-of-range slots and unknown nodes.
	ErrNotFound = errors.New("not found")

	// ErrUnsupported is returned when no executor can run a node.
	ErrUnsupported = errors.New("unsupported")

	// ErrInvalidGraph is returned for malformed dependency graphs.
	ErrInvalidGraph = errors.New("invalid graph")

	// ErrInvalidArgument is returned for caller-supplied values that do not fit the graph.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrShapeResolution is returned when an awaited shape never arrives.
	ErrShapeResolution = errors.New("shape resolution failed")

	// ErrInternal marks programming errors such as double completion signals.
	ErrInternal = errors.New("internal error")

	// ErrSizeMismatch is returned when a tensor is too small for its descriptor.
	ErrSizeMismatch = errors.New("size mismatch")

	// ErrResource is returned when an allocation cannot be satisfied.
	ErrResource = errors.New("resource exhausted")

	// ErrDevice wraps failures reported by the device layer.
	ErrDevice = errors.New("device error")

	// ErrStopped is returned by blocking operations after a pipeline was aborted.
	ErrStopped = errors.New("stopped")

	// ErrInvalidState is returned when an operation is called out of order.
	ErrInvalidState = errors.New("invalid state")
)
