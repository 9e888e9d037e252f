package pqueue

import "errors"

// Sentinel errors returned by Queue operations. Callers match with errors.Is.
var (
	// ErrInvalidCapacity reports a negative initial capacity.
	ErrInvalidCapacity = errors.New("pqueue: initial capacity must not be negative")

	// ErrEmpty reports a dequeue or peek on an empty queue.
	ErrEmpty = errors.New("pqueue: queue is empty")

	// ErrDisposed reports use of a queue after Dispose released its storage.
	ErrDisposed = errors.New("pqueue: queue is disposed")

	// ErrCapacityOverflow reports growth past the addressable backing limit.
	ErrCapacityOverflow = errors.New("pqueue: capacity exceeds addressable limit")
)
