package pqueue

import "golang.org/x/exp/constraints"

// Entry is one element of a Queue: a value, the priority it carries, and the
// 1-based backing slot it occupies.
//
// Entries are stored by value. Every Entry a caller receives is a snapshot:
// once the queue reorganises, the snapshot's position (and possibly its
// priority) no longer describe the live entry, and Contains reports false
// for it.
type Entry[V comparable, P constraints.Ordered] struct {
	Value    V
	Priority P

	pos int
}

// Position returns the 1-based backing slot the entry occupied when the
// snapshot was taken. Zero means the entry has never been in a queue.
func (e Entry[V, P]) Position() int { return e.pos }
