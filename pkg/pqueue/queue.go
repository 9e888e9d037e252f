// Package pqueue implements an indexed binary min-heap priority queue.
//
// The heap keeps, inside every stored entry, the 1-based slot that entry
// currently occupies. Position tracking is what makes the heap indexed:
//   - Contains validates a caller-held snapshot in O(1), and
//   - removals and priority updates re-sift from a known slot in O(log N)
//     once the slot is located.
//
// The layout is the textbook one. Slot 0 of the backing vector holds a zero
// sentinel, live entries occupy slots 1..Len(), the parent of slot i is i/2
// and its children are 2i and 2i+1. Lower priority values dequeue first.
// All comparisons are strict, which pins the tie behaviour: equal-priority
// entries never displace an incumbent parent during sift-up, and sift-down
// resolves child ties toward the right child.
//
// A Queue is a single-owner structure and does no locking of its own.
// Concurrent callers either serialise access themselves or hand the queue to
// an owner that does (see internal/executor). The WithGuard option adds a
// debug assertion that panics on overlapping use.
package pqueue

import (
	"golang.org/x/exp/constraints"

	"github.com/snehjoshi/prioq/internal/guard"
	"github.com/snehjoshi/prioq/internal/vec"
)

// Option configures a Queue at construction time.
type Option func(*settings)

type settings struct {
	guarded bool
}

// WithGuard enables the single-owner assertion: an operation that begins
// while another is still running panics with both operation names. Meant for
// tests and debugging; without it the queue carries no guard at all.
func WithGuard() Option {
	return func(s *settings) { s.guarded = true }
}

// Queue is an indexed min-heap of value/priority entries.
//
// After Dispose, mutating and dequeuing operations fail with ErrDisposed
// while the pure accessors (Len, Cap, Contains, Entries) degrade to
// empty-queue answers.
type Queue[V comparable, P constraints.Ordered] struct {
	backing  *vec.Vec[Entry[V, P]]
	guard    *guard.Guard // nil unless WithGuard
	disposed bool
}

// New returns a queue with room for at least initialCapacity entries before
// the backing storage has to grow. A negative capacity is rejected with
// ErrInvalidCapacity; zero is valid and defers allocation growth to the
// first enqueues.
func New[V comparable, P constraints.Ordered](initialCapacity int, opts ...Option) (*Queue[V, P], error) {
	if initialCapacity < 0 {
		return nil, ErrInvalidCapacity
	}
	if initialCapacity > vec.MaxLen-1 {
		return nil, ErrCapacityOverflow
	}
	var s settings
	for _, opt := range opts {
		opt(&s)
	}

	// One extra slot: slot 0 stays a zero sentinel so the parent/child
	// arithmetic is 1-based.
	backing, err := vec.New[Entry[V, P]](initialCapacity + 1)
	if err != nil {
		return nil, ErrCapacityOverflow
	}
	if err := backing.Append(Entry[V, P]{}); err != nil {
		return nil, ErrCapacityOverflow
	}

	q := &Queue[V, P]{backing: backing}
	if s.guarded {
		q.guard = guard.New()
	}
	return q, nil
}

// count is the number of live entries; they occupy slots 1..count.
func (q *Queue[V, P]) count() int { return q.backing.Len() - 1 }

// noop is returned by enter when no guard is attached.
var noop = func() {}

// enter arms the guard for op and returns the matching release.
func (q *Queue[V, P]) enter(op string) func() {
	if q.guard == nil {
		return noop
	}
	q.guard.Enter(op)
	return q.guard.Exit
}

// Len returns the number of entries in the queue.
func (q *Queue[V, P]) Len() int {
	if q.disposed {
		return 0
	}
	return q.count()
}

// Cap returns how many entries the backing storage holds before the next
// growth. The sentinel slot is not counted.
func (q *Queue[V, P]) Cap() int {
	if q.disposed {
		return 0
	}
	return q.backing.Cap() - 1
}

// Reserve grows the backing storage so that at least n entries fit without
// further reallocation. It never shrinks and does not change Len. Callers
// about to enqueue a known batch use it to pay for growth once.
func (q *Queue[V, P]) Reserve(n int) error {
	if q.disposed {
		return ErrDisposed
	}
	if n < 0 {
		return ErrInvalidCapacity
	}
	if n > vec.MaxLen-1 {
		return ErrCapacityOverflow
	}
	defer q.enter("Reserve")()

	if err := q.backing.EnsureCapacity(n + 1); err != nil {
		return ErrCapacityOverflow
	}
	return nil
}

// Enqueue adds value with the given priority. The entry is appended at the
// tail slot and sifted up; growth of the backing storage may fail with
// ErrCapacityOverflow.
func (q *Queue[V, P]) Enqueue(value V, priority P) error {
	if q.disposed {
		return ErrDisposed
	}
	defer q.enter("Enqueue")()

	e := Entry[V, P]{Value: value, Priority: priority, pos: q.count() + 1}
	if err := q.backing.Append(e); err != nil {
		return ErrCapacityOverflow
	}
	q.siftUp(q.count())
	return nil
}

// Dequeue removes and returns the highest-priority entry (the lowest
// priority value). ErrEmpty when the queue holds nothing.
func (q *Queue[V, P]) Dequeue() (Entry[V, P], error) {
	if q.disposed {
		return Entry[V, P]{}, ErrDisposed
	}
	defer q.enter("Dequeue")()

	if q.count() == 0 {
		return Entry[V, P]{}, ErrEmpty
	}
	return q.removeAt(1), nil
}

// Peek returns the highest-priority entry without removing it.
func (q *Queue[V, P]) Peek() (Entry[V, P], error) {
	if q.disposed {
		return Entry[V, P]{}, ErrDisposed
	}
	defer q.enter("Peek")()

	if q.count() == 0 {
		return Entry[V, P]{}, ErrEmpty
	}
	return q.backing.Get(1), nil
}

// RemoveByValue removes every entry whose value equals value and returns how
// many were removed. Each removal restructures the heap, so the scan restarts
// until a full pass finds no match; matches swapped backward by an earlier
// removal are therefore never skipped.
func (q *Queue[V, P]) RemoveByValue(value V) (int, error) {
	if q.disposed {
		return 0, ErrDisposed
	}
	defer q.enter("RemoveByValue")()

	removed := 0
	for {
		i := q.findValue(value)
		if i == 0 {
			return removed, nil
		}
		q.removeAt(i)
		removed++
	}
}

// RemoveByPriority removes every entry whose priority equals priority and
// returns how many were removed. Same restart discipline as RemoveByValue.
func (q *Queue[V, P]) RemoveByPriority(priority P) (int, error) {
	if q.disposed {
		return 0, ErrDisposed
	}
	defer q.enter("RemoveByPriority")()

	removed := 0
	for {
		i := q.findPriority(priority)
		if i == 0 {
			return removed, nil
		}
		q.removeAt(i)
		removed++
	}
}

// UpdatePriorityByValue assigns newPriority to every entry whose value equals
// value, re-sifting each in whichever direction the heap property demands.
// It returns the number of entries whose priority actually changed; entries
// already at newPriority are left where they are.
func (q *Queue[V, P]) UpdatePriorityByValue(value V, newPriority P) (int, error) {
	if q.disposed {
		return 0, ErrDisposed
	}
	defer q.enter("UpdatePriorityByValue")()

	updated := 0
	for {
		i := 0
		for j := 1; j <= q.count(); j++ {
			e := q.backing.Get(j)
			if e.Value == value && e.Priority != newPriority {
				i = j
				break
			}
		}
		if i == 0 {
			return updated, nil
		}
		e := q.backing.Get(i)
		e.Priority = newPriority
		q.place(i, e)
		q.fix(i)
		updated++
	}
}

// Contains reports whether e still describes a live entry: the slot recorded
// in the snapshot must hold an entry equal to it in value, priority, and
// position. A stale snapshot reports false.
func (q *Queue[V, P]) Contains(e Entry[V, P]) bool {
	if q.disposed {
		return false
	}
	if e.pos < 1 || e.pos > q.count() {
		return false
	}
	return q.backing.Get(e.pos) == e
}

// Entries returns a copy of the live entries in backing order, slot 1 first.
// The heap ordering holds across the copy; fully sorted order does not.
func (q *Queue[V, P]) Entries() []Entry[V, P] {
	if q.disposed {
		return nil
	}
	n := q.count()
	out := make([]Entry[V, P], n)
	for i := 1; i <= n; i++ {
		out[i-1] = q.backing.Get(i)
	}
	return out
}

// Clear removes every entry, keeps the backing capacity, and returns how
// many entries were dropped.
func (q *Queue[V, P]) Clear() (int, error) {
	if q.disposed {
		return 0, ErrDisposed
	}
	defer q.enter("Clear")()

	n := q.count()
	for q.count() > 0 {
		q.backing.RemoveLast()
	}
	return n, nil
}

// Dispose releases the backing storage. The first call returns nil; any
// later mutating or dequeuing call, including another Dispose, fails with
// ErrDisposed.
func (q *Queue[V, P]) Dispose() error {
	if q.disposed {
		return ErrDisposed
	}
	defer q.enter("Dispose")()

	q.backing.Release()
	q.disposed = true
	return nil
}

// findValue returns the lowest slot holding value, or 0 when absent.
func (q *Queue[V, P]) findValue(value V) int {
	for i := 1; i <= q.count(); i++ {
		if q.backing.Get(i).Value == value {
			return i
		}
	}
	return 0
}

// findPriority returns the lowest slot holding priority, or 0 when absent.
func (q *Queue[V, P]) findPriority(priority P) int {
	for i := 1; i <= q.count(); i++ {
		if q.backing.Get(i).Priority == priority {
			return i
		}
	}
	return 0
}
