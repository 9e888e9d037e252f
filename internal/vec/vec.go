// Package vec provides the growable backing storage for the heap in
// pkg/pqueue.
//
// A Vec is a thin wrapper over a Go slice with explicit geometric growth and
// an addressable-size guard. The heap consumes storage only through this
// type: direct slot access, append, remove-last, and capacity control.
// Slot 0 belongs to the caller (the heap keeps its sentinel there), so heap
// slot numbers map to vector indexes unchanged.
package vec

import "errors"

// MaxLen is the largest number of slots a Vec will address. Growth or
// reservation past this bound fails with ErrCapacityOverflow. Allocation
// failure below the bound surfaces as a runtime panic, not an error.
const MaxLen = 1<<31 - 1

// ErrCapacityOverflow is returned when a requested capacity exceeds MaxLen.
var ErrCapacityOverflow = errors.New("vec: capacity exceeds addressable limit")

// minCapacity is the smallest buffer allocated once growth starts.
const minCapacity = 4

// Vec is a growable slice of T with explicit reallocation.
// The zero value is not usable; construct with New.
type Vec[T any] struct {
	buf []T
}

// New returns a Vec with room for at least capacity slots. capacity must be
// non-negative; domain limits are the caller's to enforce.
func New[T any](capacity int) (*Vec[T], error) {
	if capacity > MaxLen {
		return nil, ErrCapacityOverflow
	}
	return &Vec[T]{buf: make([]T, 0, capacity)}, nil
}

// Len returns the number of occupied slots.
func (v *Vec[T]) Len() int { return len(v.buf) }

// Cap returns the number of slots the current buffer can hold.
func (v *Vec[T]) Cap() int { return cap(v.buf) }

// Get returns the value at slot i. Out of range panics, as with a plain slice.
func (v *Vec[T]) Get(i int) T { return v.buf[i] }

// Set stores x at slot i. Out of range panics, as with a plain slice.
func (v *Vec[T]) Set(i int, x T) { v.buf[i] = x }

// Append adds x after the last occupied slot, doubling the buffer when full.
func (v *Vec[T]) Append(x T) error {
	if len(v.buf) == cap(v.buf) {
		next := cap(v.buf) * 2
		if next < minCapacity {
			next = minCapacity
		}
		if err := v.grow(next); err != nil {
			return err
		}
	}
	v.buf = append(v.buf, x)
	return nil
}

// RemoveLast zeroes the final occupied slot and shrinks the length by one.
// Removing from an empty Vec panics.
func (v *Vec[T]) RemoveLast() {
	n := len(v.buf)
	var zero T
	v.buf[n-1] = zero // release anything the slot referenced
	v.buf = v.buf[:n-1]
}

// EnsureCapacity grows the buffer so that at least n slots fit without
// further reallocation. It never shrinks.
func (v *Vec[T]) EnsureCapacity(n int) error {
	if n > MaxLen {
		return ErrCapacityOverflow
	}
	if n <= cap(v.buf) {
		return nil
	}
	return v.grow(n)
}

// grow reallocates to want slots and copies the occupied prefix. A doubling
// request that overshoots MaxLen is clamped; the caller's need still fits.
func (v *Vec[T]) grow(want int) error {
	if want > MaxLen {
		if cap(v.buf) >= MaxLen {
			return ErrCapacityOverflow
		}
		want = MaxLen
	}
	next := make([]T, len(v.buf), want)
	copy(next, v.buf)
	v.buf = next
	return nil
}

// Release drops the buffer. The Vec must not be used afterwards; the owner
// guards against that.
func (v *Vec[T]) Release() { v.buf = nil }
