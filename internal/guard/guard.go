// Package guard provides an opt-in assertion that a structure is used by a
// single goroutine at a time.
//
// A Guard is not a lock and never blocks. Enter records the operation name
// and panics if another operation is already inside, naming both operations
// so the offending call sites are obvious in the stack trace. Callers that
// want zero overhead simply keep no guard.
package guard

import (
	"fmt"

	"go.uber.org/atomic"
)

// Guard flags concurrent use of a single-owner structure.
// The zero value is ready to use.
type Guard struct {
	held atomic.Int32
	op   atomic.String
}

// New returns a Guard with no operation inside.
func New() *Guard { return &Guard{} }

// Enter marks op as the running operation. It panics if a previous Enter has
// not been matched by Exit yet.
func (g *Guard) Enter(op string) {
	if !g.held.CompareAndSwap(0, 1) {
		panic(fmt.Sprintf("guard: %s entered while %s is still running; the owner must serialise access", op, g.op.Load()))
	}
	g.op.Store(op)
}

// Exit clears the running operation. Exit without a matching Enter panics.
func (g *Guard) Exit() {
	g.op.Store("")
	if !g.held.CompareAndSwap(1, 0) {
		panic("guard: Exit without a matching Enter")
	}
}
