package guard_test

import (
	"strings"
	"testing"

	"github.com/snehjoshi/prioq/internal/guard"
)

func TestEnterExitSequence(t *testing.T) {
	g := guard.New()
	for i := 0; i < 3; i++ {
		g.Enter("op")
		g.Exit()
	}
}

func TestOverlappingEnterPanics(t *testing.T) {
	g := guard.New()
	g.Enter("first")

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("second Enter did not panic")
		}
		msg, ok := r.(string)
		if !ok {
			t.Fatalf("panic value is %T, want string", r)
		}
		if !strings.Contains(msg, "first") || !strings.Contains(msg, "second") {
			t.Fatalf("panic message %q does not name both operations", msg)
		}
	}()
	g.Enter("second")
}

func TestExitWithoutEnterPanics(t *testing.T) {
	g := guard.New()
	defer func() {
		if recover() == nil {
			t.Fatal("bare Exit did not panic")
		}
	}()
	g.Exit()
}
