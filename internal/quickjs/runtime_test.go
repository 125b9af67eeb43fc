//go:build !v8

package quickjs

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cryguy/runnable/internal/core"
)

func newRuntime(t *testing.T) core.JSRuntime {
	t.Helper()
	rt, err := New(core.RuntimeOptions{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(rt.Close)
	return rt
}

func TestEvalString(t *testing.T) {
	rt := newRuntime(t)
	got, err := rt.EvalString("JSON.stringify({a: [1, 2]})")
	if err != nil {
		t.Fatalf("EvalString: %v", err)
	}
	if got != `{"a":[1,2]}` {
		t.Errorf("got %q", got)
	}
}

func TestEvalSyntaxError(t *testing.T) {
	rt := newRuntime(t)
	if err := rt.Eval("function ("); err == nil {
		t.Fatal("expected a syntax error")
	}
}

func TestRegisterFunc(t *testing.T) {
	rt := newRuntime(t)
	if err := rt.RegisterFunc("upper", func(s string) string { return strings.ToUpper(s) }); err != nil {
		t.Fatal(err)
	}
	if err := rt.RegisterFunc("fails", func(s string) (string, error) { return "", errors.New("nope") }); err != nil {
		t.Fatal(err)
	}

	got, err := rt.EvalString("upper('abc')")
	if err != nil || got != "ABC" {
		t.Fatalf("upper: %q %v", got, err)
	}
	got, err = rt.EvalString("try { fails('x'); 'no throw' } catch (e) { String(e) }")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "nope") {
		t.Errorf("expected the Go error to surface as a throw, got %q", got)
	}
}

func TestSetGlobal(t *testing.T) {
	rt := newRuntime(t)
	if err := rt.SetGlobal("__arg", `[{"q":1}]`); err != nil {
		t.Fatal(err)
	}
	got, err := rt.EvalString("String(JSON.parse(__arg)[0].q + 1)")
	if err != nil || got != "2" {
		t.Fatalf("got %q %v", got, err)
	}
}

func TestInterrupt(t *testing.T) {
	rt := newRuntime(t)
	timer := time.AfterFunc(50*time.Millisecond, rt.Interrupt)
	defer timer.Stop()

	if err := rt.Eval("for (;;) {}"); err == nil {
		t.Fatal("expected the loop to be interrupted")
	}
}

func TestCloseTwice(t *testing.T) {
	rt, err := New(core.RuntimeOptions{MemoryLimitBytes: 64 << 20})
	if err != nil {
		t.Fatal(err)
	}
	rt.Close()
	rt.Close()
}
