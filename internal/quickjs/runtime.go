//go:build !v8

// Package quickjs backs the sandbox with the pure-Go QuickJS interpreter.
package quickjs

import (
	"fmt"
	"sync"

	"github.com/cryguy/runnable/internal/core"
	"modernc.org/quickjs"
)

// qjsRuntime implements core.JSRuntime for the QuickJS engine.
type qjsRuntime struct {
	vm        *quickjs.VM
	closeOnce sync.Once
}

var _ core.JSRuntime = (*qjsRuntime)(nil)

// New creates a fresh QuickJS VM. A non-zero memory limit is enforced by
// the interpreter allocator; exceeding it raises an out-of-memory error
// inside the evaluation rather than crashing the host.
func New(opts core.RuntimeOptions) (core.JSRuntime, error) {
	vm, err := quickjs.NewVM()
	if err != nil {
		return nil, fmt.Errorf("creating QuickJS VM: %w", err)
	}
	if opts.MemoryLimitBytes > 0 {
		vm.SetMemoryLimit(uintptr(opts.MemoryLimitBytes))
	}
	return &qjsRuntime{vm: vm}, nil
}

// Eval evaluates JavaScript and discards the result.
func (r *qjsRuntime) Eval(js string) error {
	v, err := r.vm.EvalValue(js, quickjs.EvalGlobal)
	if err != nil {
		return err
	}
	v.Free()
	return nil
}

// EvalString evaluates JavaScript and returns the result as a Go string.
func (r *qjsRuntime) EvalString(js string) (string, error) {
	result, err := r.vm.Eval(js, quickjs.EvalGlobal)
	if err != nil {
		return "", err
	}
	if result == nil {
		return "", nil
	}
	if s, ok := result.(string); ok {
		return s, nil
	}
	return fmt.Sprint(result), nil
}

// RegisterFunc registers a Go function as a global JavaScript function.
// Multi-value Go returns (T, error) are unwrapped: on success the wrapper
// returns T, on error it throws a TypeError. The QuickJS Go binding hands
// multi-value results back as JS arrays, hence the wrapper.
func (r *qjsRuntime) RegisterFunc(name string, fn any) error {
	rawName := "__raw_" + name
	if err := r.vm.RegisterFunc(rawName, fn, false); err != nil {
		return err
	}
	wrapJS := fmt.Sprintf(`(function() {
		var raw = globalThis[%q];
		globalThis[%q] = function() {
			var r = raw.apply(undefined, arguments);
			if (Array.isArray(r)) {
				if (r[1] !== null && r[1] !== undefined) throw new TypeError("calling %s: " + r[1]);
				return r[0];
			}
			return r;
		};
		delete globalThis[%q];
	})()`, rawName, name, name, rawName)
	return r.Eval(wrapJS)
}

// SetGlobal sets a global property on the VM's global object.
func (r *qjsRuntime) SetGlobal(name string, value any) error {
	atom, err := r.vm.NewAtom(name)
	if err != nil {
		return fmt.Errorf("creating atom %q: %w", name, err)
	}
	glob := r.vm.GlobalObject()
	defer glob.Free()
	return glob.SetProperty(atom, value)
}

// Interrupt aborts the running evaluation. Safe to call from the watchdog
// goroutine.
func (r *qjsRuntime) Interrupt() {
	r.vm.Interrupt()
}

// Close releases the VM. Subsequent calls are no-ops.
func (r *qjsRuntime) Close() {
	r.closeOnce.Do(func() { r.vm.Close() })
}
