package core

// JSRuntime abstracts the JavaScript engine (QuickJS or V8) behind the
// small surface the sandbox needs. Implementations are not safe for
// concurrent use except for Interrupt, which may be called from any
// goroutine.
type JSRuntime interface {
	// Eval evaluates JavaScript source and discards the result.
	Eval(js string) error

	// EvalString evaluates JavaScript and returns the result as a Go string.
	EvalString(js string) (string, error)

	// RegisterFunc registers a Go function as a global JavaScript function.
	// Arguments and results are limited to string, int and float64.
	// On error return, the JS wrapper throws a TypeError.
	RegisterFunc(name string, fn any) error

	// SetGlobal sets a global variable on the JS context.
	SetGlobal(name string, value any) error

	// Interrupt aborts the running evaluation. The runtime must not be
	// reused afterwards.
	Interrupt()

	// Close releases the interpreter.
	Close()
}

// RuntimeOptions configures a fresh interpreter.
type RuntimeOptions struct {
	// MemoryLimitBytes caps the interpreter heap. Zero means unlimited.
	MemoryLimitBytes uint64
}

// RuntimeFactory creates a fresh interpreter. Each Runnable owns exactly one.
type RuntimeFactory func(opts RuntimeOptions) (JSRuntime, error)
