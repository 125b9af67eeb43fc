// Package runnable compiles operator-supplied JavaScript templates into
// sandboxed instances that process batches or streams of records.
//
// The interpreter is QuickJS by default; build with -tags v8 for V8.
package runnable

import (
	"context"

	"github.com/cryguy/runnable/internal/sandbox"
)

// Compile checks source, loads it under cfg and runs the template's init.
// A zero cfg means DefaultSecurityConfig.
func Compile(ctx context.Context, source string, cfg SecurityConfig) (*Runnable, error) {
	return sandbox.Compile(ctx, source, cfg)
}

// NewCompiler returns a Compiler with the given capability wiring.
func NewCompiler(opts Options) *Compiler {
	return sandbox.NewCompiler(opts)
}

// Check runs only the restricted-syntax checker.
func Check(source string) error {
	return sandbox.Check(source)
}
