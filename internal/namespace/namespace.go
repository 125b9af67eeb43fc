// Package namespace builds the restricted global environment that template
// code runs in. Build assembles it inside a fresh interpreter; WrapSource
// turns template text into the script that defines the processing class.
package namespace

import (
	"encoding/json"
	"fmt"

	"github.com/cryguy/runnable/internal/core"
)

// ArgGlobal is the global the host writes JSON call arguments into. The
// sandbox API consumes and deletes it on every call.
const ArgGlobal = "__sandbox_arg"

// MaxResultDepth bounds nesting of values crossing the host boundary.
const MaxResultDepth = 64

// Allowlist names the interpreter globals template code may read. Every
// other free identifier raises SecurityViolation.
var Allowlist = []string{
	"Object", "Array", "String", "Number", "Boolean", "Symbol", "BigInt",
	"Math", "JSON", "Date", "RegExp", "Map", "Set", "WeakMap", "WeakSet",
	"Error", "TypeError", "RangeError", "SyntaxError", "ReferenceError", "URIError", "EvalError",
	"parseInt", "parseFloat", "isNaN", "isFinite",
	"encodeURIComponent", "decodeURIComponent", "encodeURI", "decodeURI",
	"NaN", "Infinity", "undefined",
}

// Injected are the sandbox-provided names added on top of Allowlist.
var Injected = []string{"json", "BaseSecureRunnable", "SecurityViolation", "AccessDeniedError"}

// Host receives calls from sandboxed code. Methods run on the interpreter
// thread while a call is in flight.
type Host interface {
	// Violation records a guard trip before the guard throws.
	Violation(kind, detail string)
	// Log receives one logger.* call.
	Log(level, message string)
	// FindUser returns an Envelope-encoded record or null.
	FindUser(id string) string
	// HTTP performs an Envelope-encoded request and returns an
	// Envelope-encoded response.
	HTTP(request string) string
}

type setupFunc func(rt core.JSRuntime) error

// Build installs the restricted namespace into rt. It must run before any
// template source is evaluated and exactly once per interpreter.
func Build(rt core.JSRuntime, h Host) error {
	setups := []setupFunc{
		func(rt core.JSRuntime) error { return setupHost(rt, h) },
		setupErrors,
		setupCodec,
		setupCapabilities,
		setupBase,
		setupScope,
		setupSeal,
	}
	for i, setup := range setups {
		if err := setup(rt); err != nil {
			return fmt.Errorf("namespace setup step %d: %w", i, err)
		}
	}
	return nil
}

// WrapSource returns the script that evaluates template source inside the
// guarded scope and hands the declared Runnable class to the sandbox. The
// script evaluates to "ok" or "missing".
func WrapSource(source string) string {
	return "__sandbox.define((function(scope){with(scope){return function(){'use strict';\n" +
		source +
		"\n;return typeof Runnable === 'undefined' ? undefined : Runnable;};}}))"
}

func jsStringList(names []string) string {
	data, _ := json.Marshal(names)
	return string(data)
}
