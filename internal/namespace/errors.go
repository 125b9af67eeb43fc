package namespace

import "github.com/cryguy/runnable/internal/core"

// setupErrors defines the guard error classes and the violate/unwrap
// helpers every later step throws through.
func setupErrors(rt core.JSRuntime) error {
	return rt.Eval(errorsJS)
}

const errorsJS = `
(function() {
	'use strict';
	var ns = globalThis.__ns;
	var report = ns.violation;

	class SecurityViolation extends Error {}
	SecurityViolation.prototype.name = 'SecurityViolation';
	class AccessDeniedError extends Error {}
	AccessDeniedError.prototype.name = 'AccessDeniedError';
	class ResourceLimitError extends Error {}
	ResourceLimitError.prototype.name = 'ResourceLimitExceeded';

	function raise(kind, detail) {
		if (kind === 'access') throw new AccessDeniedError(detail);
		if (kind === 'limit') throw new ResourceLimitError(detail);
		throw new SecurityViolation(detail);
	}

	// Report first: user code may catch the throw, the host still fails the call.
	ns.violate = function(kind, detail) {
		detail = String(detail);
		report(kind, detail);
		raise(kind, detail);
	};

	ns.unwrap = function(raw) {
		var env = ns.parse(raw);
		if (env.violation) raise(env.violation, env.detail);
		if (env.error !== undefined) throw new Error(env.error);
		return env.value === undefined ? null : env.value;
	};

	ns.SecurityViolation = SecurityViolation;
	ns.AccessDeniedError = AccessDeniedError;
})();
`
