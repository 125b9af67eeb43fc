package namespace

import (
	"fmt"

	"github.com/cryguy/runnable/internal/core"
)

// setupScope builds the object that every free identifier in template code
// resolves against. Allowlisted names resolve to the intrinsics captured
// here; everything else, including every __ name, is a violation. The
// contract class name reads as undefined so an undeclared class can be
// reported as a compile error instead.
func setupScope(rt core.JSRuntime) error {
	return rt.Eval(fmt.Sprintf(scopeJS, jsStringList(Allowlist)))
}

const scopeJS = `
(function() {
	'use strict';
	var ns = globalThis.__ns;
	var g = ns.global, violate = ns.violate;
	var names = %s;
	var allowed = ns.create(null);
	for (var i = 0; i < names.length; i++) allowed[names[i]] = g[names[i]];
	allowed.json = ns.json;
	allowed.BaseSecureRunnable = ns.BaseSecureRunnable;
	allowed.SecurityViolation = ns.SecurityViolation;
	allowed.AccessDeniedError = ns.AccessDeniedError;
	ns.allowed = allowed;

	ns.scope = new ns.Proxy(ns.create(null), {
		has: function() {
			return true;
		},
		get: function(t, key) {
			if (typeof key === 'symbol' || key === 'Runnable') return undefined;
			if (key.slice(0, 2) !== '__' && key in allowed) return allowed[key];
			return violate('security', 'access to global "' + key + '" is not permitted');
		},
		set: function(t, key) {
			return violate('security', 'assignment to global "' + String(key) + '" is not permitted');
		},
		defineProperty: function(t, key) {
			return violate('security', 'definition of global "' + String(key) + '" is not permitted');
		},
		deleteProperty: function(t, key) {
			return violate('security', 'deletion of global "' + String(key) + '" is not permitted');
		}
	});
})();
`
