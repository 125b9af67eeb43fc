package namespace

import "github.com/cryguy/runnable/internal/core"

// setupBase defines BaseSecureRunnable, the only parent class templates may
// extend. Construction requires a grant the host sets immediately before
// `new`, so user code can never mint an instance with capabilities.
func setupBase(rt core.JSRuntime) error {
	return rt.Eval(baseJS)
}

const baseJS = `
(function() {
	'use strict';
	var ns = globalThis.__ns;
	var violate = ns.violate, create = ns.create, defineProperty = ns.defineProperty;
	var getProto = ns.getPrototypeOf, ObjectProto = ns.ObjectProto;
	var reflectGet = ns.reflectGet, reflectSet = ns.reflectSet, reflectHas = ns.reflectHas;
	var reflectDefine = ns.reflectDefine, reflectDelete = ns.reflectDelete;
	var pending = null;
	var issued = new ns.WeakSet();

	function isPlainObject(v) {
		if (v === null || typeof v !== 'object' || ns.isCapability(v)) return false;
		var p = getProto(v);
		return p === ObjectProto || p === null;
	}
	ns.isPlainObject = isPlainObject;

	function reserved(key) {
		return typeof key === 'string' && key.slice(0, 2) === '__';
	}

	function checkWrite(fixed, key, desc) {
		if (typeof key !== 'string') return;
		if (reserved(key)) violate('security', 'assignment to reserved attribute "' + key + '" is not permitted');
		if (key in fixed) violate('security', 'attribute "' + key + '" is read-only');
		if (key === 'context' && (desc.get !== undefined || desc.set !== undefined || !isPlainObject(desc.value))) {
			violate('security', 'context must be a plain object');
		}
	}

	class BaseSecureRunnable {
		constructor() {
			if (pending === null) violate('security', 'BaseSecureRunnable can only be instantiated by the host');
			var grant = pending;
			pending = null;

			var fixed = create(null);
			fixed.storage = grant.storage;
			fixed.logger = grant.logger;
			fixed.http = grant.http;
			fixed.output_state = grant.output_state;

			defineProperty(this, 'context', { value: {}, writable: true, enumerable: true, configurable: true });
			defineProperty(this, 'properties', { value: grant.properties, writable: true, enumerable: true, configurable: true });

			var proxy = new ns.Proxy(this, {
				get: function(t, key, receiver) {
					if (reserved(key)) return violate('security', 'access to reserved attribute "' + key + '" is not permitted');
					if (typeof key === 'string' && key in fixed) return fixed[key];
					return reflectGet(t, key, receiver);
				},
				set: function(t, key, value, receiver) {
					checkWrite(fixed, key, { value: value });
					return reflectSet(t, key, value, receiver);
				},
				defineProperty: function(t, key, desc) {
					checkWrite(fixed, key, desc);
					return reflectDefine(t, key, desc);
				},
				deleteProperty: function(t, key) {
					if (reserved(key) || key === 'context' || (typeof key === 'string' && key in fixed)) {
						return violate('security', 'cannot delete attribute "' + String(key) + '"');
					}
					return reflectDelete(t, key);
				},
				setPrototypeOf: function() {
					return violate('security', 'cannot change the prototype of a runnable');
				},
				has: function(t, key) {
					return (typeof key === 'string' && key in fixed) || reflectHas(t, key);
				}
			});
			issued.add(proxy);
			return proxy;
		}

		init() {}

		process(queries) {
			throw new Error('process() is not implemented');
		}

		*process_stream(query) {
			var results = this.process([query]);
			if (results === undefined || results === null) return;
			for (var i = 0; i < results.length; i++) yield results[i];
		}
	}

	ns.BaseSecureRunnable = BaseSecureRunnable;

	ns.isRunnableClass = function(R) {
		if (typeof R !== 'function') return false;
		for (var p = getProto(R); p !== null; p = getProto(p)) {
			if (p === BaseSecureRunnable) return true;
		}
		return false;
	};

	ns.instantiate = function(R, grant) {
		pending = grant;
		var inst;
		try {
			inst = new R();
		} finally {
			pending = null;
		}
		if (!issued.has(inst)) violate('security', 'Runnable constructor must return the instance it was given');
		return inst;
	};
})();
`
