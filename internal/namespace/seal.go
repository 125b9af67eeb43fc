package namespace

import (
	"fmt"

	"github.com/cryguy/runnable/internal/core"
)

// setupSeal closes the escape hatches, freezes every reachable intrinsic
// and publishes the host-facing __sandbox API. It removes __ns, so it
// must be the last step.
func setupSeal(rt core.JSRuntime) error {
	return rt.Eval(fmt.Sprintf(sealJS, MaxResultDepth, ArgGlobal, ArgGlobal))
}

const sealJS = `
(function() {
	'use strict';
	var ns = globalThis.__ns;
	var g = ns.global, violate = ns.violate;
	var getProto = ns.getPrototypeOf, defineProperty = ns.defineProperty;
	var getDesc = ns.getOwnPropertyDescriptor, ownKeys = ns.ownKeys, keys = ns.keys;
	var freeze = ns.freeze, isArray = ns.isArray, apply = ns.apply;
	var parse = ns.parse, stringify = ns.stringify;
	var ObjectProto = ns.ObjectProto, ArrayProto = ns.ArrayProto, DateProto = ns.DateProto, dateToISO = ns.dateToISO;
	var MAX_DEPTH = %d;

	var GeneratorFunctionProto = getProto(function*() {});
	var AsyncFunctionProto = getProto(async function() {});
	var AsyncGeneratorFunctionProto = getProto(async function*() {});
	var GeneratorProto = GeneratorFunctionProto.prototype;
	var genNext = GeneratorProto.next, genReturn = GeneratorProto.return;

	function poison(proto, label) {
		defineProperty(proto, 'constructor', {
			get: function() { return violate('security', 'access to the ' + label + ' constructor is not permitted'); },
			set: function() { violate('security', 'assignment to the ' + label + ' constructor is not permitted'); },
			enumerable: false,
			configurable: false
		});
	}
	poison(ns.FunctionProto, 'Function');
	poison(GeneratorFunctionProto, 'GeneratorFunction');
	poison(AsyncFunctionProto, 'AsyncFunction');
	poison(AsyncGeneratorFunctionProto, 'AsyncGeneratorFunction');

	// allowOverride turns a writable data property of a prototype into an
	// accessor pair, so once the prototype is frozen an assignment on an
	// inheriting object still creates an own property instead of throwing.
	function allowOverride(proto, key, d) {
		var value = d.value;
		var pair = getDesc({
			get v() { return value; },
			set v(next) {
				if (this === proto) throw new TypeError("cannot assign to read only property '" + String(key) + "'");
				defineProperty(this, key, { value: next, writable: true, enumerable: true, configurable: true });
			}
		}, 'v');
		freeze(pair.get);
		freeze(pair.set);
		defineProperty(proto, key, { get: pair.get, set: pair.set, enumerable: d.enumerable, configurable: false });
	}

	function harden(roots) {
		var seen = new ns.WeakSet(), protos = new ns.WeakSet();
		var reached = [];
		var stack = roots.slice();
		while (stack.length > 0) {
			var o = stack.pop();
			if (o === null || (typeof o !== 'object' && typeof o !== 'function') || seen.has(o)) continue;
			seen.add(o);
			reached.push(o);
			var parent = getProto(o);
			if (parent !== null) protos.add(parent);
			stack.push(parent);
			var props = ownKeys(o);
			for (var i = 0; i < props.length; i++) {
				var d = getDesc(o, props[i]);
				if ('value' in d) {
					stack.push(d.value);
					if (props[i] === 'prototype' && typeof o === 'function' && d.value !== null && typeof d.value === 'object') {
						protos.add(d.value);
					}
				} else {
					stack.push(d.get, d.set);
				}
			}
		}
		for (var j = 0; j < reached.length; j++) {
			var obj = reached[j];
			if (!protos.has(obj)) continue;
			var own = ownKeys(obj);
			for (var k = 0; k < own.length; k++) {
				var od = getDesc(obj, own[k]);
				if ('value' in od && od.writable && od.configurable) allowOverride(obj, own[k], od);
			}
		}
		for (var m = 0; m < reached.length; m++) freeze(reached[m]);
	}

	var roots = [
		ns.FunctionProto, GeneratorFunctionProto, AsyncFunctionProto, AsyncGeneratorFunctionProto,
		getProto([][Symbol.iterator]()),
		getProto(new Map()[Symbol.iterator]()),
		getProto(new Set()[Symbol.iterator]()),
		getProto(''[Symbol.iterator]()),
		getProto(/x/[Symbol.matchAll]('x')),
		g.Promise
	];
	var allowedNames = keys(ns.allowed);
	for (var i = 0; i < allowedNames.length; i++) roots.push(ns.allowed[allowedNames[i]]);
	harden(roots);

	function sanitize(v, depth) {
		if (depth > MAX_DEPTH) throw new RangeError('result nesting exceeds ' + MAX_DEPTH + ' levels');
		if (v === null) return null;
		switch (typeof v) {
		case 'string':
		case 'boolean':
			return v;
		case 'number':
			if (v !== v || v === Infinity || v === -Infinity) return violate('security', 'result contains a non-finite number');
			return v;
		case 'object':
			break;
		default:
			return violate('security', 'result contains a ' + typeof v + ' value');
		}
		if (ns.isCapability(v)) return violate('security', 'result contains a capability object');
		var proto = getProto(v);
		if (proto === DateProto) return apply(dateToISO, v, []);
		if (proto === ArrayProto && isArray(v)) {
			var arr = [];
			for (var i = 0; i < v.length; i++) {
				var item = v[i];
				arr.push(item === undefined ? null : sanitize(item, depth + 1));
			}
			return arr;
		}
		if (proto === ObjectProto || proto === null) {
			var obj = {};
			var props = keys(v);
			for (var k = 0; k < props.length; k++) {
				var d = getDesc(v, props[k]);
				if (!('value' in d)) return violate('security', 'result property "' + props[k] + '" is an accessor');
				if (d.value === undefined) continue;
				defineProperty(obj, props[k], { value: sanitize(d.value, depth + 1), writable: true, enumerable: true, configurable: true });
			}
			return obj;
		}
		return violate('security', 'result contains a non-plain object');
	}

	function record(v, what) {
		var clean = sanitize(v, 1);
		if (clean === null || typeof clean !== 'object' || isArray(clean)) {
			throw new TypeError(what + ' must produce objects');
		}
		return clean;
	}

	function records(out, what) {
		if (out === undefined || out === null) return [];
		var clean = sanitize(out, 0);
		if (!isArray(clean)) throw new TypeError(what + ' must return an array of objects');
		for (var i = 0; i < clean.length; i++) {
			if (clean[i] === null || typeof clean[i] !== 'object' || isArray(clean[i])) {
				throw new TypeError(what + ' must return an array of objects');
			}
		}
		return clean;
	}

	function deepFreeze(v) {
		if (v !== null && typeof v === 'object') {
			var props = keys(v);
			for (var i = 0; i < props.length; i++) deepFreeze(v[props[i]]);
			freeze(v);
		}
		return v;
	}

	function takeArg() {
		var raw = g['%s'];
		delete g['%s'];
		return raw === undefined ? undefined : parse(raw);
	}

	var RunnableClass = null, instance = null, stream = null;

	var sandbox = {
		define: function(wrapper) {
			var body = wrapper(ns.scope);
			var R = apply(body, undefined, []);
			if (!ns.isRunnableClass(R)) return 'missing';
			RunnableClass = R;
			return 'ok';
		},
		instantiate: function() {
			var arg = takeArg() || {};
			var props = ns.isPlainObject(arg.properties) ? arg.properties : {};
			instance = ns.instantiate(RunnableClass, {
				storage: ns.caps.storage,
				logger: ns.caps.logger,
				http: ns.caps.http,
				output_state: deepFreeze(arg.output_state === undefined ? {} : arg.output_state),
				properties: props
			});
			return 'ok';
		},
		init: function() {
			instance.init();
			return 'ok';
		},
		process: function() {
			var queries = takeArg();
			return stringify(records(instance.process(queries), 'process'));
		},
		openStream: function() {
			var query = takeArg();
			var fn = instance.process_stream;
			if (typeof fn !== 'function' || getProto(fn) !== GeneratorFunctionProto) {
				return violate('security', 'process_stream must be a generator function');
			}
			stream = apply(fn, instance, [query]);
			return 'ok';
		},
		next: function() {
			if (stream === null) return '{"done":true}';
			var step;
			try {
				step = apply(genNext, stream, []);
			} catch (e) {
				stream = null;
				throw e;
			}
			if (step.done) {
				stream = null;
				return '{"done":true}';
			}
			return stringify({ done: false, value: record(step.value, 'process_stream') });
		},
		close: function() {
			if (stream === null) return 'ok';
			var s = stream;
			stream = null;
			apply(genReturn, s, [undefined]);
			return 'ok';
		},
		context: function() {
			var c = instance.context;
			return stringify(c === undefined ? null : c);
		}
	};

	defineProperty(g, '__sandbox', { value: freeze(sandbox) });
	delete g.__ns;
})();
`
