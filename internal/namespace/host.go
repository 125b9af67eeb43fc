package namespace

import (
	"github.com/cryguy/runnable/internal/core"
)

// setupHost registers the Go callbacks and moves them, together with the
// intrinsics the bootstrap relies on, onto the private __ns object. The
// globals are deleted so template code never sees them.
func setupHost(rt core.JSRuntime, h Host) error {
	if err := rt.RegisterFunc("__host_violation", func(kind, detail string) int {
		h.Violation(kind, detail)
		return 0
	}); err != nil {
		return err
	}
	if err := rt.RegisterFunc("__host_log", func(level, message string) int {
		h.Log(level, message)
		return 0
	}); err != nil {
		return err
	}
	if err := rt.RegisterFunc("__host_find_user", func(id string) string {
		return h.FindUser(id)
	}); err != nil {
		return err
	}
	if err := rt.RegisterFunc("__host_http", func(request string) string {
		return h.HTTP(request)
	}); err != nil {
		return err
	}
	return rt.Eval(hostCaptureJS)
}

const hostCaptureJS = `
(function() {
	'use strict';
	var g = globalThis;
	var ns = {
		global: g,
		violation: g.__host_violation,
		log: g.__host_log,
		findUser: g.__host_find_user,
		http: g.__host_http,
		parse: JSON.parse,
		stringify: JSON.stringify,
		Proxy: Proxy,
		WeakSet: WeakSet,
		create: Object.create,
		freeze: Object.freeze,
		keys: Object.keys,
		defineProperty: Object.defineProperty,
		getOwnPropertyDescriptor: Object.getOwnPropertyDescriptor,
		getPrototypeOf: Object.getPrototypeOf,
		isArray: Array.isArray,
		apply: Reflect.apply,
		ownKeys: Reflect.ownKeys,
		reflectGet: Reflect.get,
		reflectSet: Reflect.set,
		reflectHas: Reflect.has,
		reflectDefine: Reflect.defineProperty,
		reflectDelete: Reflect.deleteProperty,
		ObjectProto: Object.prototype,
		ArrayProto: Array.prototype,
		DateProto: Date.prototype,
		dateToISO: Date.prototype.toISOString,
		FunctionProto: Function.prototype
	};
	delete g.__host_violation;
	delete g.__host_log;
	delete g.__host_find_user;
	delete g.__host_http;
	Object.defineProperty(g, '__ns', { value: ns, configurable: true });
})();
`
