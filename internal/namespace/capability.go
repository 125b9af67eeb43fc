package namespace

import "github.com/cryguy/runnable/internal/core"

// setupCapabilities builds the storage, logger and http capability proxies.
// Reads of undeclared, reserved or symbol keys are violations, and every
// mutation is rejected. db_connection is declared but backed by nothing
// the sandbox may touch, so it raises AccessDeniedError.
func setupCapabilities(rt core.JSRuntime) error {
	return rt.Eval(capabilitiesJS)
}

const capabilitiesJS = `
(function() {
	'use strict';
	var ns = globalThis.__ns;
	var violate = ns.violate, unwrap = ns.unwrap;
	var create = ns.create, freeze = ns.freeze, keys = ns.keys;
	var stringify = ns.stringify, parse = ns.parse;
	var issued = new ns.WeakSet();
	var hostFindUser = ns.findUser, hostLog = ns.log, hostHTTP = ns.http;

	function members(src) {
		var out = create(null);
		var names = keys(src);
		for (var i = 0; i < names.length; i++) {
			out[names[i]] = freeze(src[names[i]]);
		}
		return freeze(out);
	}

	function capability(name, declared, denied) {
		var handler = {
			get: function(t, key) {
				if (typeof key === 'symbol') return violate('security', 'symbol access on ' + name + ' is not permitted');
				if (key.slice(0, 2) === '__') return violate('security', 'access to reserved attribute ' + name + '.' + key + ' is not permitted');
				if (key in denied) return violate('access', denied[key]);
				if (key in declared) return declared[key];
				return violate('security', name + ' has no attribute "' + key + '"');
			},
			set: function(t, key) {
				return violate('security', 'cannot assign ' + name + '.' + String(key));
			},
			defineProperty: function(t, key) {
				return violate('security', 'cannot define ' + name + '.' + String(key));
			},
			deleteProperty: function(t, key) {
				return violate('security', 'cannot delete ' + name + '.' + String(key));
			},
			setPrototypeOf: function() {
				return violate('security', 'cannot change the prototype of ' + name);
			},
			has: function(t, key) {
				return typeof key === 'string' && key.slice(0, 2) !== '__' && key in declared;
			}
		};
		var p = new ns.Proxy(create(null), handler);
		issued.add(p);
		return p;
	}

	ns.isCapability = function(v) {
		return issued.has(v);
	};

	var storage = capability('storage', members({
		find_user(id) {
			if (id === undefined || id === null) throw new TypeError('find_user requires an id');
			return unwrap(hostFindUser(String(id)));
		}
	}), { db_connection: 'direct database connection access is not permitted' });

	function format(args) {
		var parts = [];
		for (var i = 0; i < args.length; i++) {
			var a = args[i];
			if (typeof a === 'string') {
				parts.push(a);
			} else if (ns.isCapability(a)) {
				parts.push('[capability]');
			} else if (a !== null && typeof a === 'object') {
				try {
					parts.push(stringify(a));
				} catch (e) {
					parts.push('[object]');
				}
			} else {
				parts.push(String(a));
			}
		}
		return parts.join(' ');
	}

	var logger = capability('logger', members({
		debug(...args) { hostLog('debug', format(args)); },
		info(...args) { hostLog('info', format(args)); },
		warn(...args) { hostLog('warn', format(args)); },
		warning(...args) { hostLog('warn', format(args)); },
		error(...args) { hostLog('error', format(args)); }
	}), {});

	function request(opts) {
		if (opts === null || typeof opts !== 'object') throw new TypeError('http.request expects an options object');
		if (typeof opts.url !== 'string') throw new TypeError('http.request requires a url string');
		var req = { method: 'GET', url: opts.url, headers: {}, body: '' };
		if (opts.method !== undefined) req.method = String(opts.method).toUpperCase();
		var h = opts.headers;
		if (h !== undefined && h !== null) {
			var names = keys(h);
			for (var i = 0; i < names.length; i++) req.headers[names[i]] = String(h[names[i]]);
		}
		if (opts.body !== undefined && opts.body !== null) {
			req.body = typeof opts.body === 'string' ? opts.body : stringify(opts.body);
		}
		var resp = unwrap(hostHTTP(stringify(req)));
		var body = resp.body;
		return {
			status: resp.status,
			ok: resp.status >= 200 && resp.status < 300,
			headers: resp.headers,
			body: body,
			json() { return parse(body); }
		};
	}

	var http = capability('http', members({
		get(url, options) {
			return request({ method: 'GET', url: url, headers: options ? options.headers : undefined });
		},
		request(options) {
			return request(options);
		}
	}), {});

	ns.caps = { storage: storage, logger: logger, http: http };
})();
`
