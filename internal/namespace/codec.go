package namespace

import "github.com/cryguy/runnable/internal/core"

func setupCodec(rt core.JSRuntime) error {
	return rt.Eval(codecJS)
}

// codecJS provides the json global: dumps(value, indent?) and loads(text).
const codecJS = `
(function() {
	'use strict';
	var ns = globalThis.__ns;
	var stringify = ns.stringify, parse = ns.parse;
	ns.json = {
		dumps(value, indent) {
			var out = (indent === undefined || indent === null) ? stringify(value) : stringify(value, null, indent);
			if (out === undefined) throw new TypeError('value is not JSON serializable');
			return out;
		},
		loads(text) {
			return parse(String(text));
		}
	};
})();
`
