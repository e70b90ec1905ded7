package ops

// bridgeJS is the JS half of the bridge wire codec (see package bridge).
// It also normalises thrown values into {name, message, stack} records for
// error translation.
const bridgeJS = `
(function() {
	var MAX_DEPTH = 128;

	function invalid(msg) {
		return new TypeError("InvalidValue: " + msg);
	}

	function encode(v, depth, ancestors) {
		if (depth > MAX_DEPTH) throw invalid("maximum depth " + MAX_DEPTH + " exceeded");
		switch (typeof v) {
		case 'string':
			return { t: 's', v: v };
		case 'undefined':
			return { t: 'u' };
		case 'boolean':
			return { t: 'b', v: v };
		case 'number':
			if ((v | 0) === v && !(v === 0 && 1 / v < 0)) return { t: 'i', v: v };
			if (isFinite(v)) return { t: 'd', v: v };
			return { t: 'd', v: String(v) };
		case 'function':
			return { t: 'f' };
		case 'object':
			if (v === null) return { t: 'u' };
			if (ancestors.indexOf(v) !== -1) throw invalid("cyclic value");
			ancestors.push(v);
			try {
				var items = [];
				if (Array.isArray(v)) {
					for (var i = 0; i < v.length; i++) items.push(encode(v[i], depth + 1, ancestors));
					return { t: 'a', v: items };
				}
				var keys = Object.keys(v);
				for (var j = 0; j < keys.length; j++) items.push(encode(v[keys[j]], depth + 1, ancestors));
				return { t: 'o', k: keys, v: items };
			} finally {
				ancestors.pop();
			}
		default:
			return { t: 's', v: String(v) };
		}
	}

	function decode(w) {
		switch (w.t) {
		case 's':
		case 'b':
		case 'i':
			return w.v;
		case 'd':
			return typeof w.v === 'string' ? Number(w.v) : w.v;
		case 'a':
			var arr = new Array(w.v.length);
			for (var i = 0; i < w.v.length; i++) arr[i] = decode(w.v[i]);
			return arr;
		case 'o':
			var obj = {};
			for (var j = 0; j < w.k.length; j++) {
				Object.defineProperty(obj, w.k[j], {
					value: decode(w.v[j]),
					writable: true, enumerable: true, configurable: true
				});
			}
			return obj;
		default:
			return null;
		}
	}

	function errorInfo(e) {
		if (e !== null && typeof e === 'object' && 'message' in e) {
			return {
				name: e.name === undefined ? '' : String(e.name),
				message: e.message === undefined ? '' : String(e.message),
				stack: typeof e.stack === 'string' ? e.stack : ''
			};
		}
		var msg;
		try { msg = String(e); } catch (_) { msg = ''; }
		return { name: '', message: msg, stack: '' };
	}

	Object.defineProperty(globalThis, '__hostBridge', {
		value: Object.freeze({
			encode: function(v) { return JSON.stringify(encode(v, 0, [])); },
			encodeArgs: function(args) {
				var items = [];
				for (var i = 0; i < args.length; i++) items.push(encode(args[i], 1, []));
				return JSON.stringify({ t: 'a', v: items });
			},
			decode: decode,
			parse: function(s) { return decode(JSON.parse(s)); },
			errorInfo: errorInfo
		}),
		writable: false, enumerable: false, configurable: false
	});
})();
`

// coreJS builds the Deno.core namespace around __hostOp.
const coreJS = `
(function() {
	var Deno = globalThis.Deno || {};
	var core = Deno.core || {};
	var ops = core.ops || {};

	function call(name, args) {
		var r = JSON.parse(__hostOp(name, __hostBridge.encodeArgs(args)));
		if (r.e !== undefined) throw new Error(r.e);
		return __hostBridge.decode(r.v);
	}

	core.ops = ops;
	core.opSync = function(name) {
		return call(String(name), Array.prototype.slice.call(arguments, 1));
	};
	Object.defineProperty(core, '__bindOp', {
		value: function(name) {
			ops[name] = function() {
				return call(name, Array.prototype.slice.call(arguments));
			};
		},
		enumerable: false
	});

	Deno.core = core;
	globalThis.Deno = Deno;
	if (!('core' in globalThis)) {
		Object.defineProperty(globalThis, 'core', {
			value: core, writable: true, configurable: true, enumerable: false
		});
	}
})();
`
