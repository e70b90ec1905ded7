package webapi

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cryguy/hostjs/internal/engine"
	"github.com/cryguy/hostjs/internal/eventloop"
)

// maxRandomBytes is the getRandomValues quota.
const maxRandomBytes = 65536

const globalsJS = `
(function() {
	var TYPED = [Int8Array, Uint8Array, Uint8ClampedArray, Int16Array, Uint16Array,
		Int32Array, Uint32Array, Float32Array, Float64Array];
	if (typeof BigInt64Array !== 'undefined') TYPED.push(BigInt64Array, BigUint64Array);

	function cloneError(msg) {
		return typeof DOMException === 'function' ? new DOMException(msg, 'DataCloneError') : new TypeError(msg);
	}

	function clone(v, seen) {
		if (v === null || typeof v !== 'object') {
			if (typeof v === 'function' || typeof v === 'symbol') {
				throw cloneError(String(v) + ' could not be cloned.');
			}
			return v;
		}
		if (seen.has(v)) return seen.get(v);
		var out, i;
		if (v instanceof Date) out = new Date(v.getTime());
		else if (v instanceof RegExp) out = new RegExp(v.source, v.flags);
		else if (v instanceof ArrayBuffer) out = v.slice(0);
		else if (v instanceof DataView) out = new DataView(v.buffer.slice(v.byteOffset, v.byteOffset + v.byteLength));
		else if (v instanceof Promise || v instanceof WeakMap || v instanceof WeakSet) {
			throw cloneError(Object.prototype.toString.call(v) + ' could not be cloned.');
		}
		if (out !== undefined) {
			seen.set(v, out);
			return out;
		}
		for (i = 0; i < TYPED.length; i++) {
			if (v instanceof TYPED[i]) {
				out = new TYPED[i](v.buffer.slice(v.byteOffset, v.byteOffset + v.byteLength));
				seen.set(v, out);
				return out;
			}
		}
		if (v instanceof Map) {
			out = new Map();
			seen.set(v, out);
			v.forEach(function(val, key) { out.set(clone(key, seen), clone(val, seen)); });
			return out;
		}
		if (v instanceof Set) {
			out = new Set();
			seen.set(v, out);
			v.forEach(function(val) { out.add(clone(val, seen)); });
			return out;
		}
		if (v instanceof Error) {
			out = new Error(v.message);
			out.name = v.name;
			if (v.stack) out.stack = v.stack;
			seen.set(v, out);
			return out;
		}
		out = Array.isArray(v) ? new Array(v.length) : {};
		seen.set(v, out);
		var keys = Object.keys(v);
		for (i = 0; i < keys.length; i++) out[keys[i]] = clone(v[keys[i]], seen);
		return out;
	}

	globalThis.structuredClone = function(value) {
		if (arguments.length === 0) throw new TypeError('structuredClone requires 1 argument');
		return clone(value, new Map());
	};

	globalThis.queueMicrotask = function(fn) {
		if (typeof fn !== 'function') throw new TypeError('queueMicrotask requires a function');
		Promise.resolve().then(fn);
	};

	var timeOrigin = Date.now();
	globalThis.performance = {
		timeOrigin: timeOrigin,
		now: function() { return __performanceNow(); },
		toJSON: function() { return { timeOrigin: timeOrigin }; }
	};

	var INTEGER_ARRAYS = [Int8Array, Uint8Array, Uint8ClampedArray, Int16Array, Uint16Array, Int32Array, Uint32Array];
	if (typeof BigInt64Array !== 'undefined') INTEGER_ARRAYS.push(BigInt64Array, BigUint64Array);

	globalThis.crypto = {
		randomUUID: function() { return __randomUUID(); },
		getRandomValues: function(arr) {
			var ok = false;
			for (var i = 0; i < INTEGER_ARRAYS.length; i++) {
				if (arr instanceof INTEGER_ARRAYS[i]) { ok = true; break; }
			}
			if (!ok) {
				throw typeof DOMException === 'function'
					? new DOMException('The provided ArrayBufferView is not an integer array type', 'TypeMismatchError')
					: new TypeError('The provided ArrayBufferView is not an integer array type');
			}
			var r = JSON.parse(__randomBytes(arr.byteLength));
			if (r.error) {
				throw typeof DOMException === 'function' ? new DOMException(r.error, 'QuotaExceededError') : new RangeError(r.error);
			}
			var bytes = __b64ToBytes(r.v);
			new Uint8Array(arr.buffer, arr.byteOffset, arr.byteLength).set(bytes);
			return arr;
		}
	};
})();
`

// performanceNow returns milliseconds since start. Without hrtime the
// value is truncated to whole milliseconds.
func performanceNow(start time.Time, hrtime bool) float64 {
	elapsed := time.Since(start)
	if !hrtime {
		return float64(elapsed.Milliseconds())
	}
	return float64(elapsed.Nanoseconds()) / 1e6
}

// SetupGlobals installs structuredClone, queueMicrotask, performance and
// crypto. SetupEncoding must have run first.
func SetupGlobals(hrtime bool) Setup {
	return func(rt engine.Runtime, _ *eventloop.EventLoop) error {
		start := time.Now()
		if err := rt.RegisterFunc("__performanceNow", func() float64 {
			return performanceNow(start, hrtime)
		}); err != nil {
			return err
		}
		if err := rt.RegisterFunc("__randomUUID", func() string {
			return uuid.NewString()
		}); err != nil {
			return err
		}
		if err := rt.RegisterFunc("__randomBytes", func(n int) string {
			if n < 0 || n > maxRandomBytes {
				return jsonString(map[string]string{
					"error": fmt.Sprintf("The ArrayBufferView's byte length (%d) exceeds the number of bytes of entropy available via this API (%d)", n, maxRandomBytes),
				})
			}
			buf := make([]byte, n)
			_, _ = rand.Read(buf)
			return jsonString(map[string]string{"v": base64.StdEncoding.EncodeToString(buf)})
		}); err != nil {
			return err
		}
		if err := rt.Eval(globalsJS); err != nil {
			return fmt.Errorf("evaluating globals.js: %w", err)
		}
		return nil
	}
}
