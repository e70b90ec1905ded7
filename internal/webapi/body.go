package webapi

import (
	"fmt"

	"github.com/cryguy/hostjs/internal/engine"
	"github.com/cryguy/hostjs/internal/eventloop"
)

// bodyJS defines Headers, Blob, File, Request and Response. Bodies are
// held as whole byte arrays; there are no streams.
const bodyJS = `
(function() {
var HEADER_NAME = /^[!#$%&'*+\-.^_` + "`" + `|~0-9A-Za-z]+$/;

function normName(name) {
	name = String(name);
	if (!HEADER_NAME.test(name)) throw new TypeError('Invalid header name: "' + name + '"');
	return name.toLowerCase();
}
function normValue(v) {
	return String(v).replace(/^[\t\n\r ]+|[\t\n\r ]+$/g, '');
}

class Headers {
	constructor(init) {
		Object.defineProperty(this, '_list', { value: [], writable: true, enumerable: false });
		if (init === undefined || init === null) return;
		if (init instanceof Headers) {
			for (var e of init._list) this._list.push([e[0], e[1]]);
		} else if (typeof init[Symbol.iterator] === 'function') {
			for (var pair of init) {
				pair = Array.from(pair);
				if (pair.length !== 2) throw new TypeError('Header pairs must contain exactly two items');
				this.append(pair[0], pair[1]);
			}
		} else if (typeof init === 'object') {
			for (var k of Object.keys(init)) this.append(k, init[k]);
		} else {
			throw new TypeError('Failed to construct Headers');
		}
	}
	append(name, value) { this._list.push([normName(name), normValue(value)]); }
	delete(name) {
		name = normName(name);
		this._list = this._list.filter(function(e) { return e[0] !== name; });
	}
	get(name) {
		name = normName(name);
		var vals = this._list.filter(function(e) { return e[0] === name; }).map(function(e) { return e[1]; });
		return vals.length ? vals.join(', ') : null;
	}
	getSetCookie() {
		return this._list.filter(function(e) { return e[0] === 'set-cookie'; }).map(function(e) { return e[1]; });
	}
	has(name) {
		name = normName(name);
		return this._list.some(function(e) { return e[0] === name; });
	}
	set(name, value) {
		name = normName(name);
		value = normValue(value);
		var idx = -1;
		this._list = this._list.filter(function(e, i) {
			if (e[0] !== name) return true;
			if (idx === -1) { idx = i; e[1] = value; return true; }
			return false;
		});
		if (idx === -1) this._list.push([name, value]);
	}
	_sorted() {
		var names = [];
		for (var e of this._list) if (names.indexOf(e[0]) === -1) names.push(e[0]);
		names.sort();
		var out = [];
		for (var n of names) {
			if (n === 'set-cookie') {
				for (var c of this.getSetCookie()) out.push([n, c]);
			} else {
				out.push([n, this.get(n)]);
			}
		}
		return out;
	}
	forEach(cb, thisArg) { for (var e of this._sorted()) cb.call(thisArg, e[1], e[0], this); }
	entries() { return this._sorted()[Symbol.iterator](); }
	keys() { return this._sorted().map(function(e) { return e[0]; })[Symbol.iterator](); }
	values() { return this._sorted().map(function(e) { return e[1]; })[Symbol.iterator](); }
	[Symbol.iterator]() { return this.entries(); }
	get [Symbol.toStringTag]() { return 'Headers'; }
}

function concat(chunks) {
	var total = 0;
	for (var c of chunks) total += c.length;
	var out = new Uint8Array(total);
	var off = 0;
	for (var c2 of chunks) { out.set(c2, off); off += c2.length; }
	return out;
}

function partBytes(p) {
	if (p instanceof Blob) return p._bytes;
	if (p instanceof ArrayBuffer || ArrayBuffer.isView(p)) return __toBytes(p).slice();
	return new TextEncoder().encode(String(p));
}

class Blob {
	constructor(parts, options) {
		var chunks = [];
		if (parts !== undefined) {
			for (var p of parts) chunks.push(partBytes(p));
		}
		Object.defineProperty(this, '_bytes', { value: concat(chunks), enumerable: false });
		var type = options && options.type !== undefined ? String(options.type) : '';
		this._type = /^[\x20-\x7E]*$/.test(type) ? type.toLowerCase() : '';
	}
	get size() { return this._bytes.length; }
	get type() { return this._type; }
	slice(start, end, type) {
		var size = this._bytes.length;
		function rel(v, def) {
			if (v === undefined) return def;
			v = Math.trunc(Number(v)) || 0;
			return v < 0 ? Math.max(size + v, 0) : Math.min(v, size);
		}
		var s = rel(start, 0), e = rel(end, size);
		var b = new Blob([this._bytes.subarray(s, Math.max(s, e))], { type: type === undefined ? '' : type });
		return b;
	}
	text() { return Promise.resolve(new TextDecoder().decode(this._bytes)); }
	arrayBuffer() { return Promise.resolve(this._bytes.slice().buffer); }
	bytes() { return Promise.resolve(this._bytes.slice()); }
	get [Symbol.toStringTag]() { return 'Blob'; }
}

class File extends Blob {
	constructor(parts, name, options) {
		if (arguments.length < 2) throw new TypeError('File constructor requires 2 arguments');
		super(parts, options);
		this.name = String(name);
		this.lastModified = options && options.lastModified !== undefined ? Number(options.lastModified) : Date.now();
	}
	get [Symbol.toStringTag]() { return 'File'; }
}

// extractBody returns [bytes, contentType] for a BodyInit.
function extractBody(body) {
	if (body === undefined || body === null) return [null, null];
	if (typeof body === 'string') return [new TextEncoder().encode(body), 'text/plain;charset=UTF-8'];
	if (body instanceof URLSearchParams) {
		return [new TextEncoder().encode(body.toString()), 'application/x-www-form-urlencoded;charset=UTF-8'];
	}
	if (body instanceof Blob) return [body._bytes.slice(), body.type || null];
	if (body instanceof ArrayBuffer || ArrayBuffer.isView(body)) return [__toBytes(body).slice(), null];
	return [new TextEncoder().encode(String(body)), 'text/plain;charset=UTF-8'];
}

var BodyMixin = {
	get bodyUsed() { return this._used; },
	_consume: function() {
		if (this._used) return Promise.reject(new TypeError('Body already consumed'));
		this._used = true;
		return Promise.resolve(this._bytes || new Uint8Array(0));
	},
	arrayBuffer: function() { return this._consume().then(function(b) { return b.slice().buffer; }); },
	bytes: function() { return this._consume().then(function(b) { return b.slice(); }); },
	text: function() { return this._consume().then(function(b) { return new TextDecoder().decode(b); }); },
	json: function() { return this.text().then(JSON.parse); },
	blob: function() {
		var type = this.headers.get('content-type') || '';
		return this._consume().then(function(b) { return new Blob([b], { type: type }); });
	}
};

function mixBody(cls) {
	for (var k of Object.getOwnPropertyNames(BodyMixin)) {
		Object.defineProperty(cls.prototype, k, Object.getOwnPropertyDescriptor(BodyMixin, k));
	}
}

var METHODS = ['DELETE', 'GET', 'HEAD', 'OPTIONS', 'POST', 'PUT', 'PATCH'];

class Request {
	constructor(input, init) {
		init = init || {};
		var src = input instanceof Request ? input : null;
		this.url = src ? src.url : new URL(String(input)).href;
		var method = init.method !== undefined ? String(init.method) : (src ? src.method : 'GET');
		if (METHODS.indexOf(method.toUpperCase()) !== -1) method = method.toUpperCase();
		this.method = method;
		this.headers = new Headers(init.headers !== undefined ? init.headers : (src ? src.headers : undefined));
		this.redirect = init.redirect || (src ? src.redirect : 'follow');
		this.signal = init.signal || (src ? src.signal : null);
		var bytes = null;
		if (init.body !== undefined && init.body !== null) {
			if (method === 'GET' || method === 'HEAD') throw new TypeError('Request with GET/HEAD method cannot have body.');
			var ex = extractBody(init.body);
			bytes = ex[0];
			if (ex[1] && !this.headers.has('content-type')) this.headers.set('content-type', ex[1]);
		} else if (src) {
			bytes = src._bytes;
		}
		Object.defineProperty(this, '_bytes', { value: bytes, writable: true, enumerable: false });
		Object.defineProperty(this, '_used', { value: false, writable: true, enumerable: false });
	}
	get body() { return null; }
	clone() {
		if (this._used) throw new TypeError('Request body is already used');
		return new Request(this);
	}
	get [Symbol.toStringTag]() { return 'Request'; }
}
mixBody(Request);

var REDIRECTS = [301, 302, 303, 307, 308];

class Response {
	constructor(body, init) {
		init = init || {};
		var status = init.status === undefined ? 200 : Number(init.status);
		if (status < 200 || status > 599) throw new RangeError('The status provided (' + status + ') is outside the range [200, 599].');
		this.status = status;
		this.statusText = init.statusText === undefined ? '' : String(init.statusText);
		this.headers = new Headers(init.headers);
		this.type = 'default';
		this.url = '';
		this.redirected = false;
		var ex = extractBody(body);
		if (ex[0] !== null && (status === 204 || status === 205 || status === 304)) {
			throw new TypeError('Response with null body status cannot have body');
		}
		if (ex[1] && !this.headers.has('content-type')) this.headers.set('content-type', ex[1]);
		Object.defineProperty(this, '_bytes', { value: ex[0], writable: true, enumerable: false });
		Object.defineProperty(this, '_used', { value: false, writable: true, enumerable: false });
	}
	get ok() { return this.status >= 200 && this.status < 300; }
	get body() { return null; }
	clone() {
		if (this._used) throw new TypeError('Response body is already used');
		var r = new Response(null, { status: this.status, statusText: this.statusText, headers: this.headers });
		r._bytes = this._bytes ? this._bytes.slice() : null;
		r.type = this.type;
		r.url = this.url;
		r.redirected = this.redirected;
		return r;
	}
	static json(data, init) {
		var headers = new Headers(init && init.headers);
		if (!headers.has('content-type')) headers.set('content-type', 'application/json');
		return new Response(JSON.stringify(data), Object.assign({}, init, { headers: headers }));
	}
	static redirect(url, status) {
		status = status === undefined ? 302 : status;
		if (REDIRECTS.indexOf(status) === -1) throw new RangeError('Invalid redirect status: ' + status);
		return new Response(null, { status: status, headers: { location: new URL(url).href } });
	}
	static error() {
		var r = new Response(null, { status: 200 });
		r.status = 0;
		r.type = 'error';
		return r;
	}
	get [Symbol.toStringTag]() { return 'Response'; }
}
mixBody(Response);

Object.defineProperty(globalThis, '__extractBody', { value: extractBody });
globalThis.Headers = Headers;
globalThis.Blob = Blob;
globalThis.File = File;
globalThis.Request = Request;
globalThis.Response = Response;
})();
`

// SetupBody installs Headers, Blob, File, Request and Response. It needs
// SetupEncoding and SetupURL.
func SetupBody(rt engine.Runtime, _ *eventloop.EventLoop) error {
	if err := rt.Eval(bodyJS); err != nil {
		return fmt.Errorf("evaluating body.js: %w", err)
	}
	return nil
}
