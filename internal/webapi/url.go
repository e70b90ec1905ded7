package webapi

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/cryguy/hostjs/internal/engine"
	"github.com/cryguy/hostjs/internal/eventloop"
)

const urlJS = `
(function() {
function parseQuery(s) {
	var out = [];
	if (s.charAt(0) === '?') s = s.slice(1);
	if (!s) return out;
	var pairs = s.split('&');
	for (var i = 0; i < pairs.length; i++) {
		if (!pairs[i]) continue;
		var eq = pairs[i].indexOf('=');
		var k = eq === -1 ? pairs[i] : pairs[i].slice(0, eq);
		var v = eq === -1 ? '' : pairs[i].slice(eq + 1);
		out.push([decode(k), decode(v)]);
	}
	return out;
}
function decode(s) {
	s = s.replace(/\+/g, ' ');
	try { return decodeURIComponent(s); } catch (_) { return s; }
}
function encode(s) {
	return encodeURIComponent(s).replace(/%20/g, '+').replace(/[!'()~]/g, function(c) {
		return '%' + c.charCodeAt(0).toString(16).toUpperCase();
	});
}

class URLSearchParams {
	constructor(init) {
		Object.defineProperty(this, '_url', { value: null, writable: true, enumerable: false });
		this._entries = [];
		if (init === undefined || init === null) return;
		if (init instanceof URLSearchParams) {
			this._entries = init._entries.map(function(e) { return [e[0], e[1]]; });
		} else if (typeof init === 'object' && typeof init[Symbol.iterator] === 'function') {
			for (var pair of init) {
				pair = Array.from(pair);
				if (pair.length !== 2) throw new TypeError('Each query pair must be an iterable [name, value] tuple');
				this._entries.push([String(pair[0]), String(pair[1])]);
			}
		} else if (typeof init === 'object') {
			for (var k of Object.keys(init)) this._entries.push([k, String(init[k])]);
		} else {
			this._entries = parseQuery(String(init));
		}
	}
	_update() {
		if (this._url) this._url._setQuery(this.toString());
	}
	append(name, value) { this._entries.push([String(name), String(value)]); this._update(); }
	delete(name, value) {
		name = String(name);
		this._entries = this._entries.filter(function(e) {
			return !(e[0] === name && (value === undefined || e[1] === String(value)));
		});
		this._update();
	}
	get(name) {
		name = String(name);
		for (var e of this._entries) if (e[0] === name) return e[1];
		return null;
	}
	getAll(name) {
		name = String(name);
		return this._entries.filter(function(e) { return e[0] === name; }).map(function(e) { return e[1]; });
	}
	has(name, value) {
		name = String(name);
		return this._entries.some(function(e) { return e[0] === name && (value === undefined || e[1] === String(value)); });
	}
	set(name, value) {
		name = String(name); value = String(value);
		var found = false;
		this._entries = this._entries.filter(function(e) {
			if (e[0] !== name) return true;
			if (found) return false;
			found = true;
			e[1] = value;
			return true;
		});
		if (!found) this._entries.push([name, value]);
		this._update();
	}
	sort() {
		var indexed = this._entries.map(function(e, i) { return [e, i]; });
		indexed.sort(function(a, b) {
			if (a[0][0] < b[0][0]) return -1;
			if (a[0][0] > b[0][0]) return 1;
			return a[1] - b[1];
		});
		this._entries = indexed.map(function(x) { return x[0]; });
		this._update();
	}
	get size() { return this._entries.length; }
	forEach(cb, thisArg) { for (var e of this._entries.slice()) cb.call(thisArg, e[1], e[0], this); }
	entries() { return this._entries.map(function(e) { return [e[0], e[1]]; })[Symbol.iterator](); }
	keys() { return this._entries.map(function(e) { return e[0]; })[Symbol.iterator](); }
	values() { return this._entries.map(function(e) { return e[1]; })[Symbol.iterator](); }
	[Symbol.iterator]() { return this.entries(); }
	toString() { return this._entries.map(function(e) { return encode(e[0]) + '=' + encode(e[1]); }).join('&'); }
	get [Symbol.toStringTag]() { return 'URLSearchParams'; }
}

function parse(input, base) {
	var r = JSON.parse(__parseURL(String(input), base === undefined ? '' : String(base), base !== undefined));
	if (r.error) throw new TypeError(r.error);
	return r;
}

class URL {
	constructor(input, base) {
		if (arguments.length === 0) throw new TypeError('1 argument required, but only 0 present.');
		this._load(parse(input, base));
	}
	_load(p) {
		this._p = p;
		if (!this._search) {
			this._search = new URLSearchParams(p.search);
			this._search._url = this;
		} else {
			this._search._entries = new URLSearchParams(p.search)._entries;
		}
	}
	_set(field, value) {
		var p = JSON.parse(__setURLField(this._p.href, field, String(value)));
		if (!p.error) this._load(p);
	}
	_setQuery(q) { this._set('search', q); }
	get href() { return this._p.href; }
	set href(v) { this._load(parse(v)); }
	get origin() { return this._p.origin; }
	get protocol() { return this._p.protocol; }
	set protocol(v) { this._set('protocol', v); }
	get username() { return this._p.username; }
	set username(v) { this._set('username', v); }
	get password() { return this._p.password; }
	set password(v) { this._set('password', v); }
	get host() { return this._p.host; }
	set host(v) { this._set('host', v); }
	get hostname() { return this._p.hostname; }
	set hostname(v) { this._set('hostname', v); }
	get port() { return this._p.port; }
	set port(v) { this._set('port', v); }
	get pathname() { return this._p.pathname; }
	set pathname(v) { this._set('pathname', v); }
	get search() { return this._p.search; }
	set search(v) { this._set('search', v); }
	get hash() { return this._p.hash; }
	set hash(v) { this._set('hash', v); }
	get searchParams() { return this._search; }
	toString() { return this.href; }
	toJSON() { return this.href; }
	get [Symbol.toStringTag]() { return 'URL'; }
	static canParse(input, base) {
		try { parse(input, base); return true; } catch (_) { return false; }
	}
	static parse(input, base) {
		try { return new URL(input, base); } catch (_) { return null; }
	}
}

globalThis.URL = URL;
globalThis.URLSearchParams = URLSearchParams;
})();
`

// specialPorts are the default ports of the special schemes.
var specialPorts = map[string]string{
	"http":  "80",
	"https": "443",
	"ws":    "80",
	"wss":   "443",
	"ftp":   "21",
	"file":  "",
}

// URLRecord is the JS-visible breakdown of a parsed URL.
type URLRecord struct {
	Href     string `json:"href"`
	Origin   string `json:"origin"`
	Protocol string `json:"protocol"`
	Username string `json:"username"`
	Password string `json:"password"`
	Host     string `json:"host"`
	Hostname string `json:"hostname"`
	Port     string `json:"port"`
	Pathname string `json:"pathname"`
	Search   string `json:"search"`
	Hash     string `json:"hash"`
}

var errInvalidURL = errors.New("Invalid URL")

// ParseURL resolves raw against base (when hasBase) and normalises it the
// way the URL constructor reports it.
func ParseURL(raw, base string, hasBase bool) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if hasBase {
		b, err := url.Parse(strings.TrimSpace(base))
		if err != nil || b.Scheme == "" {
			return nil, fmt.Errorf("%w: %q with base %q", errInvalidURL, raw, base)
		}
		ref, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", errInvalidURL, raw)
		}
		return normaliseURL(b.ResolveReference(ref))
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return nil, fmt.Errorf("%w: %q", errInvalidURL, raw)
	}
	return normaliseURL(u)
}

func normaliseURL(u *url.URL) (*url.URL, error) {
	u.Scheme = strings.ToLower(u.Scheme)
	def, special := specialPorts[u.Scheme]
	if !special {
		return u, nil
	}
	if u.Scheme != "file" && u.Host == "" {
		return nil, fmt.Errorf("%w: %q has no host", errInvalidURL, u.String())
	}
	host, port := strings.ToLower(u.Hostname()), u.Port()
	if port == def {
		port = ""
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		u.Host = host + ":" + port
	} else {
		u.Host = host
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u, nil
}

// Record describes u for the URL class.
func Record(u *url.URL) URLRecord {
	rec := URLRecord{
		Href:     u.String(),
		Protocol: u.Scheme + ":",
		Hostname: u.Hostname(),
		Port:     u.Port(),
		Host:     u.Host,
		Origin:   "null",
	}
	if strings.Contains(rec.Hostname, ":") {
		rec.Hostname = "[" + rec.Hostname + "]"
	}
	if u.User != nil {
		rec.Username = u.User.Username()
		rec.Password, _ = u.User.Password()
	}
	if u.Opaque != "" {
		rec.Pathname = u.Opaque
	} else {
		rec.Pathname = u.EscapedPath()
	}
	if u.RawQuery != "" {
		rec.Search = "?" + u.RawQuery
	}
	if u.Fragment != "" {
		rec.Hash = "#" + u.EscapedFragment()
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss", "ftp":
		rec.Origin = u.Scheme + "://" + u.Host
	case "blob":
		if inner, err := url.Parse(u.Opaque); err == nil {
			if _, special := specialPorts[inner.Scheme]; special && inner.Scheme != "file" {
				rec.Origin = inner.Scheme + "://" + inner.Host
			}
		}
	}
	return rec
}

// setURLField applies one URL setter and re-normalises.
func setURLField(href, field, value string) (*url.URL, error) {
	u, err := url.Parse(href)
	if err != nil {
		return nil, err
	}
	switch field {
	case "protocol":
		u.Scheme = strings.TrimSuffix(value, ":")
	case "username":
		pw, ok := "", false
		if u.User != nil {
			pw, ok = u.User.Password()
		}
		if ok {
			u.User = url.UserPassword(value, pw)
		} else {
			u.User = url.User(value)
		}
	case "password":
		name := ""
		if u.User != nil {
			name = u.User.Username()
		}
		u.User = url.UserPassword(name, value)
	case "host":
		u.Host = value
	case "hostname":
		if p := u.Port(); p != "" {
			u.Host = value + ":" + p
		} else {
			u.Host = value
		}
	case "port":
		if value == "" {
			u.Host = u.Hostname()
		} else {
			u.Host = u.Hostname() + ":" + value
		}
	case "pathname":
		if !strings.HasPrefix(value, "/") {
			value = "/" + value
		}
		p, err := url.PathUnescape(value)
		if err != nil {
			return nil, err
		}
		u.Path, u.RawPath = p, ""
	case "search":
		u.RawQuery = strings.TrimPrefix(value, "?")
	case "hash":
		u.Fragment = strings.TrimPrefix(value, "#")
	default:
		return nil, fmt.Errorf("unknown URL field %q", field)
	}
	return ParseURL(u.String(), "", false)
}

// SetupURL installs URL and URLSearchParams.
func SetupURL(rt engine.Runtime, _ *eventloop.EventLoop) error {
	if err := rt.RegisterFunc("__parseURL", func(raw, base string, hasBase bool) string {
		u, err := ParseURL(raw, base, hasBase)
		if err != nil {
			return jsonString(map[string]string{"error": "Invalid URL: '" + raw + "'"})
		}
		return jsonString(Record(u))
	}); err != nil {
		return err
	}
	if err := rt.RegisterFunc("__setURLField", func(href, field, value string) string {
		u, err := setURLField(href, field, value)
		if err != nil {
			return jsonString(map[string]string{"error": err.Error()})
		}
		return jsonString(Record(u))
	}); err != nil {
		return err
	}
	if err := rt.Eval(urlJS); err != nil {
		return fmt.Errorf("evaluating url.js: %w", err)
	}
	return nil
}
