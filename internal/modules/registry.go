package modules

import (
	"encoding/json"
	"fmt"

	"github.com/cryguy/hostjs/internal/engine"
)

// Evaluation states reported by State.
const (
	StateUnknown   = "unknown"
	StatePending   = "pending"
	StateFulfilled = "fulfilled"
	StateRejected  = "rejected"
)

// registryJS tracks each module's evaluation promise and namespace, and
// the module map by URL that import() and later bundles read from. The
// host side of import() is __hostDynamicImport(referrer, specifier),
// which answers {url, id} or {error}.
const registryJS = `(function() {
	if (globalThis.__hostModules) return;
	var mods = {};
	var byURL = {};
	var metas = {};
	function info(e) {
		if (globalThis.__hostBridge) return __hostBridge.errorInfo(e);
		if (e !== null && typeof e === 'object' && 'message' in e) {
			return {
				name: e.name === undefined ? '' : String(e.name),
				message: String(e.message),
				stack: typeof e.stack === 'string' ? e.stack : ''
			};
		}
		var msg;
		try { msg = String(e); } catch (_) { msg = ''; }
		return { name: '', message: msg, stack: '' };
	}
	function hidden(name, value) {
		Object.defineProperty(globalThis, name, { value: value, writable: false, enumerable: false, configurable: false });
	}
	function settle(rec, state, e) {
		if (rec.state !== 'pending') return;
		rec.state = state;
		if (state === 'rejected') {
			rec.thrown = e;
			rec.error = info(e);
		}
		var waiters = rec.waiters;
		rec.waiters = [];
		for (var i = 0; i < waiters.length; i++) waiters[i]();
	}
	function hostError(e) {
		var C = globalThis[e.name];
		var err = typeof C === 'function' ? new C(e.message) : new Error(e.message);
		if (typeof C !== 'function') err.name = e.name;
		return err;
	}
	function host(fn, a, b) {
		var r = JSON.parse(fn(String(a), String(b)));
		if (r.error) throw hostError(r.error);
		return r;
	}
	// ready resolves with the namespace registered under url once its
	// module has finished evaluating.
	function ready(url, id) {
		var entry = byURL[url];
		if (entry && entry.done) return Promise.resolve(entry.ns);
		var rec = mods[entry ? entry.id : id];
		return new Promise(function(resolve, reject) {
			function finish() {
				var e = byURL[url];
				if (e && e.done) resolve(e.ns);
				else if (rec && rec.state === 'rejected') reject(rec.thrown);
				else if (e) resolve(e.ns);
				else reject(new TypeError('Module ' + url + ' was not evaluated'));
			}
			if (rec && rec.state === 'pending') rec.waiters.push(finish);
			else finish();
		});
	}
	hidden('__hostModules', mods);
	hidden('__hostModuleStart', function(id, body) {
		var rec = mods[id] = { state: 'pending', ns: undefined, error: null, thrown: undefined, waiters: [] };
		var p;
		try {
			p = body();
		} catch (e) {
			settle(rec, 'rejected', e);
			return;
		}
		p.then(function() {
			settle(rec, 'fulfilled');
		}, function(e) {
			settle(rec, 'rejected', e);
		});
	});
	hidden('__hostModuleNamespace', function(id, ns) {
		if (mods[id]) mods[id].ns = ns;
	});
	hidden('__hostModuleState', function(id) {
		var rec = mods[id];
		if (!rec) return JSON.stringify({ state: 'unknown' });
		return JSON.stringify({ state: rec.state, error: rec.error });
	});
	hidden('__hostModuleRegister', function(urls, ns, id) {
		var entry = { ns: ns, id: id, done: false };
		for (var i = 0; i < urls.length; i++) {
			if (!byURL[urls[i]]) byURL[urls[i]] = entry;
		}
	});
	hidden('__hostModuleDone', function(urls) {
		for (var i = 0; i < urls.length; i++) {
			if (byURL[urls[i]]) byURL[urls[i]].done = true;
		}
	});
	hidden('__hostModuleExports', function(url) {
		var entry = byURL[url];
		if (!entry) throw new ReferenceError('Module ' + url + ' has not been evaluated');
		var out = {};
		Object.defineProperty(out, '__esModule', { value: true });
		Object.keys(entry.ns).forEach(function(k) {
			Object.defineProperty(out, k, { get: function() { return entry.ns[k]; }, enumerable: true });
		});
		return out;
	});
	hidden('__hostImport', function(referrer, specifier) {
		return Promise.resolve().then(function() {
			var r = host(__hostDynamicImport, referrer, specifier);
			return ready(r.url, r.id);
		});
	});
	hidden('__hostImportMeta', function(url, main) {
		var meta = metas[url];
		if (!meta) {
			meta = metas[url] = {
				url: url,
				main: main,
				resolve: function(specifier) { return host(__hostModuleResolve, specifier, url).url; }
			};
		}
		return meta;
	});
})();`

// ErrorInfo is the JS-side description of a thrown value.
type ErrorInfo struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack"`
}

// Status is a module's evaluation state.
type Status struct {
	State string     `json:"state"`
	Error *ErrorInfo `json:"error"`
}

// Install sets up the module registry in rt. It is idempotent.
func Install(rt engine.Runtime) error {
	if err := rt.Eval(registryJS); err != nil {
		return fmt.Errorf("installing module registry: %w", err)
	}
	return nil
}

// Wrap turns bundled ESM output into a script that evaluates the module
// as module id.
func Wrap(id int, bundled string) string {
	return fmt.Sprintf("__hostModuleStart(%d, async function() {\n%s\n});\n", id, bundled)
}

// State reads the evaluation state of module id.
func State(rt engine.Runtime, id int) (Status, error) {
	raw, err := rt.EvalString(fmt.Sprintf("__hostModuleState(%d)", id))
	if err != nil {
		return Status{}, err
	}
	var st Status
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return Status{}, fmt.Errorf("decoding module state: %w", err)
	}
	return st, nil
}

// NamespaceExpr is a JS expression for the namespace object of module id.
func NamespaceExpr(id int) string {
	return fmt.Sprintf("(globalThis.__hostModules[%d] && globalThis.__hostModules[%d].ns)", id, id)
}
