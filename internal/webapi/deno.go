package webapi

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"slices"
	"strings"

	"github.com/cryguy/hostjs/internal/engine"
	"github.com/cryguy/hostjs/internal/eventloop"
	"github.com/cryguy/hostjs/internal/permissions"
)

// Bootstrap is the per-worker metadata surfaced through Deno, navigator
// and location.
type Bootstrap struct {
	Args           []string
	CPUCount       int
	LogLevel       int
	Location       string
	NoColor        bool
	IsTTY          bool
	RuntimeVersion string
	TSVersion      string
	UserAgent      string
	Unstable       bool
	PID            int
	PPID           int
}

type bootstrapJSON struct {
	Args      []string          `json:"args"`
	CPUCount  int               `json:"cpuCount"`
	LogLevel  int               `json:"logLevel"`
	Location  string            `json:"location"`
	NoColor   bool              `json:"noColor"`
	IsTTY     bool              `json:"isTTY"`
	Version   map[string]string `json:"version"`
	Build     map[string]string `json:"build"`
	UserAgent string            `json:"userAgent"`
	Unstable  bool              `json:"unstable"`
	PID       int               `json:"pid"`
	PPID      int               `json:"ppid"`
}

// DenoOptions configures SetupDeno.
type DenoOptions struct {
	Bootstrap Bootstrap
	Perms     *permissions.Container
	Stdio     Stdio
	// OnExit is called by Deno.exit before it throws.
	OnExit func(code int)
}

const denoJS = `
(function(boot) {
	var Deno = globalThis.Deno || {};
	function freeze(o) { return Object.freeze(o); }

	var errors = {};
	['NotFound', 'PermissionDenied', 'AlreadyExists', 'InvalidData', 'BadResource', 'NotSupported'].forEach(function(name) {
		var cls = class extends Error {
			constructor(message, options) {
				super(message, options);
				this.name = name;
			}
		};
		Object.defineProperty(cls, 'name', { value: name });
		errors[name] = cls;
	});
	Deno.errors = freeze(errors);

	Deno.args = freeze(boot.args.slice());
	Deno.noColor = boot.noColor;
	Deno.pid = boot.pid;
	Deno.ppid = boot.ppid;
	Deno.version = freeze(boot.version);
	Deno.build = freeze(boot.build);
	Deno.mainModule = undefined;

	function toPath(p) {
		if (p instanceof URL) p = p.href;
		p = String(p);
		if (p.indexOf('file:') === 0) return decodeURIComponent(new URL(p).pathname);
		return p;
	}

	Deno.env = freeze({
		get: function(key) {
			var v = __hostUnwrap(__denoEnvGet(String(key)));
			return v === null ? undefined : v;
		},
		has: function(key) { return this.get(key) !== undefined; },
		set: function(key, value) { __hostUnwrap(__denoEnvSet(String(key), String(value))); },
		delete: function(key) { __hostUnwrap(__denoEnvDelete(String(key))); },
		toObject: function() { return __hostUnwrap(__denoEnvAll()); }
	});

	Deno.cwd = function() { return __hostUnwrap(__denoCwd()); };
	Deno.readTextFileSync = function(path) { return __hostUnwrap(__denoReadFileSync(toPath(path), true)); };
	Deno.readTextFile = function(path) {
		try { return __hostAwait(__denoReadFile(toPath(path), true)); } catch (e) { return Promise.reject(e); }
	};
	Deno.readFileSync = function(path) { return __b64ToBytes(__hostUnwrap(__denoReadFileSync(toPath(path), false))); };
	Deno.readFile = function(path) {
		try { return __hostAwait(__denoReadFile(toPath(path), false)).then(__b64ToBytes); } catch (e) { return Promise.reject(e); }
	};
	function writeArgs(path, data, options, text) {
		options = options || {};
		var b64 = text ? __bytesToB64(new TextEncoder().encode(String(data))) : __bytesToB64(data);
		return [toPath(path), b64, !!options.append, options.create !== false, options.createNew === true];
	}
	Deno.writeTextFileSync = function(path, data, options) {
		__hostUnwrap(__denoWriteFileSync.apply(null, writeArgs(path, data, options, true)));
	};
	Deno.writeTextFile = function(path, data, options) {
		try {
			return __hostAwait(__denoWriteFile.apply(null, writeArgs(path, data, options, true))).then(function() {});
		} catch (e) { return Promise.reject(e); }
	};
	Deno.writeFileSync = function(path, data, options) {
		__hostUnwrap(__denoWriteFileSync.apply(null, writeArgs(path, data, options, false)));
	};
	Deno.writeFile = function(path, data, options) {
		try {
			return __hostAwait(__denoWriteFile.apply(null, writeArgs(path, data, options, false))).then(function() {});
		} catch (e) { return Promise.reject(e); }
	};

	function stream(rid) {
		return freeze({
			rid: rid,
			writeSync: function(p) { return __denoWrite(rid, __bytesToB64(p)); },
			write: function(p) { return Promise.resolve(__denoWrite(rid, __bytesToB64(p))); },
			isTerminal: function() { return boot.isTTY; }
		});
	}
	Deno.stdout = stream(1);
	Deno.stderr = stream(2);
	Deno.isatty = function(rid) { return (rid === 0 || rid === 1 || rid === 2) && boot.isTTY; };

	Deno.exit = function(code) {
		code = code === undefined ? 0 : Number(code) | 0;
		__denoExit(code);
		var err = new Error('Deno.exit(' + code + ') called');
		err.name = 'Exit';
		err.code = code;
		throw err;
	};

	function descriptorTarget(desc) {
		switch (desc.name) {
		case 'env': return desc.variable === undefined ? '' : String(desc.variable);
		case 'net': return desc.host === undefined ? '' : String(desc.host);
		case 'read':
		case 'write':
		case 'ffi': return desc.path === undefined ? '' : toPath(desc.path);
		case 'run': return desc.command === undefined ? '' : String(desc.command);
		default: return '';
		}
	}
	class PermissionStatus extends EventTarget {
		constructor(state) {
			super();
			this.state = state;
			this.onchange = null;
		}
	}
	function querySync(desc) {
		if (!desc || typeof desc !== 'object') throw new TypeError('Permission descriptor must be an object');
		return new PermissionStatus(__hostUnwrap(__denoPermQuery(String(desc.name), descriptorTarget(desc))));
	}
	function query(desc) {
		try { return Promise.resolve(querySync(desc)); } catch (e) { return Promise.reject(e); }
	}
	Deno.permissions = freeze({
		query: query,
		querySync: querySync,
		request: query,
		requestSync: querySync,
		revoke: query,
		revokeSync: querySync
	});
	globalThis.PermissionStatus = PermissionStatus;

	globalThis.Deno = Deno;

	globalThis.navigator = freeze({
		hardwareConcurrency: boot.cpuCount,
		userAgent: boot.userAgent,
		language: 'en-US',
		languages: freeze(['en-US'])
	});

	var loc = boot.location ? new URL(boot.location) : null;
	Object.defineProperty(globalThis, 'location', {
		get: function() {
			if (!loc) throw new ReferenceError('Access to "location", run again with --location <href>.');
			return loc;
		},
		configurable: true,
		enumerable: true
	});
})
`

type deno struct {
	perms  *permissions.Container
	stdio  Stdio
	onExit func(int)
	async  *asyncCalls
}

func (d *deno) envGet(key string) string {
	if err := d.perms.CheckEnv(key); err != nil {
		return syncResult(nil, err)
	}
	v, ok := os.LookupEnv(key)
	if !ok {
		return syncResult(nil, nil)
	}
	return syncResult(v, nil)
}

func (d *deno) envSet(key, value string) string {
	if key == "" || strings.ContainsAny(key, "=\x00") || strings.ContainsRune(value, 0) {
		return syncResult(nil, typeError("Key or value contains invalid characters"))
	}
	if err := d.perms.CheckEnv(key); err != nil {
		return syncResult(nil, err)
	}
	return syncResult(nil, os.Setenv(key, value))
}

func (d *deno) envDelete(key string) string {
	if err := d.perms.CheckEnv(key); err != nil {
		return syncResult(nil, err)
	}
	return syncResult(nil, os.Unsetenv(key))
}

func (d *deno) envAll() string {
	if err := d.perms.CheckEnvAll(); err != nil {
		return syncResult(nil, err)
	}
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			env[k] = v
		}
	}
	return syncResult(env, nil)
}

func (d *deno) cwd() string {
	dir, err := os.Getwd()
	if err != nil {
		return syncResult(nil, err)
	}
	if err := d.perms.CheckRead(dir); err != nil {
		return syncResult(nil, err)
	}
	return syncResult(dir, nil)
}

func readFile(path string, text bool) (any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fsError(err, "readfile", path)
	}
	if text {
		return strings.ToValidUTF8(string(data), string(rune(0xFFFD))), nil
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func writeFile(path, b64 string, appendMode, create, createNew bool) error {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return typeError("invalid data: %v", err)
	}
	flags := os.O_WRONLY
	switch {
	case appendMode:
		flags |= os.O_APPEND
	default:
		flags |= os.O_TRUNC
	}
	if create || createNew {
		flags |= os.O_CREATE
	}
	if createNew {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0o666)
	if err != nil {
		return fsError(err, "open", path)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fsError(err, "write", path)
	}
	return f.Close()
}

// fsError formats err the way Deno reports file-system failures.
func fsError(err error, op, path string) error {
	var pe *os.PathError
	msg := err.Error()
	if errors.As(err, &pe) {
		msg = pe.Err.Error()
	}
	he := toHostError(err)
	return &HostError{Name: he.Name, Message: fmt.Sprintf("%s, %s '%s'", msg, op, path)}
}

func (d *deno) readSync(path string, text bool) string {
	if err := d.perms.CheckRead(path); err != nil {
		return syncResult(nil, err)
	}
	return syncResult(readFile(path, text))
}

func (d *deno) readAsync(path string, text bool) string {
	if err := d.perms.CheckRead(path); err != nil {
		return reject(err)
	}
	return d.async.start("readFile", func() (any, error) { return readFile(path, text) })
}

func (d *deno) writeSync(path, b64 string, appendMode, create, createNew bool) string {
	if err := d.perms.CheckWrite(path); err != nil {
		return syncResult(nil, err)
	}
	return syncResult(nil, writeFile(path, b64, appendMode, create, createNew))
}

func (d *deno) writeAsync(path, b64 string, appendMode, create, createNew bool) string {
	if err := d.perms.CheckWrite(path); err != nil {
		return reject(err)
	}
	return d.async.start("writeFile", func() (any, error) {
		return nil, writeFile(path, b64, appendMode, create, createNew)
	})
}

func (d *deno) write(rid int, b64 string) (int, error) {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return 0, err
	}
	var w io.Writer
	switch rid {
	case 1:
		w = d.stdio.Stdout
	case 2:
		w = d.stdio.Stderr
	default:
		return 0, fmt.Errorf("bad resource id %d", rid)
	}
	return w.Write(data)
}

func (d *deno) permQuery(name, target string) string {
	state, err := d.perms.Query(name, target)
	if err != nil {
		return syncResult(nil, typeError("%v", err))
	}
	return syncResult(state, nil)
}

func bootstrapRecord(b Bootstrap, engineName string) bootstrapJSON {
	args := b.Args
	if args == nil {
		args = []string{}
	}
	return bootstrapJSON{
		Args:      slices.Clone(args),
		CPUCount:  b.CPUCount,
		LogLevel:  b.LogLevel,
		Location:  b.Location,
		NoColor:   b.NoColor,
		IsTTY:     b.IsTTY,
		UserAgent: b.UserAgent,
		Unstable:  b.Unstable,
		PID:       b.PID,
		PPID:      b.PPID,
		Version: map[string]string{
			"deno":       b.RuntimeVersion,
			"typescript": b.TSVersion,
			engineName:   engineName,
		},
		Build: map[string]string{
			"target": runtime.GOARCH + "-" + runtime.GOOS,
			"arch":   goArchName(runtime.GOARCH),
			"os":     runtime.GOOS,
			"vendor": "unknown",
		},
	}
}

func goArchName(arch string) string {
	switch arch {
	case "amd64":
		return "x86_64"
	case "arm64":
		return "aarch64"
	}
	return arch
}

// SetupWorkerStub makes new Worker(...) throw.
func SetupWorkerStub(rt engine.Runtime, _ *eventloop.EventLoop) error {
	return rt.Eval(`globalThis.Worker = function Worker() {
	throw new TypeError('Web workers are not supported');
};`)
}

// SetupDeno installs the Deno namespace, navigator and location. It needs
// SetupEncoding, SetupURL and SetupEvents.
func SetupDeno(opts DenoOptions) Setup {
	if opts.Perms == nil {
		opts.Perms, _ = permissions.New(permissions.Options{})
	}
	opts.Stdio = opts.Stdio.WithDefaults()
	return func(rt engine.Runtime, el *eventloop.EventLoop) error {
		async, err := newAsyncCalls(rt, el)
		if err != nil {
			return err
		}
		d := &deno{perms: opts.Perms, stdio: opts.Stdio, onExit: opts.OnExit, async: async}
		funcs := []struct {
			name string
			fn   any
		}{
			{"__denoEnvGet", d.envGet},
			{"__denoEnvSet", d.envSet},
			{"__denoEnvDelete", d.envDelete},
			{"__denoEnvAll", d.envAll},
			{"__denoCwd", d.cwd},
			{"__denoReadFileSync", d.readSync},
			{"__denoReadFile", d.readAsync},
			{"__denoWriteFileSync", d.writeSync},
			{"__denoWriteFile", d.writeAsync},
			{"__denoWrite", d.write},
			{"__denoPermQuery", d.permQuery},
			{"__denoExit", func(code int) {
				if d.onExit != nil {
					d.onExit(code)
				}
			}},
		}
		for _, f := range funcs {
			if err := rt.RegisterFunc(f.name, f.fn); err != nil {
				return err
			}
		}
		boot := jsonString(bootstrapRecord(opts.Bootstrap, rt.Name()))
		if err := rt.Eval(denoJS + "(" + boot + ");"); err != nil {
			return fmt.Errorf("evaluating deno.js: %w", err)
		}
		return nil
	}
}
