package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cryguy/hostjs/bridge"
	"github.com/cryguy/hostjs/internal/backend"
	"github.com/cryguy/hostjs/internal/engine"
	"github.com/cryguy/hostjs/internal/eventloop"
	"github.com/cryguy/hostjs/internal/executor"
	"github.com/cryguy/hostjs/internal/modules"
	"github.com/cryguy/hostjs/internal/ops"
	"github.com/cryguy/hostjs/internal/snapshot"
	"github.com/cryguy/hostjs/internal/webapi"
)

// Platform adds web-platform globals to a runtime built by
// NewPlatformRuntime. It is used by package worker.
type Platform struct {
	// Stdio receives console output. The zero value uses the process stdio.
	Stdio webapi.Stdio
	// Setups run after the core globals and before extension files.
	Setups []webapi.Setup
	// Teardown runs in Close before the isolate is released. Errors are
	// logged.
	Teardown []webapi.Setup
}

type moduleRecord struct {
	id      ModuleID
	url     string
	main    bool
	script  string
	started bool
	req     modules.Request
	bundle  *modules.Bundle
}

// JSRuntime is a JavaScript runtime backed by one isolate.
type JSRuntime struct {
	exec    *executor.Executor
	rt      engine.Runtime
	loop    *eventloop.EventLoop
	reg     *ops.Registry
	bundler *modules.Bundler
	logger  *slog.Logger

	extensions []*Extension
	teardown   []webapi.Setup
	closed     atomic.Bool

	// Fields below are only touched on the executor goroutine.
	willSnapshot   bool
	hasSnapshotted bool
	modules        map[ModuleID]*moduleRecord
	moduleMap      *modules.Map
	bySpecifier    map[string]ModuleID
	nextModule     ModuleID
	mainModule     ModuleID
	journal        []snapshot.Entry
}

// New creates a runtime. Extensions are copied, so later changes to them
// have no effect on the runtime.
func New(opts RuntimeOptions) (*JSRuntime, error) {
	return NewPlatformRuntime(opts, Platform{})
}

// NewPlatformRuntime creates a runtime and runs p's setups on it before
// the extensions are attached.
func NewPlatformRuntime(opts RuntimeOptions, p Platform) (*JSRuntime, error) {
	if opts.WillSnapshot && len(opts.StartupSnapshot) > 0 {
		return nil, ErrSnapshotConflict
	}

	reg := ops.NewRegistry()
	exts := make([]*Extension, 0, len(opts.Extensions))
	for _, ext := range opts.Extensions {
		if ext == nil {
			continue
		}
		ext = ext.Clone()
		for name, fn := range ext.Ops {
			if err := reg.Register(name, ops.Func(fn)); err != nil {
				return nil, fmt.Errorf("extension %s: %w", ext.Name, err)
			}
		}
		exts = append(exts, ext)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("runtime", uuid.NewString()[:8], "engine", backend.Name)

	stdio := p.Stdio.WithDefaults()
	r := &JSRuntime{
		exec:         executor.New(),
		loop:         eventloop.New(),
		reg:          reg,
		logger:       logger,
		extensions:   exts,
		teardown:     p.Teardown,
		willSnapshot: opts.WillSnapshot,
		modules:      make(map[ModuleID]*moduleRecord),
		moduleMap:    &modules.Map{},
		bySpecifier:  make(map[string]ModuleID),
	}
	r.bundler = &modules.Bundler{
		Loader: loaderAdapter(opts.ModuleLoader),
		Nested: r.exec.Nested,
		Pump:   r.exec.Pump,
		Logger: logger,
		Map:    r.moduleMap,
	}

	err := r.exec.Do(func() error {
		rt, err := backend.New(engine.Config{MemoryLimitMB: opts.MemoryLimitMB})
		if err != nil {
			return err
		}
		r.rt = rt

		setups := []webapi.Setup{
			func(rt engine.Runtime, _ *eventloop.EventLoop) error { return ops.Install(rt, reg, logger) },
			webapi.SetupTimers,
			webapi.SetupConsole(stdio, logger),
			func(rt engine.Runtime, _ *eventloop.EventLoop) error { return installHarness(rt, stdio) },
			func(rt engine.Runtime, _ *eventloop.EventLoop) error { return modules.Install(rt) },
			r.installImportHooks,
		}
		setups = append(setups, p.Setups...)
		for _, setup := range setups {
			if err := setup(rt, r.loop); err != nil {
				return err
			}
		}

		for _, ext := range exts {
			for _, file := range ext.JSFiles {
				if _, err := r.runScript(file.Filename, file.Code); err != nil {
					return fmt.Errorf("extension %s: %w", ext.Name, err)
				}
			}
		}
		rt.RunMicrotasks()

		if len(opts.StartupSnapshot) > 0 {
			return r.restore(opts.StartupSnapshot)
		}
		return nil
	})
	if err != nil {
		r.Close()
		return nil, err
	}
	logger.Debug("runtime created", "extensions", len(exts), "ops", reg.Len())
	return r, nil
}

// do runs fn on the runtime goroutine.
func (r *JSRuntime) do(fn func() error) error {
	if r.closed.Load() {
		return ErrClosed
	}
	err := r.exec.Do(fn)
	if errors.Is(err, executor.ErrStopped) {
		return ErrClosed
	}
	return err
}

type harnessResult struct {
	OK bool              `json:"ok"`
	V  string            `json:"v"`
	E  modules.ErrorInfo `json:"e"`
}

// runScript evaluates source as a classic global script named name.
func (r *JSRuntime) runScript(name, source string) (string, error) {
	threw, err := r.rt.RunScript(name, modules.RewriteScript(name, source))
	if err != nil {
		return "", fmt.Errorf("running %s: %w", name, err)
	}
	raw, err := r.rt.EvalString(fmt.Sprintf("__hostTakeScriptValue(%t)", threw))
	if err != nil {
		return "", fmt.Errorf("running %s: %w", name, err)
	}
	var res harnessResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return "", fmt.Errorf("running %s: decoding result: %w", name, err)
	}
	if !res.OK {
		return "", newJSException(res.E, name)
	}
	return res.V, nil
}

// ExecuteScript runs source as a classic script and returns its completion
// value converted with String(). A thrown exception is returned as a
// *JSException.
func (r *JSRuntime) ExecuteScript(name, source string) (string, error) {
	var out string
	err := r.do(func() error {
		if r.hasSnapshotted {
			return ErrSnapshotted
		}
		v, err := r.runScript(name, source)
		r.rt.RunMicrotasks()
		if err != nil {
			return err
		}
		r.record(snapshot.Entry{Kind: snapshot.KindScript, Name: name, Code: source})
		out = v
		return nil
	})
	return out, err
}

// LoadMainModule loads the module graph rooted at specifier and marks it
// as the main module. When code is non-nil it is used as the module's
// source and the loader is not asked for it.
func (r *JSRuntime) LoadMainModule(specifier string, code *string) (ModuleID, error) {
	return r.loadModule(specifier, code, true)
}

// LoadSideModule loads a module graph that is not the main module.
func (r *JSRuntime) LoadSideModule(specifier string, code *string) (ModuleID, error) {
	return r.loadModule(specifier, code, false)
}

func (r *JSRuntime) loadModule(specifier string, code *string, main bool) (ModuleID, error) {
	if _, err := modules.ParseURL(specifier); err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrBadSpecifier, specifier, err)
	}
	var id ModuleID
	err := r.do(func() error {
		if r.hasSnapshotted {
			return ErrSnapshotted
		}
		if main && r.mainModule != 0 {
			return ErrMainModuleLoaded
		}
		if existing, ok := r.bySpecifier[specifier]; ok && code == nil && !main {
			id = existing
			return nil
		}

		r.nextModule++
		next := r.nextModule
		req := modules.Request{ID: int(next), Specifier: specifier, Code: code, IsMain: main}
		b, err := r.bundler.Bundle(req)
		if err != nil {
			r.logger.Debug("module load failed", "specifier", specifier, "error", err)
			return translate(err, specifier)
		}
		r.modules[next] = &moduleRecord{id: next, url: b.URL, main: main, script: b.Script, req: req, bundle: b}
		r.bySpecifier[specifier] = next
		if main {
			r.mainModule = next
		}
		id = next
		return nil
	})
	return id, err
}

// ModEvaluate evaluates a loaded module and drives the event loop until
// the module's evaluation settles and the loop is idle. Evaluating a
// module a second time is a no-op.
func (r *JSRuntime) ModEvaluate(id ModuleID) error {
	return r.do(func() error {
		if r.hasSnapshotted {
			return ErrSnapshotted
		}
		rec, ok := r.modules[id]
		if !ok {
			return fmt.Errorf("%w: %d", ErrUnknownModule, id)
		}
		if rec.started {
			return nil
		}
		if r.moduleMap.Stale(rec.bundle) || (rec.req.Code == nil && r.moduleMap.Has(rec.url)) {
			// Part of the graph was evaluated elsewhere since this module
			// loaded; rebuild so the instances are shared.
			b, err := r.bundler.Bundle(rec.req)
			if err != nil {
				return translate(err, rec.url)
			}
			rec.bundle, rec.script = b, b.Script
		}
		rec.started = true
		r.moduleMap.Add(int(id), rec.bundle.URLs)
		if err := r.rt.Eval(rec.script); err != nil {
			return fmt.Errorf("evaluating %s: %w", rec.url, err)
		}
		r.record(snapshot.Entry{Kind: snapshot.KindModule, Name: rec.url, Code: rec.script, ID: int(id), Main: rec.main, URLs: rec.bundle.URLs})
		r.rt.RunMicrotasks()

		if err := r.moduleError(rec); err != nil {
			return err
		}
		loopErr := r.loop.Drain(r.rt, time.Time{})
		if err := r.moduleError(rec); err != nil {
			return err
		}
		if loopErr != nil {
			return r.loopError(loopErr)
		}
		st, err := modules.State(r.rt, int(id))
		if err != nil {
			return err
		}
		if st.State == modules.StatePending {
			return fmt.Errorf("%w: %s", ErrModuleStalled, rec.url)
		}
		return nil
	})
}

// moduleError returns the module's exception if its evaluation rejected.
func (r *JSRuntime) moduleError(rec *moduleRecord) error {
	st, err := modules.State(r.rt, int(rec.id))
	if err != nil {
		return err
	}
	if st.State != modules.StateRejected {
		return nil
	}
	info := modules.ErrorInfo{}
	if st.Error != nil {
		info = *st.Error
	}
	return newJSException(info, rec.url)
}

// ModuleNamespace returns the exports of an evaluated module.
func (r *JSRuntime) ModuleNamespace(id ModuleID) (*bridge.Object, error) {
	var ns *bridge.Object
	err := r.do(func() error {
		rec, ok := r.modules[id]
		if !ok {
			return fmt.Errorf("%w: %d", ErrUnknownModule, id)
		}
		if !rec.started {
			return fmt.Errorf("module %s has not been evaluated", rec.url)
		}
		raw, err := r.rt.EvalString("__hostBridge.encode(" + modules.NamespaceExpr(int(id)) + ")")
		if err != nil {
			return fmt.Errorf("reading namespace of %s: %w", rec.url, err)
		}
		v, err := bridge.Unmarshal([]byte(raw))
		if err != nil {
			return err
		}
		obj, ok := v.(*bridge.Object)
		if !ok {
			return fmt.Errorf("module %s has no namespace", rec.url)
		}
		ns = obj
		return nil
	})
	return ns, err
}

// RunEventLoop runs timers and pending host tasks until none remain. An
// exception thrown by a timer callback stops the loop and is returned.
func (r *JSRuntime) RunEventLoop() error {
	return r.do(func() error {
		if err := r.loop.Drain(r.rt, time.Time{}); err != nil {
			return r.loopError(err)
		}
		return nil
	})
}

func (r *JSRuntime) loopError(err error) error {
	var se *eventloop.ScriptError
	if errors.As(err, &se) {
		var info modules.ErrorInfo
		if jerr := json.Unmarshal([]byte(se.Payload), &info); jerr != nil {
			info.Message = se.Payload
		}
		return newJSException(info, se.Source)
	}
	return err
}

// Snapshot captures the runtime so a new one can start from the same
// state through RuntimeOptions.StartupSnapshot. Scripts and modules can
// not be run afterwards.
func (r *JSRuntime) Snapshot() ([]byte, error) {
	var out []byte
	err := r.do(func() error {
		if !r.willSnapshot {
			return ErrNoSnapshotFlag
		}
		if r.hasSnapshotted {
			return ErrSnapshotted
		}
		names := make([]string, 0, len(r.extensions))
		for _, ext := range r.extensions {
			names = append(names, ext.Name)
		}
		data, err := snapshot.Encode(&snapshot.Journal{
			Engine:     r.rt.Name(),
			Extensions: names,
			Entries:    r.journal,
		})
		if err != nil {
			return err
		}
		r.hasSnapshotted = true
		out = data
		return nil
	})
	return out, err
}

func (r *JSRuntime) record(e snapshot.Entry) {
	if r.willSnapshot {
		r.journal = append(r.journal, e)
	}
}

// restore replays a snapshot journal into the fresh isolate.
func (r *JSRuntime) restore(data []byte) error {
	j, err := snapshot.Decode(data)
	if err != nil {
		return err
	}
	if j.Engine != r.rt.Name() {
		r.logger.Warn("snapshot taken with a different engine", "snapshot_engine", j.Engine)
	}
	for _, e := range j.Entries {
		switch e.Kind {
		case snapshot.KindScript:
			if _, err := r.runScript(e.Name, e.Code); err != nil {
				return fmt.Errorf("replaying %s: %w", e.Name, err)
			}
		case snapshot.KindModule:
			r.moduleMap.Add(e.ID, e.URLs)
			if err := r.rt.Eval(e.Code); err != nil {
				return fmt.Errorf("replaying module %s: %w", e.Name, err)
			}
			id := ModuleID(e.ID)
			r.modules[id] = &moduleRecord{id: id, url: e.Name, main: e.Main, script: e.Code, started: true}
			r.bySpecifier[e.Name] = id
			if e.Main {
				r.mainModule = id
			}
			r.nextModule = max(r.nextModule, id)
		default:
			return fmt.Errorf("%w: unknown entry kind %q", snapshot.ErrCorrupt, e.Kind)
		}
		r.rt.RunMicrotasks()
	}
	r.logger.Debug("snapshot restored", "entries", len(j.Entries))
	return nil
}

// Close releases the isolate and stops the runtime goroutine. It is safe
// to call more than once.
func (r *JSRuntime) Close() {
	if r.closed.Swap(true) {
		return
	}
	_ = r.exec.Do(func() error {
		if r.rt != nil {
			for _, td := range r.teardown {
				if err := td(r.rt, r.loop); err != nil {
					r.logger.Warn("teardown failed", "error", err)
				}
			}
		}
		r.loop.Reset()
		if r.rt != nil {
			r.rt.Close()
		}
		return nil
	})
	r.exec.Stop()
}
