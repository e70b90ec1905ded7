//go:build !v8

// Package quickjs implements engine.Runtime on modernc.org/quickjs.
package quickjs

import (
	"fmt"

	"github.com/cryguy/hostjs/internal/engine"
	"modernc.org/quickjs"
)

// qjsRuntime implements engine.Runtime for the QuickJS engine.
type qjsRuntime struct {
	vm     *quickjs.VM
	slots  engine.Slots
	closed bool
}

var _ engine.Runtime = (*qjsRuntime)(nil)

// New creates a QuickJS isolate.
func New(cfg engine.Config) (engine.Runtime, error) {
	vm, err := quickjs.NewVM()
	if err != nil {
		return nil, fmt.Errorf("creating QuickJS VM: %w", err)
	}
	if cfg.MemoryLimitMB > 0 {
		vm.SetMemoryLimit(uintptr(cfg.MemoryLimitMB) * 1024 * 1024)
	}
	return &qjsRuntime{vm: vm}, nil
}

// Eval evaluates JavaScript and discards the result.
func (r *qjsRuntime) Eval(js string) error {
	v, err := r.vm.EvalValue(js, quickjs.EvalGlobal)
	if err != nil {
		return err
	}
	v.Free()
	return nil
}

// EvalString evaluates JavaScript and returns the result as a Go string.
func (r *qjsRuntime) EvalString(js string) (string, error) {
	result, err := r.vm.Eval(js, quickjs.EvalGlobal)
	if err != nil {
		return "", err
	}
	if result == nil {
		return "", nil
	}
	if s, ok := result.(string); ok {
		return s, nil
	}
	return fmt.Sprint(result), nil
}

// EvalBool evaluates JavaScript and returns the result as a Go bool.
func (r *qjsRuntime) EvalBool(js string) (bool, error) {
	result, err := r.vm.Eval(js, quickjs.EvalGlobal)
	if err != nil {
		return false, err
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expected bool, got %T", result)
	}
	return b, nil
}

// EvalInt evaluates JavaScript and returns the result as a Go int.
func (r *qjsRuntime) EvalInt(js string) (int, error) {
	result, err := r.vm.Eval(js, quickjs.EvalGlobal)
	if err != nil {
		return 0, err
	}
	switch v := result.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("expected int, got %T", result)
	}
}

// RegisterFunc registers a Go function as a global JavaScript function.
// The QuickJS wrapper hands multi-value Go returns back as a JS array, so
// a small JS shim unwraps (T, error) and throws a TypeError on error.
func (r *qjsRuntime) RegisterFunc(name string, fn any) error {
	rawName := "__raw_" + name
	if err := r.vm.RegisterFunc(rawName, fn, false); err != nil {
		return err
	}
	wrapJS := fmt.Sprintf(`(function() {
		var raw = globalThis[%q];
		Object.defineProperty(globalThis, %q, {
			value: function() {
				var r = raw.apply(this, arguments);
				if (Array.isArray(r)) {
					if (r[1] !== null && r[1] !== undefined) throw new TypeError("calling %s: " + r[1]);
					return r[0];
				}
				return r;
			},
			writable: true, configurable: true, enumerable: false
		});
		delete globalThis[%q];
	})()`, rawName, name, name, rawName)
	return r.Eval(wrapJS)
}

// SetGlobal sets a global property on the VM's global object.
func (r *qjsRuntime) SetGlobal(name string, value any) error {
	atom, err := r.vm.NewAtom(name)
	if err != nil {
		return fmt.Errorf("creating atom %q: %w", name, err)
	}
	glob := r.vm.GlobalObject()
	defer glob.Free()
	return glob.SetProperty(atom, value)
}

// RunMicrotasks pumps the QuickJS job queue.
func (r *qjsRuntime) RunMicrotasks() {
	executePendingJobs(r.vm)
}

func (r *qjsRuntime) Slots() *engine.Slots { return &r.slots }

func (r *qjsRuntime) Name() string { return "quickjs" }

// Close frees the VM. Calling Close twice is a no-op.
func (r *qjsRuntime) Close() {
	if r.closed {
		return
	}
	r.closed = true
	r.slots.Clear()
	r.vm.Close()
}
