//go:build v8

// Package v8engine implements engine.Runtime on github.com/tommie/v8go.
package v8engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/cryguy/hostjs/internal/engine"
	v8 "github.com/tommie/v8go"
)

// v8Runtime implements engine.Runtime for the V8 engine.
type v8Runtime struct {
	iso    *v8.Isolate
	ctx    *v8.Context
	slots  engine.Slots
	closed bool
}

var _ engine.Runtime = (*v8Runtime)(nil)

// New creates a V8 isolate with a fresh context.
func New(cfg engine.Config) (engine.Runtime, error) {
	var iso *v8.Isolate
	if cfg.MemoryLimitMB > 0 {
		heapSize := uint64(cfg.MemoryLimitMB) * 1024 * 1024
		iso = v8.NewIsolate(v8.WithResourceConstraints(heapSize/2, heapSize))
	} else {
		iso = v8.NewIsolate()
	}
	ctx := v8.NewContext(iso)
	return &v8Runtime{iso: iso, ctx: ctx}, nil
}

// Eval evaluates JavaScript and discards the result.
func (r *v8Runtime) Eval(js string) error {
	_, err := r.ctx.RunScript(js, "hostjs:eval")
	return err
}

// EvalString evaluates JavaScript and returns the result as a Go string.
func (r *v8Runtime) EvalString(js string) (string, error) {
	val, err := r.ctx.RunScript(js, "hostjs:eval")
	if err != nil {
		return "", err
	}
	if val == nil {
		return "", nil
	}
	return val.String(), nil
}

// EvalBool evaluates JavaScript and returns the result as a Go bool.
func (r *v8Runtime) EvalBool(js string) (bool, error) {
	val, err := r.ctx.RunScript(js, "hostjs:eval")
	if err != nil {
		return false, err
	}
	if val == nil {
		return false, nil
	}
	return val.Boolean(), nil
}

// EvalInt evaluates JavaScript and returns the result as a Go int.
func (r *v8Runtime) EvalInt(js string) (int, error) {
	val, err := r.ctx.RunScript(js, "hostjs:eval")
	if err != nil {
		return 0, err
	}
	if val == nil {
		return 0, nil
	}
	return int(val.Integer()), nil
}

// RunScript runs source with the script name as its origin. v8go hands
// back a thrown value only as strings, so an Error-like record is rebuilt
// from them.
func (r *v8Runtime) RunScript(name, source string) (bool, error) {
	val, err := r.ctx.RunScript(source, name)
	if err == nil {
		if val == nil {
			val = v8.Undefined(r.iso)
		}
		return false, r.ctx.Global().Set(engine.ScriptValueGlobal, val)
	}
	var jsErr *v8.JSError
	if !errors.As(err, &jsErr) {
		return false, err
	}
	if jsErr.StackTrace == "" {
		thrown, err := v8.NewValue(r.iso, jsErr.Message)
		if err != nil {
			return true, err
		}
		return true, r.ctx.Global().Set(engine.ScriptValueGlobal, thrown)
	}
	// Message is String(e), which for errors reads "Name: message".
	errName, msg, ok := strings.Cut(jsErr.Message, ": ")
	if !ok {
		errName, msg = jsErr.Message, ""
	}
	rec, err := json.Marshal(map[string]string{"name": errName, "message": msg, "stack": jsErr.StackTrace})
	if err != nil {
		return true, err
	}
	_, err = r.ctx.RunScript(fmt.Sprintf("globalThis.%s = %s;", engine.ScriptValueGlobal, rec), "hostjs:eval")
	return true, err
}

// RegisterFunc registers a Go function as a global JavaScript function.
// Reflection inspects the Go signature and a FunctionTemplate marshals
// arguments and results.
//
// Supported signatures:
//   - func(args...)
//   - func(args...) T
//   - func(args...) (T, error), throwing a TypeError on error
//
// Supported argument and return types: string, int, int64, float64, bool.
func (r *v8Runtime) RegisterFunc(name string, fn any) error {
	fnVal := reflect.ValueOf(fn)
	fnType := fnVal.Type()

	if fnType.Kind() != reflect.Func {
		return fmt.Errorf("RegisterFunc: expected function, got %T", fn)
	}

	tmpl := v8.NewFunctionTemplate(r.iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		args := info.Args()

		if len(args) < fnType.NumIn() {
			r.throwTypeError(fmt.Sprintf("%s requires at least %d argument(s), got %d", name, fnType.NumIn(), len(args)))
			return nil
		}

		goArgs := make([]reflect.Value, fnType.NumIn())
		for i := 0; i < fnType.NumIn(); i++ {
			goArgs[i] = jsToGoArg(args[i], fnType.In(i))
		}

		results := fnVal.Call(goArgs)

		switch fnType.NumOut() {
		case 0:
			return nil
		case 1:
			return goToJSValue(r.iso, results[0])
		case 2:
			if errVal := results[1]; !errVal.IsNil() {
				r.throwTypeError(fmt.Sprintf("calling %s: %s", name, errVal.Interface().(error).Error()))
				return nil
			}
			return goToJSValue(r.iso, results[0])
		default:
			return nil
		}
	})

	return r.ctx.Global().Set(name, tmpl.GetFunction(r.ctx))
}

// throwTypeError raises a TypeError carrying msg in the current callback.
func (r *v8Runtime) throwTypeError(msg string) {
	ctor, err := r.ctx.Global().Get("TypeError")
	if err == nil {
		if fn, err := ctor.AsFunction(); err == nil {
			jsMsg, _ := v8.NewValue(r.iso, msg)
			if exc, err := fn.Call(v8.Undefined(r.iso), jsMsg); err == nil {
				r.iso.ThrowException(exc)
				return
			}
		}
	}
	jsMsg, _ := v8.NewValue(r.iso, msg)
	r.iso.ThrowException(jsMsg)
}

// SetGlobal sets a global variable on the JS context.
func (r *v8Runtime) SetGlobal(name string, value any) error {
	jsVal, err := goAnyToJSValue(r.iso, r.ctx, value)
	if err != nil {
		return fmt.Errorf("converting value for %q: %w", name, err)
	}
	return r.ctx.Global().Set(name, jsVal)
}

// RunMicrotasks pumps the V8 microtask queue.
func (r *v8Runtime) RunMicrotasks() {
	r.ctx.PerformMicrotaskCheckpoint()
}

func (r *v8Runtime) Slots() *engine.Slots { return &r.slots }

func (r *v8Runtime) Name() string { return "v8" }

// Close disposes the context and the isolate. Calling Close twice is a
// no-op.
func (r *v8Runtime) Close() {
	if r.closed {
		return
	}
	r.closed = true
	r.slots.Clear()
	r.ctx.Close()
	r.iso.Dispose()
}

// jsToGoArg converts a V8 value to a Go reflect.Value of the expected type.
func jsToGoArg(val *v8.Value, targetType reflect.Type) reflect.Value {
	switch targetType.Kind() {
	case reflect.String:
		return reflect.ValueOf(val.String())
	case reflect.Int:
		return reflect.ValueOf(int(val.Integer()))
	case reflect.Int64:
		return reflect.ValueOf(val.Integer())
	case reflect.Float64:
		return reflect.ValueOf(val.Number())
	case reflect.Bool:
		return reflect.ValueOf(val.Boolean())
	default:
		return reflect.Zero(targetType)
	}
}

// goToJSValue converts a Go reflect.Value to a V8 value.
func goToJSValue(iso *v8.Isolate, val reflect.Value) *v8.Value {
	if !val.IsValid() {
		return nil
	}
	var (
		v   *v8.Value
		err error
	)
	switch val.Kind() {
	case reflect.String:
		v, err = v8.NewValue(iso, val.String())
	case reflect.Int, reflect.Int32:
		v, err = v8.NewValue(iso, int32(val.Int()))
	case reflect.Int64:
		v, err = v8.NewValue(iso, float64(val.Int()))
	case reflect.Float64, reflect.Float32:
		v, err = v8.NewValue(iso, val.Float())
	case reflect.Bool:
		v, err = v8.NewValue(iso, val.Bool())
	default:
		return nil
	}
	if err != nil {
		return nil
	}
	return v
}

// goAnyToJSValue converts a Go any value to a V8 value.
func goAnyToJSValue(iso *v8.Isolate, ctx *v8.Context, value any) (*v8.Value, error) {
	if value == nil {
		return v8.Undefined(iso), nil
	}

	switch v := value.(type) {
	case string:
		return v8.NewValue(iso, v)
	case int:
		return v8.NewValue(iso, float64(v))
	case int32:
		return v8.NewValue(iso, v)
	case int64:
		return v8.NewValue(iso, float64(v))
	case float64:
		return v8.NewValue(iso, v)
	case bool:
		return v8.NewValue(iso, v)
	case *v8.Value:
		return v, nil
	default:
		data, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("marshaling value: %w", err)
		}
		quoted, _ := json.Marshal(string(data))
		return ctx.RunScript("JSON.parse("+string(quoted)+")", "hostjs:set_global")
	}
}
