//go:build !v8

package quickjs

import (
	"errors"
	"fmt"
	"reflect"

	"modernc.org/libc"
	lib "modernc.org/libquickjs"
	"modernc.org/quickjs"

	"github.com/cryguy/hostjs/internal/engine"
)

var errNoContext = errors.New("quickjs: VM context unavailable")

// RunScript evaluates source with JS_Eval directly. VM.EvalValue names
// every script "<eval>" and flattens the exception to a string, so it
// cannot serve here.
func (r *qjsRuntime) RunScript(name, source string) (bool, error) {
	ctx, tls, ok := extractContext(r.vm)
	if !ok {
		return false, errNoContext
	}
	src, err := libc.CString(source)
	if err != nil {
		return false, fmt.Errorf("running %s: OOM", name)
	}
	defer libc.Xfree(tls, src)
	file, err := libc.CString(name)
	if err != nil {
		return false, fmt.Errorf("running %s: OOM", name)
	}
	defer libc.Xfree(tls, file)
	prop, err := libc.CString(engine.ScriptValueGlobal)
	if err != nil {
		return false, fmt.Errorf("running %s: OOM", name)
	}
	defer libc.Xfree(tls, prop)

	// A job that threw during the last microtask pump leaves its value
	// pending; drop it so it is not mistaken for this script's.
	if lib.XJS_HasException(tls, ctx) != 0 {
		lib.XFreeValue(tls, ctx, lib.XJS_GetException(tls, ctx))
	}
	v := lib.XJS_Eval(tls, ctx, src, libc.Tsize_t(len(source)), file, int32(quickjs.EvalGlobal))
	// JS_EXCEPTION is a tag, not a heap value; the thrown value sits on
	// the context until it is taken.
	threw := lib.XJS_HasException(tls, ctx) != 0
	if threw {
		v = lib.XJS_GetException(tls, ctx)
	}
	glob := lib.XJS_GetGlobalObject(tls, ctx)
	defer lib.XFreeValue(tls, ctx, glob)
	// JS_SetPropertyStr takes ownership of v.
	if lib.XJS_SetPropertyStr(tls, ctx, glob, prop, v) < 0 {
		lib.XFreeValue(tls, ctx, lib.XJS_GetException(tls, ctx))
		return threw, fmt.Errorf("running %s: storing script value failed", name)
	}
	return threw, nil
}

// extractContext reads the unexported cContext field next to the runtime
// fields extractRuntime uses.
func extractContext(vm *quickjs.VM) (cContext uintptr, tls *libc.TLS, ok bool) {
	_, tls, ok = extractRuntime(vm)
	if !ok {
		return 0, nil, false
	}
	f := reflect.ValueOf(vm).Elem().FieldByName("cContext")
	if !f.IsValid() || f.Kind() != reflect.Uintptr {
		return 0, nil, false
	}
	return uintptr(f.Uint()), tls, true
}
