package ops

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/cryguy/hostjs/bridge"
	"github.com/cryguy/hostjs/internal/backend"
	"github.com/cryguy/hostjs/internal/engine"
)

func newTestRuntime(t *testing.T, ops map[string]Func) engine.Runtime {
	t.Helper()
	rt, err := backend.New(engine.Config{})
	if err != nil {
		t.Fatalf("backend.New: %v", err)
	}
	t.Cleanup(rt.Close)

	reg := NewRegistry()
	for name, fn := range ops {
		if err := reg.Register(name, fn); err != nil {
			t.Fatalf("Register(%s): %v", name, err)
		}
	}
	if err := Install(rt, reg, nil); err != nil {
		t.Fatalf("Install: %v", err)
	}
	return rt
}

func evalString(t *testing.T, rt engine.Runtime, js string) string {
	t.Helper()
	got, err := rt.EvalString(js)
	if err != nil {
		t.Fatalf("EvalString(%s): %v", js, err)
	}
	return got
}

func TestRegistryRejectsBadNames(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"", "1abc", "a-b", "a b"} {
		if err := reg.Register(name, func(...any) (any, error) { return nil, nil }); !errors.Is(err, ErrInvalidOpName) {
			t.Errorf("Register(%q) = %v, want ErrInvalidOpName", name, err)
		}
	}
	if err := reg.Register("$ok_1", func(...any) (any, error) { return nil, nil }); err != nil {
		t.Errorf("Register($ok_1): %v", err)
	}
}

func TestRegistryLaterWins(t *testing.T) {
	reg := NewRegistry()
	_ = reg.Register("op", func(...any) (any, error) { return "first", nil })
	_ = reg.Register("op", func(...any) (any, error) { return "second", nil })
	fn, ok := reg.Lookup("op")
	if !ok {
		t.Fatal("op not found")
	}
	if v, _ := fn(); v != "second" {
		t.Errorf("op returned %v, want second", v)
	}
	if reg.Len() != 1 {
		t.Errorf("Len = %d, want 1", reg.Len())
	}
}

func TestInstallDefinesBridgeAndCore(t *testing.T) {
	rt := newTestRuntime(t, nil)
	got := evalString(t, rt, "typeof __hostBridge.errorInfo + ':' + typeof Deno.core.ops")
	if got != "function:object" {
		t.Fatalf("globals = %q", got)
	}
}

func TestAddOp(t *testing.T) {
	rt := newTestRuntime(t, map[string]Func{
		"add": func(args ...any) (any, error) {
			return args[0].(int64) + args[1].(int64), nil
		},
	})
	if got := evalString(t, rt, "String(core.ops.add(2, 3))"); got != "5" {
		t.Errorf("core.ops.add(2, 3) = %q, want 5", got)
	}
	if got := evalString(t, rt, "typeof Deno.core.ops.add(2, 3)"); got != "number" {
		t.Errorf("typeof result = %q, want number", got)
	}
}

func TestOpArgumentConversion(t *testing.T) {
	var seen []any
	rt := newTestRuntime(t, map[string]Func{
		"capture": func(args ...any) (any, error) {
			seen = args
			return nil, nil
		},
	})
	evalString(t, rt, "String(core.ops.capture('s', null, undefined, true, 7, 2.5, [1], {a: 1}, function() {}))")

	if len(seen) != 9 {
		t.Fatalf("got %d args, want 9", len(seen))
	}
	if seen[0] != "s" || seen[1] != nil || seen[2] != nil || seen[3] != true {
		t.Errorf("scalar args = %#v", seen[:4])
	}
	if seen[4] != int64(7) || seen[5] != 2.5 {
		t.Errorf("numeric args = %#v", seen[4:6])
	}
	if arr, ok := seen[6].(*bridge.Array); !ok || arr.Len() != 1 {
		t.Errorf("array arg = %#v", seen[6])
	}
	if obj, ok := seen[7].(*bridge.Object); !ok || !obj.Has("a") {
		t.Errorf("object arg = %#v", seen[7])
	}
	if seen[8] != "Function" {
		t.Errorf("function arg = %#v, want Function", seen[8])
	}
}

func TestIdentityOpKeyedSequence(t *testing.T) {
	k := bridge.NewArray(int64(1), int64(2))
	value := bridge.NewArray()
	_ = value.Set("k", k)

	rt := newTestRuntime(t, map[string]Func{
		"fixture":  func(...any) (any, error) { return value, nil },
		"identity": func(args ...any) (any, error) { return args[0], nil },
	})

	got := evalString(t, rt, `(function() {
		var v = core.ops.identity(core.ops.fixture());
		return [Array.isArray(v), Object.keys(v).join(','), Array.isArray(v.k), JSON.stringify(v.k)].join('|');
	})()`)
	if got != "false|k|true|[1,2]" {
		t.Errorf("identity = %q, want %q", got, "false|k|true|[1,2]")
	}
}

func TestHostListBecomesArray(t *testing.T) {
	rt := newTestRuntime(t, map[string]Func{
		"list": func(...any) (any, error) { return bridge.NewArray(int64(10), int64(20), int64(30)), nil },
	})
	if got := evalString(t, rt, "(function(){ var a = core.ops.list(); return Array.isArray(a) + ':' + a.length + ':' + a[2]; })()"); got != "true:3:30" {
		t.Errorf("list = %q, want true:3:30", got)
	}
}

func TestProtoKeyStaysOwnProperty(t *testing.T) {
	obj := bridge.NewObject()
	obj.Set("__proto__", "x")
	rt := newTestRuntime(t, map[string]Func{
		"obj": func(...any) (any, error) { return obj, nil },
	})
	got := evalString(t, rt, "(function(){ var o = core.ops.obj(); return Object.getPrototypeOf(o) === Object.prototype && Object.keys(o)[0] === '__proto__'; })() + ''")
	if got != "true" {
		t.Errorf("__proto__ handling = %q, want true", got)
	}
}

func TestOpErrorBecomesJSException(t *testing.T) {
	rt := newTestRuntime(t, map[string]Func{
		"fail": func(...any) (any, error) { return nil, fmt.Errorf("disk on fire") },
	})
	got := evalString(t, rt, "(function(){ try { core.ops.fail(); return 'no throw'; } catch (e) { return (e instanceof Error) + ':' + e.message; } })()")
	if got != "true:disk on fire" {
		t.Errorf("caught = %q, want true:disk on fire", got)
	}
}

func TestOpPanicBecomesJSException(t *testing.T) {
	rt := newTestRuntime(t, map[string]Func{
		"explode": func(...any) (any, error) { panic("bad") },
	})
	got := evalString(t, rt, "(function(){ try { core.ops.explode(); return 'no throw'; } catch (e) { return e.message; } })()")
	if got != "panic: bad" {
		t.Errorf("caught = %q, want panic: bad", got)
	}
}

func TestOpLookupFailure(t *testing.T) {
	rt := newTestRuntime(t, nil)
	got := evalString(t, rt, "(function(){ try { Deno.core.opSync('missing', 1); return 'no throw'; } catch (e) { return e.message; } })()")
	if got != "op not found: missing" {
		t.Errorf("caught = %q, want %q", got, "op not found: missing")
	}
}

func TestCyclicJSArgument(t *testing.T) {
	called := false
	rt := newTestRuntime(t, map[string]Func{
		"sink": func(...any) (any, error) { called = true; return nil, nil },
	})
	got := evalString(t, rt, "(function(){ var o = {}; o.self = o; try { core.ops.sink(o); return 'no throw'; } catch (e) { return e.name + ':' + e.message; } })()")
	if !strings.HasPrefix(got, "TypeError:InvalidValue") {
		t.Errorf("caught = %q, want TypeError:InvalidValue...", got)
	}
	if called {
		t.Error("op ran despite unencodable argument")
	}
}

func TestDeepJSArgument(t *testing.T) {
	rt := newTestRuntime(t, map[string]Func{
		"sink": func(...any) (any, error) { return nil, nil },
	})
	got := evalString(t, rt, "(function(){ var v = 0; for (var i = 0; i < 200; i++) v = [v]; try { core.ops.sink(v); return 'no throw'; } catch (e) { return e.message; } })()")
	if !strings.HasPrefix(got, "InvalidValue") {
		t.Errorf("caught = %q, want InvalidValue...", got)
	}
}

func TestCyclicHostResult(t *testing.T) {
	a := bridge.NewArray()
	a.Append(a)
	rt := newTestRuntime(t, map[string]Func{
		"cyclic": func(...any) (any, error) { return a, nil },
	})
	got := evalString(t, rt, "(function(){ try { core.ops.cyclic(); return 'no throw'; } catch (e) { return e.message; } })()")
	if !strings.HasPrefix(got, "InvalidValue") {
		t.Errorf("caught = %q, want InvalidValue...", got)
	}
}

func TestScalarRoundTrip(t *testing.T) {
	var back any
	rt := newTestRuntime(t, map[string]Func{
		"give": func(args ...any) (any, error) { return args[0], nil },
		"take": func(args ...any) (any, error) { back = args[0]; return nil, nil },
	})
	registry, _ := engine.GetSlot[*Registry](rt.Slots())

	for _, x := range []any{nil, true, false, int64(0), int64(1), int64(-1), 2.5, "", "héllo"} {
		value := x
		_ = registry.Register("fixture", func(...any) (any, error) { return value, nil })
		if err := Bind(rt, "fixture"); err != nil {
			t.Fatalf("Bind: %v", err)
		}
		back = "unset"
		evalString(t, rt, "core.ops.take(core.ops.give(core.ops.fixture())); ''")
		if back != x {
			t.Errorf("round trip of %#v = %#v", x, back)
		}
	}
}
