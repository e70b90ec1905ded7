package backend

import (
	"errors"
	"testing"

	"github.com/cryguy/hostjs/internal/engine"
)

func newTestRuntime(t *testing.T) engine.Runtime {
	t.Helper()
	rt, err := New(engine.Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(rt.Close)
	return rt
}

func TestEngineName(t *testing.T) {
	rt := newTestRuntime(t)
	if rt.Name() != Name {
		t.Errorf("Name() = %q, want %q", rt.Name(), Name)
	}
}

func TestEvalHelpers(t *testing.T) {
	rt := newTestRuntime(t)

	if err := rt.Eval("globalThis.answer = 40 + 2;"); err != nil {
		t.Fatalf("Eval: %v", err)
	}
	n, err := rt.EvalInt("answer")
	if err != nil {
		t.Fatalf("EvalInt: %v", err)
	}
	if n != 42 {
		t.Errorf("answer = %d, want 42", n)
	}

	s, err := rt.EvalString("'h' + 'i'")
	if err != nil {
		t.Fatalf("EvalString: %v", err)
	}
	if s != "hi" {
		t.Errorf("EvalString = %q, want %q", s, "hi")
	}

	b, err := rt.EvalBool("typeof answer === 'number'")
	if err != nil {
		t.Fatalf("EvalBool: %v", err)
	}
	if !b {
		t.Error("EvalBool = false, want true")
	}
}

func TestEvalSyntaxError(t *testing.T) {
	rt := newTestRuntime(t)
	if err := rt.Eval("function ("); err == nil {
		t.Fatal("expected syntax error")
	}
}

func TestRunScriptGlobalScope(t *testing.T) {
	rt := newTestRuntime(t)
	threw, err := rt.RunScript("a.js", "const shared = 5; shared * 2")
	if err != nil || threw {
		t.Fatalf("RunScript = %v, %v", threw, err)
	}
	if n, _ := rt.EvalInt(engine.ScriptValueGlobal); n != 10 {
		t.Errorf("completion = %d, want 10", n)
	}
	if threw, err = rt.RunScript("b.js", "shared + 1"); err != nil || threw {
		t.Fatalf("second RunScript = %v, %v", threw, err)
	}
	if n, _ := rt.EvalInt(engine.ScriptValueGlobal); n != 6 {
		t.Errorf("shared + 1 = %d, want 6", n)
	}
}

func TestRunScriptThrows(t *testing.T) {
	rt := newTestRuntime(t)
	threw, err := rt.RunScript("boom.js", "\nthrow new RangeError('boom')")
	if err != nil || !threw {
		t.Fatalf("RunScript = %v, %v", threw, err)
	}
	got, err := rt.EvalString(engine.ScriptValueGlobal + ".name + ':' + " + engine.ScriptValueGlobal + ".message")
	if err != nil {
		t.Fatal(err)
	}
	if got != "RangeError:boom" {
		t.Errorf("thrown = %q", got)
	}
	if ok, _ := rt.EvalBool(engine.ScriptValueGlobal + ".stack.includes('boom.js:2')"); !ok {
		stack, _ := rt.EvalString(engine.ScriptValueGlobal + ".stack")
		t.Errorf("stack does not name boom.js:2: %q", stack)
	}

	if threw, _ = rt.RunScript("str.js", "throw 'plain'"); !threw {
		t.Fatal("string throw not reported")
	}
	if got, _ := rt.EvalString("String(" + engine.ScriptValueGlobal + ")"); got != "plain" {
		t.Errorf("thrown string = %q", got)
	}
}

func TestRegisterFunc(t *testing.T) {
	rt := newTestRuntime(t)

	if err := rt.RegisterFunc("__concat", func(a, b string) string { return a + b }); err != nil {
		t.Fatalf("RegisterFunc: %v", err)
	}
	got, err := rt.EvalString("__concat('foo', 'bar')")
	if err != nil {
		t.Fatalf("EvalString: %v", err)
	}
	if got != "foobar" {
		t.Errorf("__concat = %q, want %q", got, "foobar")
	}
}

func TestRegisterFuncErrorThrows(t *testing.T) {
	rt := newTestRuntime(t)

	if err := rt.RegisterFunc("__fail", func(msg string) (string, error) {
		return "", errors.New(msg)
	}); err != nil {
		t.Fatalf("RegisterFunc: %v", err)
	}
	got, err := rt.EvalString(`(function() {
		try { __fail("nope"); return "no throw"; }
		catch (e) { return e instanceof TypeError ? e.message : "wrong type"; }
	})()`)
	if err != nil {
		t.Fatalf("EvalString: %v", err)
	}
	if got != "calling __fail: nope" {
		t.Errorf("message = %q, want %q", got, "calling __fail: nope")
	}
}

func TestSetGlobal(t *testing.T) {
	rt := newTestRuntime(t)
	if err := rt.SetGlobal("greeting", "hello"); err != nil {
		t.Fatalf("SetGlobal: %v", err)
	}
	got, err := rt.EvalString("greeting")
	if err != nil {
		t.Fatalf("EvalString: %v", err)
	}
	if got != "hello" {
		t.Errorf("greeting = %q, want %q", got, "hello")
	}
}

func TestRunMicrotasks(t *testing.T) {
	rt := newTestRuntime(t)
	if err := rt.Eval("globalThis.done = false; Promise.resolve().then(() => { globalThis.done = true; });"); err != nil {
		t.Fatalf("Eval: %v", err)
	}
	rt.RunMicrotasks()
	ok, err := rt.EvalBool("done")
	if err != nil {
		t.Fatalf("EvalBool: %v", err)
	}
	if !ok {
		t.Error("promise reaction did not run after RunMicrotasks")
	}
}

func TestCloseTwice(t *testing.T) {
	rt, err := New(engine.Config{MemoryLimitMB: 64})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rt.Close()
	rt.Close()
}
