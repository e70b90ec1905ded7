// Package engine defines the engine-neutral view of an embedded JavaScript
// isolate. The QuickJS and V8 backends both implement Runtime; everything
// above this package (ops, modules, event loop, web APIs) is written
// against the interface only.
package engine

// Runtime abstracts the JavaScript engine (V8 or QuickJS). A Runtime is
// not safe for concurrent use: callers must confine it to one goroutine,
// which internal/executor takes care of.
type Runtime interface {
	// Eval evaluates JavaScript source and discards the result.
	Eval(js string) error

	// EvalString evaluates JavaScript and returns the result as a Go string.
	EvalString(js string) (string, error)

	// EvalBool evaluates JavaScript and returns the result as a Go bool.
	EvalBool(js string) (bool, error)

	// EvalInt evaluates JavaScript and returns the result as a Go int.
	EvalInt(js string) (int, error)

	// RunScript evaluates source as a classic script named name at global
	// scope, so its top-level let, const and class bindings stay visible
	// to later scripts. The completion value, or the value it threw, is
	// left in the global ScriptValueGlobal and threw tells which. err
	// reports failures of the engine itself.
	RunScript(name, source string) (threw bool, err error)

	// RegisterFunc registers a Go function as a global JavaScript function.
	// Argument and return types are limited to string, int, float64 and
	// bool. A (T, error) return throws a TypeError in JS on error.
	RegisterFunc(name string, fn any) error

	// SetGlobal sets a global variable on the JS context. Basic Go types
	// (string, int, float64, bool) are auto-converted to JS types.
	SetGlobal(name string, value any) error

	// RunMicrotasks pumps the microtask queue (Promise callbacks, etc.).
	RunMicrotasks()

	// Slots returns the isolate's side-slot table.
	Slots() *Slots

	// Name identifies the backend ("quickjs" or "v8").
	Name() string

	// Close releases the isolate. The Runtime must not be used afterwards.
	Close()
}

// ScriptValueGlobal is the global RunScript leaves its result in.
const ScriptValueGlobal = "__hostScriptValue"

// Config holds per-isolate engine settings.
type Config struct {
	MemoryLimitMB int // 0 keeps the engine default
}
