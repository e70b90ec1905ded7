package ops

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cryguy/hostjs/bridge"
	"github.com/cryguy/hostjs/internal/engine"
)

// envelope is what __hostOp hands back to the JS stub: either a wire value
// or an error message.
type envelope struct {
	V json.RawMessage `json:"v,omitempty"`
	E *string         `json:"e,omitempty"`
}

// Install puts reg into the isolate's slots, registers the dispatcher and
// builds Deno.core with one stub per registered op.
func Install(rt engine.Runtime, reg *Registry, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	engine.SetSlot(rt.Slots(), reg)

	if err := rt.RegisterFunc("__hostOp", func(name, args string) string {
		return dispatch(rt, name, args, logger)
	}); err != nil {
		return fmt.Errorf("registering op dispatcher: %w", err)
	}
	if err := rt.Eval(bridgeJS); err != nil {
		return fmt.Errorf("installing bridge: %w", err)
	}
	if err := rt.Eval(coreJS); err != nil {
		return fmt.Errorf("installing Deno.core: %w", err)
	}
	for _, name := range reg.Names() {
		if err := Bind(rt, name); err != nil {
			return err
		}
	}
	return nil
}

// Bind creates the Deno.core.ops.<name> stub for one op.
func Bind(rt engine.Runtime, name string) error {
	if !ValidName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidOpName, name)
	}
	if err := rt.Eval(fmt.Sprintf("Deno.core.__bindOp(%q);", name)); err != nil {
		return fmt.Errorf("binding op %s: %w", name, err)
	}
	return nil
}

func dispatch(rt engine.Runtime, name, argsWire string, logger *slog.Logger) string {
	reg, ok := engine.GetSlot[*Registry](rt.Slots())
	if !ok {
		return failure("op registry not installed")
	}
	fn, ok := reg.Lookup(name)
	if !ok {
		return failure(fmt.Sprintf("%v: %s", ErrOpNotFound, name))
	}
	args, err := bridge.UnmarshalArgs([]byte(argsWire))
	if err != nil {
		return failure(err.Error())
	}
	result, err := invoke(fn, args)
	if err != nil {
		logger.Debug("op failed", "op", name, "error", err)
		return failure(err.Error())
	}
	wire, err := bridge.Marshal(result)
	if err != nil {
		logger.Debug("op result not representable", "op", name, "error", err)
		return failure(err.Error())
	}
	out, _ := json.Marshal(envelope{V: wire})
	return string(out)
}

// invoke calls fn, turning a panic into an error.
func invoke(fn Func, args []any) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn(args...)
}

func failure(msg string) string {
	out, _ := json.Marshal(envelope{E: &msg})
	return string(out)
}
