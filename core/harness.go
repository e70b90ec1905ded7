package core

import (
	"fmt"
	"io"

	"github.com/cryguy/hostjs/internal/engine"
	"github.com/cryguy/hostjs/internal/modules"
	"github.com/cryguy/hostjs/internal/webapi"
)

// harnessJS turns the value a global script left behind (see
// engine.Runtime.RunScript) into one JSON record: the completion value
// converted with String(), or the thrown value's error record.
const harnessJS = `
(function() {
	var key = '__hostScriptValue';
	Object.defineProperty(globalThis, '__hostTakeScriptValue', {
		value: function(threw) {
			var v = globalThis[key];
			delete globalThis[key];
			if (threw) return JSON.stringify({ ok: false, e: __hostBridge.errorInfo(v) });
			var s;
			try { s = String(v); } catch (_) { s = Object.prototype.toString.call(v); }
			return JSON.stringify({ ok: true, v: s });
		},
		writable: false, enumerable: false, configurable: false
	});
	Deno.core.print = function(msg, isErr) {
		__hostPrint(String(msg), !!isErr);
	};
})();
`

func installHarness(rt engine.Runtime, stdio webapi.Stdio) error {
	if err := rt.RegisterFunc("__hostPrint", func(msg string, isErr bool) {
		var w io.Writer = stdio.Stdout
		if isErr {
			w = stdio.Stderr
		}
		_, _ = io.WriteString(w, msg)
	}); err != nil {
		return fmt.Errorf("registering print: %w", err)
	}
	if err := rt.Eval(harnessJS); err != nil {
		return fmt.Errorf("installing script harness: %w", err)
	}
	return nil
}

// loaderAdapter exposes a ModuleLoader to the module bundler.
func loaderAdapter(l ModuleLoader) modules.Loader {
	if l == nil {
		return nil
	}
	if rl, ok := l.(ReferrerModuleLoader); ok {
		return referrerAdapter{adapter{l}, rl}
	}
	return adapter{l}
}

type adapter struct{ l ModuleLoader }

func (a adapter) Resolve(specifier, referrer string, isMain bool) (string, error) {
	return a.l.Resolve(specifier, referrer, isMain)
}

func (a adapter) Load(moduleURL string) (*modules.Source, error) {
	return convertSource(a.l.Load(moduleURL))
}

// referrerAdapter also forwards the referrer and import() flag.
type referrerAdapter struct {
	adapter
	rl ReferrerModuleLoader
}

func (a referrerAdapter) LoadFrom(moduleURL, referrer string, isDynamic bool) (*modules.Source, error) {
	return convertSource(a.rl.LoadFrom(moduleURL, referrer, isDynamic))
}

func convertSource(src *ModuleSource, err error) (*modules.Source, error) {
	if err != nil || src == nil {
		return nil, err
	}
	return &modules.Source{
		Code:               src.Code,
		ModuleType:         src.ModuleType,
		ModuleURLSpecified: src.ModuleURLSpecified,
		ModuleURLFound:     src.ModuleURLFound,
	}, nil
}
