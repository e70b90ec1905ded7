// Package backend selects the JavaScript engine at build time: QuickJS by
// default, V8 with -tags v8.
package backend

import "github.com/cryguy/hostjs/internal/engine"

// New creates an isolate on the compiled-in engine.
func New(cfg engine.Config) (engine.Runtime, error) {
	return newRuntime(cfg)
}
