//go:build !v8

package backend

import (
	"github.com/cryguy/hostjs/internal/engine"
	"github.com/cryguy/hostjs/internal/quickjs"
)

// Name is the engine compiled into this binary.
const Name = "quickjs"

func newRuntime(cfg engine.Config) (engine.Runtime, error) {
	return quickjs.New(cfg)
}
