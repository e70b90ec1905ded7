//go:build v8

package backend

import (
	"github.com/cryguy/hostjs/internal/engine"
	"github.com/cryguy/hostjs/internal/v8engine"
)

// Name is the engine compiled into this binary.
const Name = "v8"

func newRuntime(cfg engine.Config) (engine.Runtime, error) {
	return v8engine.New(cfg)
}
