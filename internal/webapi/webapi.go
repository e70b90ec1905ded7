// Package webapi installs the web-platform globals of a worker: timers,
// console, encoding, URL and friends, fetch, blob URLs, BroadcastChannel
// and the Deno namespace.
//
// Each piece is a Setup run once on a fresh isolate. The JavaScript halves
// are plain polyfills; anything touching the host goes through a small set
// of Go functions registered under __-prefixed names.
package webapi

import (
	"io"
	"os"

	"github.com/cryguy/hostjs/internal/engine"
	"github.com/cryguy/hostjs/internal/eventloop"
)

// Setup installs one group of globals.
type Setup func(rt engine.Runtime, el *eventloop.EventLoop) error

// Stdio is the stdin/stdout/stderr triple a worker writes to.
type Stdio struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// WithDefaults fills unset streams with the process's own.
func (s Stdio) WithDefaults() Stdio {
	if s.Stdin == nil {
		s.Stdin = os.Stdin
	}
	if s.Stdout == nil {
		s.Stdout = os.Stdout
	}
	if s.Stderr == nil {
		s.Stderr = os.Stderr
	}
	return s
}

// Chain runs setups in order and stops at the first error.
func Chain(setups ...Setup) Setup {
	return func(rt engine.Runtime, el *eventloop.EventLoop) error {
		for _, s := range setups {
			if err := s(rt, el); err != nil {
				return err
			}
		}
		return nil
	}
}
