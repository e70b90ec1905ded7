// Package core is an embeddable JavaScript and TypeScript runtime.
//
// A JSRuntime owns one isolate and the goroutine that drives it. Go code
// runs scripts and ES modules in it, exposes Go functions to JavaScript as
// ops, and supplies modules through a ModuleLoader. Every method blocks
// until the requested work is done and is safe to call from any
// goroutine, including from inside an op.
package core

import (
	"log/slog"
	"maps"
	"slices"
)

// OpFunc is a Go function callable from JavaScript as
// Deno.core.ops.<name>(...). Arguments and the result cross the boundary
// as described in package bridge.
type OpFunc func(args ...any) (any, error)

// JSFile is a named piece of JavaScript run when an extension is attached.
type JSFile struct {
	Filename string
	Code     string
}

// Extension groups ops with the JavaScript that wraps them.
type Extension struct {
	Name    string
	JSFiles []JSFile
	Ops     map[string]OpFunc
}

// Clone returns a deep copy of e.
func (e *Extension) Clone() *Extension {
	if e == nil {
		return nil
	}
	return &Extension{
		Name:    e.Name,
		JSFiles: slices.Clone(e.JSFiles),
		Ops:     maps.Clone(e.Ops),
	}
}

// ModuleSource is what a ModuleLoader returns for one module.
type ModuleSource struct {
	Code string
	// ModuleType selects JSON when it is exactly "json"; anything else is
	// JavaScript. TypeScript and JSX are recognised by the URL extension.
	ModuleType         string
	ModuleURLSpecified string
	ModuleURLFound     string
}

// ModuleLoader resolves and loads ES modules on behalf of a runtime.
//
// Resolve returns an absolute URL; an empty string means the specifier
// could not be resolved. referrer is "." for the main module. The loader
// is called on the runtime goroutine: never concurrently, but possibly
// re-entrantly while one module graph loads.
type ModuleLoader interface {
	Resolve(specifier, referrer string, isMain bool) (string, error)
	Load(moduleURL string) (*ModuleSource, error)
}

// ReferrerModuleLoader is an optional extension of ModuleLoader. When a
// loader implements it, LoadFrom is called instead of Load with the URL of
// the importing module and whether the graph is being loaded by import().
// A root module loaded through LoadMainModule or LoadSideModule has an
// empty referrer.
type ReferrerModuleLoader interface {
	LoadFrom(moduleURL, referrer string, isDynamic bool) (*ModuleSource, error)
}

// ModuleID identifies a loaded module within one runtime.
type ModuleID int

// RuntimeOptions configures New. The zero value is a runtime without a
// module loader or extensions.
type RuntimeOptions struct {
	ModuleLoader ModuleLoader
	Extensions   []*Extension
	// WillSnapshot allows Snapshot to be called.
	WillSnapshot bool
	// StartupSnapshot is replayed after extensions load. It cannot be
	// combined with WillSnapshot.
	//
	// A snapshot is a journal of the scripts and modules that ran, not a
	// heap image. Restoring runs them again in order, so every op they
	// call and every fetch they start happens again in the new runtime.
	// Extensions must provide the same ops the snapshotting runtime had.
	StartupSnapshot []byte
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// MemoryLimitMB caps the isolate heap. 0 keeps the engine default.
	MemoryLimitMB int
}
