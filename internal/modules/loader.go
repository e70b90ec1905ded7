// Package modules adapts a host-implemented module loader to the runtime.
//
// A module graph is loaded by bundling it with esbuild. A plugin routes
// every resolve and load through the host Loader, so the host decides
// what each specifier means. Loader calls are funnelled onto the
// runtime's executor goroutine while esbuild works on its own goroutines.
package modules

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrLoader is matched by every LoaderError.
var ErrLoader = errors.New("loader error")

// Fixed messages for contract violations by the host loader.
const (
	msgBadResolve = "resolve() did not return a valid string."
	msgLoadFailed = "Error calling load() function on ModuleLoader"
	msgBadSource  = "Error converting return value of load() to ModuleSource"
)

// Module types understood by the shim.
const (
	TypeJavaScript = "javascript"
	TypeJSON       = "json"
)

// Source is what a Loader returns for one module.
type Source struct {
	Code               string
	ModuleType         string // "json" selects JSON; anything else is JavaScript
	ModuleURLSpecified string
	ModuleURLFound     string
}

// Loader is the host side of module loading. It is never entered
// concurrently but may be re-entered while a graph is loading.
type Loader interface {
	Resolve(specifier, referrer string, isMain bool) (string, error)
	Load(moduleURL string) (*Source, error)
}

// ReferrerLoader is implemented by loaders that want to know who asked
// for a module. LoadFrom is then used instead of Load. referrer is the
// importing module's URL, or the referrer of the import() call for a root
// module ("" when a root is loaded by the embedder); isDynamic is set for
// every module of a graph loaded by import().
type ReferrerLoader interface {
	LoadFrom(moduleURL, referrer string, isDynamic bool) (*Source, error)
}

// LoaderError reports a failing or misbehaving host loader.
type LoaderError struct {
	Op        string // "resolve" or "load"
	Specifier string
	Msg       string
	Err       error
}

func (e *LoaderError) Error() string {
	var b strings.Builder
	b.WriteString("LoaderError: ")
	b.WriteString(e.Msg)
	if e.Specifier != "" {
		fmt.Fprintf(&b, " (%s %q)", e.Op, e.Specifier)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *LoaderError) Unwrap() error { return e.Err }

func (e *LoaderError) Is(target error) bool { return target == ErrLoader }

// ParseURL parses s as an absolute URL.
func ParseURL(s string) (*url.URL, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" {
		return nil, fmt.Errorf("relative URL without a base: %q", s)
	}
	return u, nil
}

// shim applies the loader contract checks around a host Loader.
type shim struct {
	loader Loader
}

func (s shim) resolve(specifier, referrer string, isMain bool) (string, error) {
	if s.loader == nil {
		return "", &LoaderError{Op: "resolve", Specifier: specifier, Msg: "no module loader configured"}
	}
	resolved, err := s.loader.Resolve(specifier, referrer, isMain)
	if err != nil {
		return "", &LoaderError{Op: "resolve", Specifier: specifier, Msg: "resolve() failed", Err: err}
	}
	if resolved == "" {
		return "", &LoaderError{Op: "resolve", Specifier: specifier, Msg: msgBadResolve}
	}
	u, err := ParseURL(resolved)
	if err != nil {
		return "", &LoaderError{Op: "resolve", Specifier: specifier, Msg: "invalid URL", Err: err}
	}
	return u.String(), nil
}

func (s shim) load(moduleURL, referrer string, isDynamic bool) (*Source, error) {
	if s.loader == nil {
		return nil, &LoaderError{Op: "load", Specifier: moduleURL, Msg: "no module loader configured"}
	}
	var src *Source
	var err error
	if rl, ok := s.loader.(ReferrerLoader); ok {
		src, err = rl.LoadFrom(moduleURL, referrer, isDynamic)
	} else {
		src, err = s.loader.Load(moduleURL)
	}
	if err != nil {
		return nil, &LoaderError{Op: "load", Specifier: moduleURL, Msg: msgLoadFailed, Err: err}
	}
	if src == nil {
		return nil, &LoaderError{Op: "load", Specifier: moduleURL, Msg: msgBadSource}
	}
	out := *src
	out.Code = strings.TrimPrefix(out.Code, "\uFEFF")
	if out.ModuleType != TypeJSON {
		out.ModuleType = TypeJavaScript
	}
	if out.ModuleURLSpecified == "" {
		out.ModuleURLSpecified = moduleURL
	}
	if out.ModuleURLFound == "" {
		out.ModuleURLFound = out.ModuleURLSpecified
	}
	return &out, nil
}
