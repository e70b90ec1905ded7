package modules

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"

	"github.com/evanw/esbuild/pkg/api"
	"golang.org/x/sync/singleflight"
)

const (
	pluginName    = "hostjs-loader"
	namespace     = "hostjs"
	mapNamespace  = "hostjs-map" // modules an earlier bundle evaluated
	stdinName     = "<stdin>"
	selfSpecifier = "hostjs:self"
)

// Bundler turns a module graph into one evaluable script.
type Bundler struct {
	Loader Loader
	// Nested runs a loader call on the isolate goroutine. Nil runs it on
	// the calling goroutine.
	Nested func(fn func() error) error
	// Pump is called on the isolate goroutine while esbuild runs and must
	// serve Nested calls until wait closes. Nil blocks on wait.
	Pump   func(wait <-chan struct{})
	Logger *slog.Logger
	// Map, when set, holds the modules already evaluated in the isolate.
	// A bundle imports those from the registry instead of including them.
	Map *Map

	group singleflight.Group
}

// Request describes one root module to bundle.
type Request struct {
	ID        int
	Specifier string
	Code      *string // when set, the root module's source; the loader is not asked for it
	IsMain    bool
	Resolved  bool   // Specifier is already a resolved URL
	Dynamic   bool   // the graph is loaded by import()
	Referrer  string // the import() caller, passed to a ReferrerLoader for the root
}

// Bundle is the result of bundling a root module.
type Bundle struct {
	ID     int
	URL    string // resolved URL of the root module
	Script string // evaluate with the module registry installed
	Files  []string
	URLs   []string // specified and found URLs of every module the bundle evaluates
	Deps   []string // URLs minus the root module's
}

// SyntaxError reports a module that esbuild could not parse.
type SyntaxError struct {
	File    string
	Line    int
	Column  int
	Message string
}

func (e *SyntaxError) Error() string {
	if e.File == "" {
		return "SyntaxError: " + e.Message
	}
	return fmt.Sprintf("SyntaxError: %s at %s:%d:%d", e.Message, e.File, e.Line, e.Column)
}

// rootData marks the entry module in plugin data.
type rootData struct {
	code *string
}

type buildState struct {
	mu       sync.Mutex
	err      error             // first typed failure
	found    map[string]string // specified URL -> found URL
	files    []string
	urls     []string
	deps     []string
	prefixes map[string]prefix // by module path
	importer map[string]string // module path -> URL of the first module importing it
	root     string
}

func (s *buildState) isRoot(p string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return p == s.root
}

func (s *buildState) fail(err error) error {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	return err
}

func (s *buildState) referrer(importer string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.found[importer]; ok {
		return f
	}
	return importer
}

// Bundle resolves, loads and bundles the graph rooted at req.Specifier.
// It must be called on the isolate goroutine when Nested/Pump are set.
func (b *Bundler) Bundle(req Request) (*Bundle, error) {
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sh := shim{loader: b.Loader}
	state := &buildState{
		found:    make(map[string]string),
		prefixes: make(map[string]prefix),
		importer: make(map[string]string),
	}

	if req.Code != nil || req.Resolved {
		u, err := ParseURL(req.Specifier)
		if err != nil {
			return nil, &LoaderError{Op: "resolve", Specifier: req.Specifier, Msg: "invalid URL", Err: err}
		}
		state.root = u.String()
	}

	nested := b.Nested
	if nested == nil {
		nested = func(fn func() error) error { return fn() }
	}

	plugin := api.Plugin{
		Name: pluginName,
		Setup: func(build api.PluginBuild) {
			build.OnResolve(api.OnResolveOptions{Filter: ".*"}, func(args api.OnResolveArgs) (api.OnResolveResult, error) {
				if args.Importer == stdinName {
					if req.Code != nil {
						return api.OnResolveResult{Path: state.root, Namespace: namespace, PluginData: rootData{code: req.Code}}, nil
					}
					resolved := state.root
					if !req.Resolved {
						err := nested(func() error {
							var err error
							resolved, err = sh.resolve(req.Specifier, ".", req.IsMain)
							return err
						})
						if err != nil {
							return api.OnResolveResult{}, state.fail(err)
						}
					}
					state.mu.Lock()
					state.root = resolved
					state.mu.Unlock()
					if b.Map.Has(resolved) {
						return api.OnResolveResult{Path: resolved, Namespace: mapNamespace}, nil
					}
					return api.OnResolveResult{Path: resolved, Namespace: namespace}, nil
				}
				if args.Path == selfSpecifier {
					return api.OnResolveResult{Path: args.Importer, Namespace: args.Namespace}, nil
				}

				referrer := state.referrer(args.Importer)
				var resolved string
				err := nested(func() error {
					var err error
					resolved, err = sh.resolve(args.Path, referrer, false)
					return err
				})
				if err != nil {
					return api.OnResolveResult{}, state.fail(err)
				}
				if b.Map.Has(resolved) {
					return api.OnResolveResult{Path: resolved, Namespace: mapNamespace}, nil
				}
				state.mu.Lock()
				if _, ok := state.importer[resolved]; !ok {
					state.importer[resolved] = referrer
				}
				state.mu.Unlock()
				return api.OnResolveResult{Path: resolved, Namespace: namespace}, nil
			})

			build.OnLoad(api.OnLoadOptions{Filter: ".*", Namespace: mapNamespace}, func(args api.OnLoadArgs) (api.OnLoadResult, error) {
				code := fmt.Sprintf("module.exports = __hostModuleExports(%s);\n", quote(args.Path))
				return api.OnLoadResult{Contents: &code, Loader: api.LoaderJS}, nil
			})

			build.OnLoad(api.OnLoadOptions{Filter: ".*", Namespace: namespace}, func(args api.OnLoadArgs) (api.OnLoadResult, error) {
				if rd, ok := args.PluginData.(rootData); ok && rd.code != nil {
					code := strings.TrimPrefix(*rd.code, "\uFEFF")
					return state.module(req, args.Path, args.Path, code, TypeJavaScript)
				}

				referrer := req.Referrer
				state.mu.Lock()
				if r, ok := state.importer[args.Path]; ok {
					referrer = r
				}
				state.mu.Unlock()
				v, err, _ := b.group.Do(args.Path, func() (any, error) {
					var src *Source
					err := nested(func() error {
						var err error
						src, err = sh.load(args.Path, referrer, req.Dynamic)
						return err
					})
					return src, err
				})
				if err != nil {
					return api.OnLoadResult{}, state.fail(err)
				}
				src := v.(*Source)
				if src.ModuleURLFound != args.Path {
					state.mu.Lock()
					state.found[args.Path] = src.ModuleURLFound
					state.mu.Unlock()
				}
				return state.module(req, args.Path, src.ModuleURLFound, src.Code, src.ModuleType)
			})
		},
	}

	entry := fmt.Sprintf("import * as ns from %s;\n__hostModuleNamespace(%d, ns);\n", quote(req.Specifier), req.ID)
	opts := api.BuildOptions{
		Stdin: &api.StdinOptions{
			Contents:   entry,
			Sourcefile: stdinName,
			Loader:     api.LoaderJS,
		},
		Bundle:    true,
		Write:     false,
		Format:    api.FormatESModule,
		Platform:  api.PlatformNeutral,
		Target:    api.ES2022,
		Charset:   api.CharsetUTF8,
		LogLevel:  api.LogLevelSilent,
		Supported: map[string]bool{"import-meta": false},
		Plugins:   []api.Plugin{plugin},
	}

	var result api.BuildResult
	done := make(chan struct{})
	go func() {
		defer close(done)
		result = api.Build(opts)
	}()
	if b.Pump != nil {
		b.Pump(done)
	} else {
		<-done
	}

	if state.err != nil {
		return nil, state.err
	}
	if len(result.Errors) > 0 {
		return nil, buildError(result.Errors, state.prefixes)
	}
	if len(result.OutputFiles) == 0 {
		return nil, errors.New("bundler produced no output")
	}
	logger.Debug("module bundled", "specifier", req.Specifier, "modules", len(state.files))

	return &Bundle{
		ID:     req.ID,
		URL:    state.root,
		Script: Wrap(req.ID, string(result.OutputFiles[0].Contents)),
		Files:  state.files,
		URLs:   state.urls,
		Deps:   state.deps,
	}, nil
}

// Resolve resolves specifier against referrer through the loader. It is
// called on the isolate goroutine.
func (b *Bundler) Resolve(specifier, referrer string) (string, error) {
	return shim{loader: b.Loader}.resolve(specifier, referrer, false)
}

// prefix is the registration code placed in front of a module's source.
type prefix struct {
	line, size int
}

// module prepares one module for esbuild and records it in the state.
// The module registers its namespace under its URLs before its body runs
// and marks itself done after it.
func (s *buildState) module(req Request, specified, found, code, moduleType string) (api.OnLoadResult, error) {
	main := req.IsMain && s.isRoot(specified)
	loader := loaderFor(found, moduleType)
	switch loader {
	case api.LoaderJSON:
		js, err := jsonModule(code, found)
		if err != nil {
			return api.OnLoadResult{}, s.fail(err)
		}
		code, loader = js, api.LoaderJS
	case api.LoaderTS, api.LoaderTSX, api.LoaderJSX:
		if strings.Contains(code, "import") {
			// Types and JSX go first so the rewrite only sees JavaScript.
			res := api.Transform(code, api.TransformOptions{
				Loader:     loader,
				Sourcefile: found,
				Target:     api.ES2022,
				LogLevel:   api.LogLevelSilent,
			})
			if len(res.Errors) > 0 {
				return api.OnLoadResult{}, s.fail(buildError(res.Errors, nil))
			}
			code = string(res.Code)
			if loader == api.LoaderJSX {
				loader = api.LoaderJS
			} else {
				loader = api.LoaderTS
			}
		}
		code = rewriteImports(code, found, true, main)
	default:
		code = rewriteImports(code, found, true, main)
	}

	keys := []string{specified}
	if found != specified {
		keys = append(keys, found)
	}
	keyList := "[" + quote(keys[0])
	for _, k := range keys[1:] {
		keyList += ", " + quote(k)
	}
	keyList += "]"
	head := fmt.Sprintf("import * as __hostSelf from %s; __hostModuleRegister(%s, __hostSelf, %d); ", quote(selfSpecifier), keyList, req.ID)
	pre := prefix{line: 1, size: len(head)}
	if strings.HasPrefix(code, "#!") {
		nl := strings.IndexByte(code, '\n')
		if nl < 0 {
			code += "\n"
			nl = len(code) - 1
		}
		code = code[:nl+1] + head + code[nl+1:]
		pre.line = 2
	} else {
		code = head + code
	}
	code += fmt.Sprintf("\n;__hostModuleDone(%s);\n", keyList)

	s.mu.Lock()
	s.files = append(s.files, specified)
	s.urls = append(s.urls, keys...)
	if specified != s.root {
		s.deps = append(s.deps, keys...)
	}
	s.prefixes[specified] = pre
	s.mu.Unlock()
	return api.OnLoadResult{Contents: &code, Loader: loader}, nil
}

// jsonModule turns a JSON document into a module whose default export is
// the parsed value.
func jsonModule(code, moduleURL string) (string, error) {
	var v any
	if err := json.Unmarshal([]byte(code), &v); err != nil {
		se := &SyntaxError{File: moduleURL, Message: err.Error()}
		var je *json.SyntaxError
		if errors.As(err, &je) {
			se.Line, se.Column = position(code, int(je.Offset))
		}
		return "", se
	}
	return "export default JSON.parse(" + quote(code) + ");", nil
}

func position(s string, offset int) (line, col int) {
	offset = min(offset, len(s))
	before := s[:offset]
	line = strings.Count(before, "\n") + 1
	col = offset - strings.LastIndexByte(before, '\n')
	return line, col
}

func buildError(msgs []api.Message, prefixes map[string]prefix) error {
	m := msgs[0]
	se := &SyntaxError{Message: m.Text}
	if m.Location != nil {
		se.File = strings.TrimPrefix(m.Location.File, namespace+":")
		se.Line = m.Location.Line
		se.Column = m.Location.Column + 1
		if p, ok := prefixes[se.File]; ok && p.line == se.Line && se.Column > p.size {
			se.Column -= p.size
		}
	}
	return se
}

// loaderFor picks the esbuild loader for a module.
func loaderFor(moduleURL, moduleType string) api.Loader {
	if moduleType == TypeJSON {
		return api.LoaderJSON
	}
	p := moduleURL
	if u, err := ParseURL(moduleURL); err == nil {
		p = u.Path
	}
	switch strings.ToLower(path.Ext(p)) {
	case ".ts", ".mts", ".cts":
		return api.LoaderTS
	case ".tsx":
		return api.LoaderTSX
	case ".jsx":
		return api.LoaderJSX
	default:
		return api.LoaderJS
	}
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
