// Package ast parses and transpiles TypeScript, JSX and JavaScript modules
// with esbuild.
package ast

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"path"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
)

var (
	// ErrBadSpecifier is returned when ParseParams.Specifier is not an
	// absolute URL.
	ErrBadSpecifier = errors.New("specifier is not a valid URL")
	// ErrParse matches every *ParseDiagnostic.
	ErrParse = errors.New("parse error")
	// ErrUnknownMediaType is returned when neither the MIME type nor the
	// specifier's extension names a supported language.
	ErrUnknownMediaType = errors.New("unknown media type")
)

// MediaType is the language of a source file.
type MediaType string

const (
	JavaScript MediaType = "JavaScript"
	JSX        MediaType = "JSX"
	TypeScript MediaType = "TypeScript"
	TSX        MediaType = "TSX"
	JSON       MediaType = "Json"
)

var mimeTypes = map[string]MediaType{
	"application/typescript":   TypeScript,
	"text/typescript":          TypeScript,
	"video/vnd.dlna.mpeg-tts":  TypeScript,
	"video/mp2t":               TypeScript,
	"application/x-typescript": TypeScript,
	"text/tsx":                 TSX,
	"text/jsx":                 JSX,
	"application/javascript":   JavaScript,
	"text/javascript":          JavaScript,
	"application/ecmascript":   JavaScript,
	"text/ecmascript":          JavaScript,
	"application/x-javascript": JavaScript,
	"application/node":         JavaScript,
	"application/json":         JSON,
	"text/json":                JSON,
}

var extensions = map[string]MediaType{
	".ts":   TypeScript,
	".mts":  TypeScript,
	".cts":  TypeScript,
	".tsx":  TSX,
	".js":   JavaScript,
	".mjs":  JavaScript,
	".cjs":  JavaScript,
	".jsx":  JSX,
	".json": JSON,
}

func (m MediaType) loader() api.Loader {
	switch m {
	case TypeScript:
		return api.LoaderTS
	case TSX:
		return api.LoaderTSX
	case JSX:
		return api.LoaderJSX
	case JSON:
		return api.LoaderJSON
	}
	return api.LoaderJS
}

// mediaTypeOf picks the language from a MIME type, falling back to the
// extension of u's path.
func mediaTypeOf(mimeType string, u *url.URL) (MediaType, error) {
	if mimeType != "" {
		mt, _, err := mime.ParseMediaType(mimeType)
		if err == nil {
			if m, ok := mimeTypes[strings.ToLower(mt)]; ok {
				// Deno serves .tsx/.jsx as TypeScript/JavaScript; the
				// extension decides whether JSX is allowed.
				switch ext := strings.ToLower(path.Ext(u.Path)); {
				case m == TypeScript && ext == ".tsx":
					return TSX, nil
				case m == JavaScript && ext == ".jsx":
					return JSX, nil
				}
				return m, nil
			}
		}
	}
	if m, ok := extensions[strings.ToLower(path.Ext(u.Path))]; ok {
		return m, nil
	}
	if mimeType == "" {
		return JavaScript, nil
	}
	return "", fmt.Errorf("%w: %q for %s", ErrUnknownMediaType, mimeType, u)
}

// ParseParams is the input to ParseModule.
type ParseParams struct {
	// Specifier is the module's absolute URL.
	Specifier string
	Text      string
	// MediaType is a MIME type such as "application/typescript". Empty
	// selects by extension.
	MediaType string
}

// ParsedSource is a syntax-checked module ready to be transpiled.
type ParsedSource struct {
	specifier string
	mediaType MediaType
	text      string
}

// Specifier returns the module URL.
func (p *ParsedSource) Specifier() string { return p.specifier }

// MediaType returns the detected language.
func (p *ParsedSource) MediaType() MediaType { return p.mediaType }

// Text returns the original source.
func (p *ParsedSource) Text() string { return p.text }

// ParseDiagnostic carries esbuild's formatted error output.
type ParseDiagnostic struct {
	Specifier string
	// Message is the formatted text of every error, in order.
	Message string
	Line    int
	Column  int
}

func (d *ParseDiagnostic) Error() string { return d.Message }

func (d *ParseDiagnostic) Is(target error) bool { return target == ErrParse }

func diagnostic(specifier string, msgs []api.Message) *ParseDiagnostic {
	formatted := api.FormatMessages(msgs, api.FormatMessagesOptions{Kind: api.ErrorMessage})
	d := &ParseDiagnostic{
		Specifier: specifier,
		Message:   strings.TrimSpace(strings.Join(formatted, "")),
	}
	if loc := msgs[0].Location; loc != nil {
		d.Line = loc.Line
		d.Column = loc.Column
	}
	return d
}

// ParseModule checks the syntax of params.Text as an ES module.
func ParseModule(params ParseParams) (*ParsedSource, error) {
	u, err := url.Parse(params.Specifier)
	if err != nil || !u.IsAbs() {
		return nil, fmt.Errorf("%w: %q", ErrBadSpecifier, params.Specifier)
	}
	mt, err := mediaTypeOf(params.MediaType, u)
	if err != nil {
		return nil, err
	}

	res := api.Transform(params.Text, api.TransformOptions{
		Loader:     mt.loader(),
		Sourcefile: params.Specifier,
		Format:     api.FormatDefault,
		Target:     api.ESNext,
		JSX:        api.JSXPreserve,
		LogLevel:   api.LogLevelSilent,
	})
	if len(res.Errors) > 0 {
		return nil, diagnostic(params.Specifier, res.Errors)
	}
	return &ParsedSource{specifier: params.Specifier, mediaType: mt, text: params.Text}, nil
}

// EmitOptions controls Transpile.
type EmitOptions struct {
	// EmitMetadata enables legacy decorators.
	EmitMetadata       bool
	InlineSourceMap    bool
	InlineSources      bool
	JSXAutomatic       bool
	JSXDevelopment     bool
	JSXFactory         string
	JSXFragmentFactory string
	JSXImportSource    string
	// SourceMap returns the map separately in TranspiledSource.SourceMap.
	// It takes precedence over InlineSourceMap.
	SourceMap    bool
	TransformJSX bool
	// VarDeclImports is accepted for compatibility. esbuild keeps import
	// declarations as they are.
	VarDeclImports bool
}

// DefaultEmitOptions returns the options Transpile callers usually want:
// an inline source map with sources, classic JSX.
func DefaultEmitOptions() EmitOptions {
	return EmitOptions{
		InlineSourceMap:    true,
		InlineSources:      true,
		JSXFactory:         "React.createElement",
		JSXFragmentFactory: "React.Fragment",
		TransformJSX:       true,
	}
}

// TranspiledSource is the JavaScript produced by Transpile.
type TranspiledSource struct {
	Text string
	// SourceMap is set only when EmitOptions.SourceMap is true.
	SourceMap *string
}

type tsconfig struct {
	CompilerOptions tsCompilerOptions `json:"compilerOptions"`
}

type tsCompilerOptions struct {
	ExperimentalDecorators  bool `json:"experimentalDecorators,omitempty"`
	VerbatimModuleSyntax    bool `json:"verbatimModuleSyntax"`
	PreserveValueImports    bool `json:"preserveValueImports"`
	UseDefineForClassFields bool `json:"useDefineForClassFields"`
}

// Transpile strips types and lowers JSX. Imports only used as types are
// removed.
func (p *ParsedSource) Transpile(opts EmitOptions) (*TranspiledSource, error) {
	cfg, err := json.Marshal(tsconfig{CompilerOptions: tsCompilerOptions{
		ExperimentalDecorators:  opts.EmitMetadata,
		UseDefineForClassFields: true,
	}})
	if err != nil {
		return nil, err
	}

	to := api.TransformOptions{
		Loader:      p.mediaType.loader(),
		Sourcefile:  p.specifier,
		Target:      api.ESNext,
		LogLevel:    api.LogLevelSilent,
		TsconfigRaw: string(cfg),
	}
	switch {
	case opts.SourceMap:
		to.Sourcemap = api.SourceMapExternal
	case opts.InlineSourceMap:
		to.Sourcemap = api.SourceMapInline
	}
	if opts.InlineSources {
		to.SourcesContent = api.SourcesContentInclude
	} else {
		to.SourcesContent = api.SourcesContentExclude
	}

	switch {
	case !opts.TransformJSX:
		to.JSX = api.JSXPreserve
	case opts.JSXAutomatic:
		to.JSX = api.JSXAutomatic
		to.JSXImportSource = opts.JSXImportSource
		to.JSXDev = opts.JSXDevelopment
	default:
		to.JSX = api.JSXTransform
		to.JSXFactory = opts.JSXFactory
		to.JSXFragment = opts.JSXFragmentFactory
	}

	res := api.Transform(p.text, to)
	if len(res.Errors) > 0 {
		return nil, diagnostic(p.specifier, res.Errors)
	}
	out := &TranspiledSource{Text: string(res.Code)}
	if opts.SourceMap && len(res.Map) > 0 {
		m := string(res.Map)
		out.SourceMap = &m
	}
	return out, nil
}
