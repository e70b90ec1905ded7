package ast

import (
	"errors"
	"strings"
	"testing"
)

func mustParse(t *testing.T, params ParseParams) *ParsedSource {
	t.Helper()
	p, err := ParseModule(params)
	if err != nil {
		t.Fatalf("ParseModule(%s): %v", params.Specifier, err)
	}
	return p
}

func TestTranspileTypeScript(t *testing.T) {
	p := mustParse(t, ParseParams{
		Specifier: "file:///a.ts",
		Text:      "const x: number = 1;",
		MediaType: "application/typescript",
	})
	if p.MediaType() != TypeScript {
		t.Fatalf("MediaType = %s, want TypeScript", p.MediaType())
	}
	if p.Specifier() != "file:///a.ts" || p.Text() != "const x: number = 1;" {
		t.Fatalf("accessors = %q, %q", p.Specifier(), p.Text())
	}

	out, err := p.Transpile(DefaultEmitOptions())
	if err != nil {
		t.Fatalf("Transpile: %v", err)
	}
	if !strings.Contains(out.Text, "const x = 1;") {
		t.Fatalf("text = %q", out.Text)
	}
	if !strings.Contains(out.Text, "//# sourceMappingURL=data:application/json;base64,") {
		t.Fatalf("missing inline source map: %q", out.Text)
	}
	if out.SourceMap != nil {
		t.Fatalf("SourceMap = %q, want nil", *out.SourceMap)
	}
}

func TestTranspileExternalSourceMap(t *testing.T) {
	p := mustParse(t, ParseParams{Specifier: "https://example.com/mod.ts", Text: "export const n: number = 2;"})
	opts := DefaultEmitOptions()
	opts.SourceMap = true
	opts.InlineSources = false
	out, err := p.Transpile(opts)
	if err != nil {
		t.Fatal(err)
	}
	if out.SourceMap == nil {
		t.Fatal("SourceMap = nil")
	}
	if strings.Contains(out.Text, "sourceMappingURL=data:") {
		t.Fatalf("text has an inline map: %q", out.Text)
	}
	if !strings.Contains(*out.SourceMap, `"mappings"`) || strings.Contains(*out.SourceMap, "sourcesContent") {
		t.Fatalf("source map = %s", *out.SourceMap)
	}
}

func TestTypeOnlyImportsRemoved(t *testing.T) {
	p := mustParse(t, ParseParams{
		Specifier: "file:///b.ts",
		Text:      "import { T } from './types.ts';\nexport const v: T = 1 as T;",
	})
	opts := DefaultEmitOptions()
	opts.InlineSourceMap = false
	out, err := p.Transpile(opts)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out.Text, "types.ts") {
		t.Fatalf("type-only import kept: %q", out.Text)
	}
}

func TestTranspileJSX(t *testing.T) {
	src := "export const el = <div className='a'><>x</></div>;"
	p := mustParse(t, ParseParams{Specifier: "file:///c.tsx", Text: src, MediaType: "text/tsx"})
	if p.MediaType() != TSX {
		t.Fatalf("MediaType = %s", p.MediaType())
	}

	classic := DefaultEmitOptions()
	classic.InlineSourceMap = false
	out, err := p.Transpile(classic)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.Text, "React.createElement(") || !strings.Contains(out.Text, "React.Fragment") {
		t.Fatalf("classic JSX = %q", out.Text)
	}

	automatic := classic
	automatic.JSXAutomatic = true
	automatic.JSXImportSource = "preact"
	if out, err = p.Transpile(automatic); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.Text, "preact/jsx-runtime") {
		t.Fatalf("automatic JSX = %q", out.Text)
	}

	preserved := classic
	preserved.TransformJSX = false
	if out, err = p.Transpile(preserved); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.Text, "<div") {
		t.Fatalf("preserved JSX = %q", out.Text)
	}
}

func TestMediaTypeDetection(t *testing.T) {
	tests := []struct {
		specifier, mime string
		want            MediaType
	}{
		{"file:///a.ts", "", TypeScript},
		{"file:///a.mts", "", TypeScript},
		{"file:///a.tsx", "", TSX},
		{"file:///a.jsx", "", JSX},
		{"file:///a.json", "", JSON},
		{"file:///a", "", JavaScript},
		{"https://x.test/mod", "application/typescript; charset=utf-8", TypeScript},
		{"https://x.test/mod.tsx", "application/typescript", TSX},
		{"https://x.test/mod.jsx", "text/javascript", JSX},
		{"https://x.test/mod.js", "text/jsx", JSX},
		{"https://x.test/data", "application/json", JSON},
	}
	for _, tt := range tests {
		p := mustParse(t, ParseParams{Specifier: tt.specifier, Text: "1", MediaType: tt.mime})
		if p.MediaType() != tt.want {
			t.Errorf("%s (%q) = %s, want %s", tt.specifier, tt.mime, p.MediaType(), tt.want)
		}
	}
}

func TestParseErrors(t *testing.T) {
	_, err := ParseModule(ParseParams{Specifier: "a.ts", Text: "1"})
	if !errors.Is(err, ErrBadSpecifier) {
		t.Fatalf("relative specifier: err = %v", err)
	}

	_, err = ParseModule(ParseParams{Specifier: "file:///a.bin", Text: "1", MediaType: "application/octet-stream"})
	if !errors.Is(err, ErrUnknownMediaType) {
		t.Fatalf("unknown media type: err = %v", err)
	}

	_, err = ParseModule(ParseParams{Specifier: "file:///bad.ts", Text: "const = ;"})
	var diag *ParseDiagnostic
	if !errors.As(err, &diag) {
		t.Fatalf("err = %v, want *ParseDiagnostic", err)
	}
	if !errors.Is(err, ErrParse) {
		t.Fatal("ParseDiagnostic does not match ErrParse")
	}
	if diag.Line != 1 || diag.Specifier != "file:///bad.ts" {
		t.Fatalf("diagnostic = %+v", diag)
	}
	if !strings.Contains(diag.Error(), "file:///bad.ts") {
		t.Fatalf("message = %q", diag.Error())
	}
}
