package modules

import (
	"fmt"
	"strings"
)

// Dynamic import() calls and import.meta reach the registry through
// rewritten call sites: esbuild would inline a literal import() into the
// bundle and cannot follow a computed one, and a classic script has no
// module machinery at all. The scanner below only needs to tell code from
// strings, templates, comments and regular expressions.

type tokKind uint8

const (
	tokPunct tokKind = iota
	tokIdent
	tokNumber
	tokString
	tokTemplate
	tokRegexp
)

type token struct {
	kind       tokKind
	start, end int
}

// Words after which a slash starts a regular expression.
var regexpAfterWord = map[string]bool{
	"return": true, "typeof": true, "instanceof": true, "in": true, "of": true,
	"new": true, "delete": true, "void": true, "throw": true, "case": true,
	"do": true, "else": true, "yield": true, "await": true,
}

func isIdentStart(c byte) bool {
	return c == '_' || c == '$' || c == '\\' || c >= 0x80 ||
		('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || isDigit(c)
}

func isDigit(c byte) bool { return '0' <= c && c <= '9' }

func tokenize(src string) []token {
	var toks []token
	var braces []bool // true for a brace that opened a template substitution
	i := 0
	if strings.HasPrefix(src, "#!") {
		i = skipLine(src, 0)
	}
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\v' || c == '\f':
			i++
		case c == '/' && i+1 < len(src) && src[i+1] == '/':
			i = skipLine(src, i)
		case c == '/' && i+1 < len(src) && src[i+1] == '*':
			if j := strings.Index(src[i+2:], "*/"); j >= 0 {
				i += j + 4
			} else {
				i = len(src)
			}
		case c == '\'' || c == '"':
			j := scanString(src, i)
			toks = append(toks, token{tokString, i, j})
			i = j
		case c == '`':
			j, open := scanTemplate(src, i+1)
			toks = append(toks, token{tokTemplate, i, j})
			if open {
				braces = append(braces, true)
			}
			i = j
		case c == '}' && len(braces) > 0 && braces[len(braces)-1]:
			braces = braces[:len(braces)-1]
			j, open := scanTemplate(src, i+1)
			toks = append(toks, token{tokTemplate, i, j})
			if open {
				braces = append(braces, true)
			}
			i = j
		case c == '{':
			braces = append(braces, false)
			toks = append(toks, token{tokPunct, i, i + 1})
			i++
		case c == '}':
			if len(braces) > 0 {
				braces = braces[:len(braces)-1]
			}
			toks = append(toks, token{tokPunct, i, i + 1})
			i++
		case isIdentStart(c):
			j := i + 1
			for j < len(src) && isIdentPart(src[j]) {
				j++
			}
			toks = append(toks, token{tokIdent, i, j})
			i = j
		case isDigit(c) || (c == '.' && i+1 < len(src) && isDigit(src[i+1])):
			j := i + 1
			for j < len(src) && (isIdentPart(src[j]) || src[j] == '.') {
				j++
			}
			toks = append(toks, token{tokNumber, i, j})
			i = j
		case c == '/' && regexpAllowed(src, toks):
			if j := scanRegexp(src, i); j > 0 {
				toks = append(toks, token{tokRegexp, i, j})
				i = j
				continue
			}
			toks = append(toks, token{tokPunct, i, i + 1})
			i++
		default:
			toks = append(toks, token{tokPunct, i, i + 1})
			i++
		}
	}
	return toks
}

func skipLine(src string, i int) int {
	if j := strings.IndexByte(src[i:], '\n'); j >= 0 {
		return i + j + 1
	}
	return len(src)
}

func scanString(src string, i int) int {
	q := src[i]
	for j := i + 1; j < len(src); j++ {
		switch src[j] {
		case '\\':
			j++
		case q:
			return j + 1
		case '\n':
			return j
		}
	}
	return len(src)
}

// scanTemplate scans template text from j. open reports that the text
// ended at a "${" rather than the closing backtick.
func scanTemplate(src string, j int) (end int, open bool) {
	for ; j < len(src); j++ {
		switch src[j] {
		case '\\':
			j++
		case '`':
			return j + 1, false
		case '$':
			if j+1 < len(src) && src[j+1] == '{' {
				return j + 2, true
			}
		}
	}
	return len(src), false
}

// scanRegexp returns the end of the regular expression at i, or -1 when
// the line ends first.
func scanRegexp(src string, i int) int {
	inClass := false
	for j := i + 1; j < len(src); j++ {
		switch src[j] {
		case '\\':
			j++
		case '\n', '\r':
			return -1
		case '[':
			inClass = true
		case ']':
			inClass = false
		case '/':
			if inClass {
				continue
			}
			j++
			for j < len(src) && isIdentPart(src[j]) {
				j++
			}
			return j
		}
	}
	return -1
}

func regexpAllowed(src string, toks []token) bool {
	if len(toks) == 0 {
		return true
	}
	last := toks[len(toks)-1]
	text := src[last.start:last.end]
	switch last.kind {
	case tokIdent:
		return regexpAfterWord[text]
	case tokTemplate:
		return strings.HasSuffix(text, "${")
	case tokPunct:
		return text != ")" && text != "]" && text != "}"
	default:
		return false
	}
}

func punctAt(src string, toks []token, i int, c byte) bool {
	return i >= 0 && i < len(toks) && toks[i].kind == tokPunct && src[toks[i].start] == c
}

func identAt(src string, toks []token, i int, word string) bool {
	return i < len(toks) && toks[i].kind == tokIdent && src[toks[i].start:toks[i].end] == word
}

// matchParen returns the index of the token closing the parenthesis at open.
func matchParen(src string, toks []token, open int) int {
	depth := 0
	for i := open; i < len(toks); i++ {
		switch {
		case punctAt(src, toks, i, '('):
			depth++
		case punctAt(src, toks, i, ')'):
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// rewriteImports turns import(x) into __hostImport(referrer, x) and, when
// module is set, import.meta into __hostImportMeta(referrer, main).
// Property accesses and methods named import are left alone.
func rewriteImports(src, referrer string, module, main bool) string {
	if !strings.Contains(src, "import") {
		return src
	}
	toks := tokenize(src)
	ref := quote(referrer)
	var b strings.Builder
	last, changed := 0, false
	for i, t := range toks {
		if t.kind != tokIdent || src[t.start:t.end] != "import" {
			continue
		}
		if punctAt(src, toks, i-1, '.') && !punctAt(src, toks, i-2, '.') {
			continue
		}
		switch {
		case punctAt(src, toks, i+1, '('):
			end := matchParen(src, toks, i+1)
			if end < 0 || punctAt(src, toks, end+1, '{') {
				continue
			}
			b.WriteString(src[last:t.start])
			b.WriteString("__hostImport(" + ref + ", ")
			last = toks[i+1].end
		case module && punctAt(src, toks, i+1, '.') && identAt(src, toks, i+2, "meta"):
			b.WriteString(src[last:t.start])
			fmt.Fprintf(&b, "__hostImportMeta(%s, %t)", ref, main)
			last = toks[i+2].end
		default:
			continue
		}
		changed = true
	}
	if !changed {
		return src
	}
	b.WriteString(src[last:])
	return b.String()
}

// RewriteScript prepares a classic script so its import() calls load
// modules through the registry. name is the script's name; a name that is
// not an absolute URL resolves specifiers against the loader's base.
func RewriteScript(name, source string) string {
	referrer := "."
	if _, err := ParseURL(name); err == nil {
		referrer = name
	}
	return rewriteImports(source, referrer, false, false)
}
