package webapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"

	"github.com/cryguy/hostjs/internal/engine"
	"github.com/cryguy/hostjs/internal/eventloop"
)

const encodingJS = `
(function() {
	function invalidChar(msg) {
		return typeof DOMException === 'function'
			? new DOMException(msg, 'InvalidCharacterError')
			: new Error(msg);
	}

	globalThis.btoa = function(data) {
		if (arguments.length < 1) throw new TypeError('btoa requires 1 argument');
		var s = String(data);
		for (var i = 0; i < s.length; i++) {
			if (s.charCodeAt(i) > 255) throw invalidChar('The string to be encoded contains characters outside of the Latin1 range.');
		}
		return __btoa(s);
	};
	globalThis.atob = function(data) {
		if (arguments.length < 1) throw new TypeError('atob requires 1 argument');
		var r = JSON.parse(__atob(String(data)));
		if (r.error) throw invalidChar(r.error);
		return r.v;
	};

	function toBytes(buf) {
		if (buf === undefined || buf === null) return new Uint8Array(0);
		if (buf instanceof ArrayBuffer) return new Uint8Array(buf);
		if (ArrayBuffer.isView(buf)) return new Uint8Array(buf.buffer, buf.byteOffset, buf.byteLength);
		throw new TypeError('The provided value is not of type (ArrayBuffer or ArrayBufferView)');
	}

	function bytesToB64(bytes) {
		bytes = toBytes(bytes);
		var parts = [];
		for (var i = 0; i < bytes.length; i += 8192) {
			parts.push(String.fromCharCode.apply(null, bytes.subarray(i, Math.min(i + 8192, bytes.length))));
		}
		return __btoa(parts.join(''));
	}
	function b64ToBytes(b64) {
		var bin = atob(b64);
		var out = new Uint8Array(bin.length);
		for (var i = 0; i < bin.length; i++) out[i] = bin.charCodeAt(i);
		return out;
	}
	Object.defineProperty(globalThis, '__bytesToB64', { value: bytesToB64 });
	Object.defineProperty(globalThis, '__b64ToBytes', { value: b64ToBytes });
	Object.defineProperty(globalThis, '__toBytes', { value: toBytes });

	var REPLACEMENT = 0xFFFD;

	function utf8Encode(str) {
		var out = [];
		for (var i = 0; i < str.length; i++) {
			var c = str.charCodeAt(i);
			if (c >= 0xD800 && c <= 0xDBFF && i + 1 < str.length) {
				var n = str.charCodeAt(i + 1);
				if (n >= 0xDC00 && n <= 0xDFFF) {
					c = 0x10000 + ((c - 0xD800) << 10) + (n - 0xDC00);
					i++;
				} else {
					c = REPLACEMENT;
				}
			} else if (c >= 0xD800 && c <= 0xDFFF) {
				c = REPLACEMENT;
			}
			if (c < 0x80) out.push(c);
			else if (c < 0x800) out.push(0xC0 | (c >> 6), 0x80 | (c & 0x3F));
			else if (c < 0x10000) out.push(0xE0 | (c >> 12), 0x80 | ((c >> 6) & 0x3F), 0x80 | (c & 0x3F));
			else out.push(0xF0 | (c >> 18), 0x80 | ((c >> 12) & 0x3F), 0x80 | ((c >> 6) & 0x3F), 0x80 | (c & 0x3F));
		}
		return new Uint8Array(out);
	}

	class TextEncoder {
		get encoding() { return 'utf-8'; }
		encode(input) {
			return utf8Encode(input === undefined ? '' : String(input));
		}
		encodeInto(source, destination) {
			source = String(source);
			var read = 0, written = 0;
			for (var i = 0; i < source.length; i++) {
				var c = source.charCodeAt(i);
				var units = 1;
				if (c >= 0xD800 && c <= 0xDBFF && i + 1 < source.length) {
					var n = source.charCodeAt(i + 1);
					if (n >= 0xDC00 && n <= 0xDFFF) units = 2;
				}
				var bytes = utf8Encode(source.substr(i, units));
				if (written + bytes.length > destination.length) break;
				destination.set(bytes, written);
				written += bytes.length;
				read += units;
				i += units - 1;
			}
			return { read: read, written: written };
		}
		get [Symbol.toStringTag]() { return 'TextEncoder'; }
	}

	class TextDecoder {
		constructor(label, options) {
			var info = JSON.parse(__textDecoderLabel(label === undefined ? 'utf-8' : String(label)));
			if (info.error) throw new RangeError(info.error);
			this._encoding = info.name;
			this._fatal = !!(options && options.fatal);
			this._ignoreBOM = !!(options && options.ignoreBOM);
			this._pending = '';
			this._started = false;
		}
		get encoding() { return this._encoding; }
		get fatal() { return this._fatal; }
		get ignoreBOM() { return this._ignoreBOM; }
		decode(input, options) {
			var stream = !!(options && options.stream);
			var r = JSON.parse(__textDecode(this._encoding, this._pending, bytesToB64(input),
				this._fatal, this._ignoreBOM || this._started, stream));
			if (r.error) {
				this._pending = '';
				this._started = false;
				throw new TypeError(r.error);
			}
			this._pending = r.rest;
			this._started = stream && (this._started || r.consumed);
			return r.text;
		}
		get [Symbol.toStringTag]() { return 'TextDecoder'; }
	}

	globalThis.TextEncoder = TextEncoder;
	globalThis.TextDecoder = TextDecoder;
})();
`

var errInvalidBase64 = errors.New("The string to be decoded is not correctly encoded.")

// atob implements the forgiving-base64 decode. The result is a binary
// string: one rune per byte.
func atob(s string) (string, error) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '\t', '\n', '\f', '\r', ' ':
			return -1
		}
		return r
	}, s)
	if len(s)%4 == 0 {
		s = strings.TrimSuffix(s, "=")
		s = strings.TrimSuffix(s, "=")
	}
	if len(s)%4 == 1 {
		return "", errInvalidBase64
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '+' || c == '/') {
			return "", errInvalidBase64
		}
	}
	raw, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return "", errInvalidBase64
	}
	return latin1(raw), nil
}

// btoa encodes a binary string. Callers have already rejected code units
// above 0xFF.
func btoa(s string) string {
	return base64.StdEncoding.EncodeToString(binaryBytes(s))
}

func latin1(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b))
	for _, c := range b {
		sb.WriteRune(rune(c))
	}
	return sb.String()
}

func binaryBytes(s string) []byte {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		out = append(out, byte(r))
	}
	return out
}

func lookupEncoding(label string) (encoding.Encoding, string, error) {
	enc, err := htmlindex.Get(strings.TrimSpace(label))
	if err != nil {
		return nil, "", fmt.Errorf("The encoding label provided ('%s') is invalid.", label)
	}
	name, err := htmlindex.Name(enc)
	if err != nil {
		return nil, "", fmt.Errorf("The encoding label provided ('%s') is invalid.", label)
	}
	return enc, name, nil
}

type decodeResult struct {
	Text     string `json:"text"`
	Rest     string `json:"rest"`
	Consumed bool   `json:"consumed"`
	Error    string `json:"error,omitempty"`
}

// decodeText decodes pending+chunk. In stream mode an incomplete trailing
// sequence is handed back in Rest instead of being replaced.
func decodeText(label string, pending, chunk []byte, fatal, keepBOM, stream bool) decodeResult {
	enc, name, err := lookupEncoding(label)
	if err != nil {
		return decodeResult{Error: err.Error()}
	}
	src := append(pending, chunk...)
	if fatal && name == "utf-8" {
		check := src
		if stream {
			check = src[:validPrefix(src)]
		}
		if !utf8.Valid(check) {
			return decodeResult{Error: "The encoded data was not valid for encoding " + name}
		}
	}

	dec := enc.NewDecoder()
	dst := make([]byte, 3*len(src)+16)
	for {
		nDst, nSrc, err := dec.Transform(dst, src, !stream)
		if errors.Is(err, transform.ErrShortDst) {
			dst = make([]byte, 2*len(dst))
			dec.Reset()
			continue
		}
		if err != nil && !errors.Is(err, transform.ErrShortSrc) {
			return decodeResult{Error: err.Error()}
		}
		text := string(dst[:nDst])
		if !keepBOM {
			text = strings.TrimPrefix(text, string(rune(0xFEFF)))
		}
		return decodeResult{
			Text:     text,
			Rest:     base64.StdEncoding.EncodeToString(src[nSrc:]),
			Consumed: nSrc > 0,
		}
	}
}

// validPrefix returns the length of src without a trailing incomplete
// UTF-8 sequence.
func validPrefix(src []byte) int {
	for i := len(src) - 1; i >= 0 && i >= len(src)-3; i-- {
		if utf8.RuneStart(src[i]) {
			if !utf8.FullRune(src[i:]) {
				return i
			}
			break
		}
	}
	return len(src)
}

func jsonString(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

// SetupEncoding installs atob, btoa, TextEncoder and TextDecoder. Every
// WHATWG encoding label is accepted by TextDecoder.
func SetupEncoding(rt engine.Runtime, _ *eventloop.EventLoop) error {
	if err := rt.RegisterFunc("__btoa", btoa); err != nil {
		return err
	}
	if err := rt.RegisterFunc("__atob", func(s string) string {
		v, err := atob(s)
		if err != nil {
			return jsonString(map[string]string{"error": err.Error()})
		}
		return jsonString(map[string]string{"v": v})
	}); err != nil {
		return err
	}
	if err := rt.RegisterFunc("__textDecoderLabel", func(label string) string {
		_, name, err := lookupEncoding(label)
		if err != nil {
			return jsonString(map[string]string{"error": err.Error()})
		}
		return jsonString(map[string]string{"name": name})
	}); err != nil {
		return err
	}
	if err := rt.RegisterFunc("__textDecode", func(label, pendingB64, chunkB64 string, fatal, keepBOM, stream bool) string {
		pending, err1 := base64.StdEncoding.DecodeString(pendingB64)
		chunk, err2 := base64.StdEncoding.DecodeString(chunkB64)
		if err := errors.Join(err1, err2); err != nil {
			return jsonString(decodeResult{Error: err.Error()})
		}
		return jsonString(decodeText(label, pending, chunk, fatal, keepBOM, stream))
	}); err != nil {
		return err
	}
	if err := rt.Eval(encodingJS); err != nil {
		return fmt.Errorf("evaluating encoding.js: %w", err)
	}
	return nil
}
