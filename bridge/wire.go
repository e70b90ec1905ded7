package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
)

// MaxDepth is the deepest nesting either side will encode.
const MaxDepth = 128

// ErrInvalidValue reports a value that cannot cross the bridge: too deeply
// nested, cyclic, or malformed on the wire.
var ErrInvalidValue = errors.New("InvalidValue")

// Wire tags. The JS half of the codec lives in internal/ops and must agree.
const (
	tagUndefined = "u"
	tagString    = "s"
	tagBool      = "b"
	tagInt       = "i"
	tagDouble    = "d"
	tagArray     = "a"
	tagObject    = "o"
	tagFunction  = "f"
)

type node struct {
	T string   `json:"t"`
	V any      `json:"v"`
	K []string `json:"k,omitempty"`
}

type rawNode struct {
	T string          `json:"t"`
	V json.RawMessage `json:"v"`
	K []string        `json:"k"`
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidValue, fmt.Sprintf(format, args...))
}

// Marshal encodes a Go value into the tagged wire form read by the JS
// decoder.
func Marshal(v any) ([]byte, error) {
	enc := encoder{active: make(map[uintptr]bool)}
	n, err := enc.encode(v, 0)
	if err != nil {
		return nil, err
	}
	return json.Marshal(n)
}

// MarshalArgs encodes a positional argument list as a wire array.
func MarshalArgs(args []any) ([]byte, error) {
	if args == nil {
		args = []any{}
	}
	return Marshal(args)
}

type encoder struct {
	active map[uintptr]bool // containers currently being encoded
}

func (e *encoder) enter(ptr uintptr) error {
	if e.active[ptr] {
		return invalid("cyclic value")
	}
	e.active[ptr] = true
	return nil
}

func (e *encoder) leave(ptr uintptr) { delete(e.active, ptr) }

func (e *encoder) encode(v any, depth int) (node, error) {
	if depth > MaxDepth {
		return node{}, invalid("maximum depth %d exceeded", MaxDepth)
	}
	switch x := v.(type) {
	case nil:
		return node{T: tagUndefined}, nil
	case string:
		return node{T: tagString, V: x}, nil
	case bool:
		return node{T: tagBool, V: x}, nil
	case int:
		return number(float64(x)), nil
	case int8:
		return number(float64(x)), nil
	case int16:
		return number(float64(x)), nil
	case int32:
		return number(float64(x)), nil
	case int64:
		return number(float64(x)), nil
	case uint:
		return number(float64(x)), nil
	case uint8:
		return number(float64(x)), nil
	case uint16:
		return number(float64(x)), nil
	case uint32:
		return number(float64(x)), nil
	case uint64:
		return number(float64(x)), nil
	case float32:
		return number(float64(x)), nil
	case float64:
		return number(x), nil
	case *Array:
		if x == nil {
			return node{T: tagUndefined}, nil
		}
		return e.encodeArray(x, depth)
	case *Object:
		if x == nil {
			return node{T: tagUndefined}, nil
		}
		return e.encodeObject(x, depth)
	case []any:
		return e.encodeSlice(reflect.ValueOf(x), depth)
	case map[string]any:
		return e.encodeMap(reflect.ValueOf(x), depth)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		return e.encodeSlice(rv, depth)
	case reflect.Map:
		if rv.Type().Key().Kind() == reflect.String {
			return e.encodeMap(rv, depth)
		}
	}
	// Opaque host value.
	return node{T: tagUndefined}, nil
}

// number encodes a JS number; non-finite values travel as strings because
// JSON cannot carry them.
func number(f float64) node {
	switch {
	case math.IsNaN(f):
		return node{T: tagDouble, V: "NaN"}
	case math.IsInf(f, 1):
		return node{T: tagDouble, V: "Infinity"}
	case math.IsInf(f, -1):
		return node{T: tagDouble, V: "-Infinity"}
	}
	return node{T: tagDouble, V: f}
}

func (e *encoder) encodeArray(a *Array, depth int) (node, error) {
	ptr := reflect.ValueOf(a).Pointer()
	if err := e.enter(ptr); err != nil {
		return node{}, err
	}
	defer e.leave(ptr)

	list := a.IsList()
	keys := a.Keys()
	values := a.Values()
	items := make([]node, len(values))
	for i, v := range values {
		n, err := e.encode(v, depth+1)
		if err != nil {
			return node{}, err
		}
		items[i] = n
	}
	if list {
		return node{T: tagArray, V: items}, nil
	}
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = keyString(k)
	}
	return node{T: tagObject, V: items, K: names}, nil
}

func (e *encoder) encodeObject(o *Object, depth int) (node, error) {
	ptr := reflect.ValueOf(o).Pointer()
	if err := e.enter(ptr); err != nil {
		return node{}, err
	}
	defer e.leave(ptr)

	keys := o.Keys()
	items := make([]node, len(keys))
	for i, k := range keys {
		v, _ := o.Get(k)
		n, err := e.encode(v, depth+1)
		if err != nil {
			return node{}, err
		}
		items[i] = n
	}
	return node{T: tagObject, V: items, K: keys}, nil
}

func (e *encoder) encodeSlice(rv reflect.Value, depth int) (node, error) {
	if rv.Kind() == reflect.Slice {
		if rv.IsNil() {
			return node{T: tagUndefined}, nil
		}
		if rv.Len() > 0 {
			ptr := rv.Pointer()
			if err := e.enter(ptr); err != nil {
				return node{}, err
			}
			defer e.leave(ptr)
		}
	}
	items := make([]node, rv.Len())
	for i := range items {
		n, err := e.encode(rv.Index(i).Interface(), depth+1)
		if err != nil {
			return node{}, err
		}
		items[i] = n
	}
	return node{T: tagArray, V: items}, nil
}

func (e *encoder) encodeMap(rv reflect.Value, depth int) (node, error) {
	if rv.IsNil() {
		return node{T: tagUndefined}, nil
	}
	ptr := rv.Pointer()
	if err := e.enter(ptr); err != nil {
		return node{}, err
	}
	defer e.leave(ptr)

	keys := make([]string, 0, rv.Len())
	for _, k := range rv.MapKeys() {
		keys = append(keys, k.String())
	}
	sort.Strings(keys)
	items := make([]node, len(keys))
	for i, k := range keys {
		n, err := e.encode(rv.MapIndex(reflect.ValueOf(k).Convert(rv.Type().Key())).Interface(), depth+1)
		if err != nil {
			return node{}, err
		}
		items[i] = n
	}
	return node{T: tagObject, V: items, K: keys}, nil
}

// Unmarshal decodes a wire value produced by the JS encoder.
func Unmarshal(data []byte) (any, error) {
	var n rawNode
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, invalid("malformed wire value: %v", err)
	}
	return decode(n, 0)
}

// UnmarshalArgs decodes a wire array into a positional argument list.
func UnmarshalArgs(data []byte) ([]any, error) {
	var n rawNode
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, invalid("malformed wire value: %v", err)
	}
	if n.T != tagArray {
		return nil, invalid("argument list has tag %q", n.T)
	}
	var items []rawNode
	if err := json.Unmarshal(n.V, &items); err != nil {
		return nil, invalid("malformed array: %v", err)
	}
	args := make([]any, len(items))
	for i, item := range items {
		v, err := decode(item, 1)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return args, nil
}

func decode(n rawNode, depth int) (any, error) {
	if depth > MaxDepth {
		return nil, invalid("maximum depth %d exceeded", MaxDepth)
	}
	switch n.T {
	case tagUndefined:
		return nil, nil
	case tagFunction:
		return FunctionValue, nil
	case tagString:
		var s string
		if err := json.Unmarshal(n.V, &s); err != nil {
			return nil, invalid("malformed string: %v", err)
		}
		return s, nil
	case tagBool:
		var b bool
		if err := json.Unmarshal(n.V, &b); err != nil {
			return nil, invalid("malformed boolean: %v", err)
		}
		return b, nil
	case tagInt:
		var i int64
		if err := json.Unmarshal(n.V, &i); err != nil {
			return nil, invalid("malformed integer: %v", err)
		}
		return i, nil
	case tagDouble:
		return decodeDouble(n.V)
	case tagArray:
		var items []rawNode
		if err := json.Unmarshal(n.V, &items); err != nil {
			return nil, invalid("malformed array: %v", err)
		}
		a := NewArray()
		for _, item := range items {
			v, err := decode(item, depth+1)
			if err != nil {
				return nil, err
			}
			a.Append(v)
		}
		return a, nil
	case tagObject:
		var items []rawNode
		if err := json.Unmarshal(n.V, &items); err != nil {
			return nil, invalid("malformed object: %v", err)
		}
		if len(items) != len(n.K) {
			return nil, invalid("object has %d keys and %d values", len(n.K), len(items))
		}
		o := NewObject()
		for i, item := range items {
			v, err := decode(item, depth+1)
			if err != nil {
				return nil, err
			}
			o.Set(n.K[i], v)
		}
		return o, nil
	default:
		return nil, invalid("unknown tag %q", n.T)
	}
}

func decodeDouble(raw json.RawMessage) (any, error) {
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, invalid("malformed number: %v", err)
		}
		switch s {
		case "NaN":
			return math.NaN(), nil
		case "Infinity":
			return math.Inf(1), nil
		case "-Infinity":
			return math.Inf(-1), nil
		}
		return nil, invalid("malformed number %q", s)
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, invalid("malformed number: %v", err)
	}
	return f, nil
}
