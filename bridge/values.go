// Package bridge converts values between Go and JavaScript.
//
// JS values arrive in Go as:
//
//	string           string
//	null, undefined  nil
//	boolean          bool
//	int32 number     int64
//	other number     float64
//	array            *Array
//	function         "Function"
//	object           *Object
//
// Going the other way, strings, numbers, booleans and nil map to their JS
// counterparts. An *Array becomes a JS array when every key is an integer
// and a plain object as soon as one key is a string. Slices and
// map[string]T are accepted for convenience. Anything else is opaque and
// becomes null.
//
// Nesting deeper than MaxDepth and cyclic values fail with ErrInvalidValue
// in both directions.
package bridge

import (
	"fmt"
	"strconv"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ObjectClass is the pseudo-class name reported for JS objects.
const ObjectClass = "V8Object"

// FunctionValue is what a JS function turns into on the Go side.
const FunctionValue = "Function"

// Array is an ordered keyed sequence. Keys are int64 or string; insertion
// order is preserved.
type Array struct {
	m    *orderedmap.OrderedMap[any, any]
	next int64
}

// NewArray returns an Array holding values under keys 0..len(values)-1.
func NewArray(values ...any) *Array {
	a := &Array{m: orderedmap.New[any, any]()}
	for _, v := range values {
		a.Append(v)
	}
	return a
}

func (a *Array) init() {
	if a.m == nil {
		a.m = orderedmap.New[any, any]()
	}
}

// normalizeKey maps every Go integer kind to int64 and keeps strings.
func normalizeKey(key any) (any, error) {
	switch k := key.(type) {
	case string:
		return k, nil
	case int:
		return int64(k), nil
	case int8:
		return int64(k), nil
	case int16:
		return int64(k), nil
	case int32:
		return int64(k), nil
	case int64:
		return k, nil
	case uint:
		return int64(k), nil
	case uint8:
		return int64(k), nil
	case uint16:
		return int64(k), nil
	case uint32:
		return int64(k), nil
	default:
		return nil, fmt.Errorf("bridge: unsupported array key type %T", key)
	}
}

// Append stores v under the next integer key: one past the largest
// integer key seen so far.
func (a *Array) Append(v any) {
	a.init()
	a.m.Set(a.next, v)
	a.next++
}

// Set stores v under key, which must be a Go integer or a string.
func (a *Array) Set(key, v any) error {
	k, err := normalizeKey(key)
	if err != nil {
		return err
	}
	a.init()
	a.m.Set(k, v)
	if n, ok := k.(int64); ok && n >= a.next {
		a.next = n + 1
	}
	return nil
}

// Get returns the value stored under key.
func (a *Array) Get(key any) (any, bool) {
	k, err := normalizeKey(key)
	if err != nil || a.m == nil {
		return nil, false
	}
	return a.m.Get(k)
}

// Len returns the number of entries.
func (a *Array) Len() int {
	if a.m == nil {
		return 0
	}
	return a.m.Len()
}

// Keys returns the keys in insertion order.
func (a *Array) Keys() []any {
	keys := make([]any, 0, a.Len())
	if a.m == nil {
		return keys
	}
	for p := a.m.Oldest(); p != nil; p = p.Next() {
		keys = append(keys, p.Key)
	}
	return keys
}

// Values returns the values in insertion order.
func (a *Array) Values() []any {
	values := make([]any, 0, a.Len())
	if a.m == nil {
		return values
	}
	for p := a.m.Oldest(); p != nil; p = p.Next() {
		values = append(values, p.Value)
	}
	return values
}

// IsList reports whether every key is an integer, i.e. whether the Array
// crosses into JS as an array rather than an object.
func (a *Array) IsList() bool {
	if a.m == nil {
		return true
	}
	for p := a.m.Oldest(); p != nil; p = p.Next() {
		if _, ok := p.Key.(string); ok {
			return false
		}
	}
	return true
}

// Object is a JS object seen from Go: ordered string-keyed own properties.
type Object struct {
	props *orderedmap.OrderedMap[string, any]
}

// NewObject returns an empty Object.
func NewObject() *Object {
	return &Object{props: orderedmap.New[string, any]()}
}

func (o *Object) init() {
	if o.props == nil {
		o.props = orderedmap.New[string, any]()
	}
}

// ClassName returns the pseudo-class name, always ObjectClass.
func (o *Object) ClassName() string { return ObjectClass }

// Set stores a property, keeping its original position if it exists.
func (o *Object) Set(key string, v any) {
	o.init()
	o.props.Set(key, v)
}

// Get returns a property value.
func (o *Object) Get(key string) (any, bool) {
	if o.props == nil {
		return nil, false
	}
	return o.props.Get(key)
}

// Has reports whether the property exists.
func (o *Object) Has(key string) bool {
	_, ok := o.Get(key)
	return ok
}

// Delete removes a property.
func (o *Object) Delete(key string) {
	if o.props != nil {
		o.props.Delete(key)
	}
}

// Len returns the number of properties.
func (o *Object) Len() int {
	if o.props == nil {
		return 0
	}
	return o.props.Len()
}

// Keys returns property names in insertion order.
func (o *Object) Keys() []string {
	keys := make([]string, 0, o.Len())
	if o.props == nil {
		return keys
	}
	for p := o.props.Oldest(); p != nil; p = p.Next() {
		keys = append(keys, p.Key)
	}
	return keys
}

// keyString renders an Array key as a JS property name.
func keyString(k any) string {
	switch v := k.(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return fmt.Sprint(v)
	}
}
