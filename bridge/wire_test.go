package bridge

import (
	"errors"
	"math"
	"testing"
)

func TestUnmarshalScalars(t *testing.T) {
	tests := []struct {
		wire string
		want any
	}{
		{`{"t":"u"}`, nil},
		{`{"t":"b","v":true}`, true},
		{`{"t":"b","v":false}`, false},
		{`{"t":"i","v":0}`, int64(0)},
		{`{"t":"i","v":-1}`, int64(-1)},
		{`{"t":"d","v":2.5}`, 2.5},
		{`{"t":"s","v":""}`, ""},
		{`{"t":"s","v":"héllo"}`, "héllo"},
		{`{"t":"f"}`, FunctionValue},
	}
	for _, tt := range tests {
		got, err := Unmarshal([]byte(tt.wire))
		if err != nil {
			t.Errorf("Unmarshal(%s): %v", tt.wire, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Unmarshal(%s) = %#v, want %#v", tt.wire, got, tt.want)
		}
	}
}

func TestUnmarshalNonFinite(t *testing.T) {
	got, err := Unmarshal([]byte(`{"t":"d","v":"NaN"}`))
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if f, ok := got.(float64); !ok || !math.IsNaN(f) {
		t.Errorf("NaN decoded as %#v", got)
	}
	got, _ = Unmarshal([]byte(`{"t":"d","v":"-Infinity"}`))
	if f, ok := got.(float64); !ok || !math.IsInf(f, -1) {
		t.Errorf("-Infinity decoded as %#v", got)
	}
}

func TestMarshalScalars(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{nil, `{"t":"u","v":null}`},
		{"héllo", `{"t":"s","v":"héllo"}`},
		{true, `{"t":"b","v":true}`},
		{int64(3), `{"t":"d","v":3}`},
		{2.5, `{"t":"d","v":2.5}`},
		{math.Inf(1), `{"t":"d","v":"Infinity"}`},
		{struct{}{}, `{"t":"u","v":null}`},
	}
	for _, tt := range tests {
		got, err := Marshal(tt.in)
		if err != nil {
			t.Errorf("Marshal(%#v): %v", tt.in, err)
			continue
		}
		if string(got) != tt.want {
			t.Errorf("Marshal(%#v) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestMarshalArrayKinds(t *testing.T) {
	list := NewArray(int64(10), int64(20), int64(30))
	got, err := Marshal(list)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"t":"a","v":[{"t":"d","v":10},{"t":"d","v":20},{"t":"d","v":30}]}`
	if string(got) != want {
		t.Errorf("list = %s, want %s", got, want)
	}

	keyed := NewArray()
	_ = keyed.Set("a", int64(1))
	_ = keyed.Set(5, int64(2))
	got, err = Marshal(keyed)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want = `{"t":"o","v":[{"t":"d","v":1},{"t":"d","v":2}],"k":["a","5"]}`
	if string(got) != want {
		t.Errorf("keyed = %s, want %s", got, want)
	}
}

func TestMarshalMapSortsKeys(t *testing.T) {
	got, err := Marshal(map[string]int{"b": 2, "a": 1})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"t":"o","v":[{"t":"d","v":1},{"t":"d","v":2}],"k":["a","b"]}`
	if string(got) != want {
		t.Errorf("Marshal(map) = %s, want %s", got, want)
	}
}

func TestUnmarshalContainers(t *testing.T) {
	got, err := Unmarshal([]byte(`{"t":"o","k":["k","fn"],"v":[{"t":"a","v":[{"t":"i","v":1},{"t":"i","v":2}]},{"t":"f"}]}`))
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	obj, ok := got.(*Object)
	if !ok {
		t.Fatalf("got %T, want *Object", got)
	}
	if obj.ClassName() != "V8Object" {
		t.Errorf("ClassName = %q", obj.ClassName())
	}
	if keys := obj.Keys(); len(keys) != 2 || keys[0] != "k" || keys[1] != "fn" {
		t.Errorf("keys = %v, want [k fn]", keys)
	}
	k, _ := obj.Get("k")
	arr, ok := k.(*Array)
	if !ok {
		t.Fatalf("k is %T, want *Array", k)
	}
	vals := arr.Values()
	if len(vals) != 2 || vals[0] != int64(1) || vals[1] != int64(2) {
		t.Errorf("k = %v, want [1 2]", vals)
	}
	if fn, _ := obj.Get("fn"); fn != "Function" {
		t.Errorf("fn = %v, want Function", fn)
	}
}

func TestUnmarshalArgs(t *testing.T) {
	args, err := UnmarshalArgs([]byte(`{"t":"a","v":[{"t":"i","v":2},{"t":"s","v":"x"}]}`))
	if err != nil {
		t.Fatalf("UnmarshalArgs: %v", err)
	}
	if len(args) != 2 || args[0] != int64(2) || args[1] != "x" {
		t.Errorf("args = %#v", args)
	}

	if _, err := UnmarshalArgs([]byte(`{"t":"s","v":"x"}`)); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("non-array args: err = %v, want ErrInvalidValue", err)
	}
}

func TestMarshalCyclic(t *testing.T) {
	a := NewArray()
	a.Append(a)
	if _, err := Marshal(a); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("cyclic Array: err = %v, want ErrInvalidValue", err)
	}

	o := NewObject()
	inner := NewObject()
	inner.Set("parent", o)
	o.Set("child", inner)
	if _, err := Marshal(o); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("cyclic Object: err = %v, want ErrInvalidValue", err)
	}

	s := make([]any, 1)
	s[0] = s
	if _, err := Marshal(s); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("cyclic slice: err = %v, want ErrInvalidValue", err)
	}
}

func TestMarshalSharedNotCyclic(t *testing.T) {
	shared := NewArray(int64(1))
	if _, err := Marshal([]any{shared, shared}); err != nil {
		t.Errorf("shared sibling rejected: %v", err)
	}
}

func TestMarshalDeep(t *testing.T) {
	var v any = "leaf"
	for i := 0; i < MaxDepth+5; i++ {
		v = NewArray(v)
	}
	if _, err := Marshal(v); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("deep value: err = %v, want ErrInvalidValue", err)
	}

	v = "leaf"
	for i := 0; i < MaxDepth; i++ {
		v = NewArray(v)
	}
	if _, err := Marshal(v); err != nil {
		t.Errorf("value at MaxDepth rejected: %v", err)
	}
}

func TestUnmarshalDeep(t *testing.T) {
	wire := `{"t":"s","v":"leaf"}`
	for i := 0; i < MaxDepth+5; i++ {
		wire = `{"t":"a","v":[` + wire + `]}`
	}
	if _, err := Unmarshal([]byte(wire)); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("deep wire: err = %v, want ErrInvalidValue", err)
	}
}

func TestUnmarshalMalformed(t *testing.T) {
	for _, wire := range []string{`nope`, `{"t":"z"}`, `{"t":"o","k":["a"],"v":[]}`, `{"t":"d","v":"1.5"}`} {
		if _, err := Unmarshal([]byte(wire)); !errors.Is(err, ErrInvalidValue) {
			t.Errorf("Unmarshal(%s): err = %v, want ErrInvalidValue", wire, err)
		}
	}
}
