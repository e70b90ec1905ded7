package snapshot

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
)

func TestEncodeDecode(t *testing.T) {
	j := &Journal{
		Engine:     "quickjs",
		Extensions: []string{"echo"},
		Entries: []Entry{
			{Kind: KindScript, Name: "init.js", Code: "globalThis.x = 1;"},
			{Kind: KindModule, Name: "file:///main.js", Code: "__hostModuleStart(1, async function() {})", ID: 1, Main: true},
		},
	}
	data, err := Encode(j)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("HJSS")) || data[4] != Version {
		t.Fatalf("header = %q", data[:5])
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !reflect.DeepEqual(got, j) {
		t.Errorf("Decode = %+v, want %+v", got, j)
	}
}

func TestEmptyJournalIsNonEmptyBytes(t *testing.T) {
	data, err := Encode(&Journal{Engine: "v8"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(data) <= 5 {
		t.Errorf("len = %d, want a payload after the header", len(data))
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	good, err := Encode(&Journal{Engine: "quickjs"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	badVersion := append([]byte(nil), good...)
	badVersion[4] = Version + 1
	truncated := good[:len(good)/2]

	for name, data := range map[string][]byte{
		"empty":       nil,
		"bad magic":   []byte("XXXX\x01abc"),
		"bad version": badVersion,
		"truncated":   truncated,
		"not brotli":  append([]byte("HJSS\x01"), 0xff, 0xfe, 0xfd),
	} {
		if _, err := Decode(data); !errors.Is(err, ErrCorrupt) {
			t.Errorf("%s: Decode = %v, want ErrCorrupt", name, err)
		}
	}
}
