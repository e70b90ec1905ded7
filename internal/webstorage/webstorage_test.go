package webstorage

import (
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cryguy/hostjs/internal/backend"
	"github.com/cryguy/hostjs/internal/engine"
	"github.com/cryguy/hostjs/internal/eventloop"
	"github.com/cryguy/hostjs/internal/ops"
	"github.com/cryguy/hostjs/internal/webapi"
)

func newMemoryStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreBasics(t *testing.T) {
	s := newMemoryStore(t)
	for _, kv := range [][2]string{{"b", "1"}, {"a", "2"}, {"c", "3"}} {
		if err := s.SetItem(kv[0], kv[1]); err != nil {
			t.Fatalf("SetItem(%q): %v", kv[0], err)
		}
	}
	if err := s.SetItem("b", "updated"); err != nil {
		t.Fatal(err)
	}

	v, ok, err := s.GetItem("b")
	if err != nil || !ok || v != "updated" {
		t.Fatalf("GetItem(b) = %q, %v, %v", v, ok, err)
	}
	if _, ok, _ := s.GetItem("missing"); ok {
		t.Fatal("missing key reported present")
	}

	keys, err := s.Keys()
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(keys, ","); got != "b,a,c" {
		t.Fatalf("keys = %q, want insertion order b,a,c", got)
	}
	if k, ok, _ := s.Key(1); !ok || k != "a" {
		t.Fatalf("Key(1) = %q, %v", k, ok)
	}
	if _, ok, _ := s.Key(3); ok {
		t.Fatal("Key past the end should be absent")
	}

	if err := s.RemoveItem("a"); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.Len(); n != 2 {
		t.Fatalf("Len = %d, want 2", n)
	}
	if err := s.Clear(); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.Len(); n != 0 {
		t.Fatalf("Len after Clear = %d", n)
	}
}

func TestStoreQuota(t *testing.T) {
	s := newMemoryStore(t)
	big := strings.Repeat("x", MaxBytes/2)
	if err := s.SetItem("one", big); err != nil {
		t.Fatal(err)
	}
	if err := s.SetItem("two", big); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("second half-quota write: err = %v, want ErrQuotaExceeded", err)
	}
	// Replacing a value only counts the new size.
	if err := s.SetItem("one", big); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
}

func TestFileStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "local.sqlite3")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetItem("k", "v"); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if v, ok, _ := s.GetItem("k"); !ok || v != "v" {
		t.Fatalf("reopened GetItem = %q, %v", v, ok)
	}
}

func newStorageRuntime(t *testing.T, areas Areas) engine.Runtime {
	t.Helper()
	rt, err := backend.New(engine.Config{})
	if err != nil {
		t.Fatalf("backend.New: %v", err)
	}
	t.Cleanup(rt.Close)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	setup := webapi.Chain(
		func(rt engine.Runtime, _ *eventloop.EventLoop) error {
			return ops.Install(rt, ops.NewRegistry(), logger)
		},
		webapi.SetupEvents,
		Setup(areas),
	)
	if err := setup(rt, eventloop.New()); err != nil {
		t.Fatalf("setup: %v", err)
	}
	return rt
}

func TestStorageGlobals(t *testing.T) {
	session := newMemoryStore(t)
	rt := newStorageRuntime(t, Areas{Session: session})

	tests := []struct{ js, want string }{
		{`typeof localStorage`, "undefined"},
		{`sessionStorage.setItem('a', 1); sessionStorage.getItem('a')`, "1"},
		{`sessionStorage.b = 'two'; sessionStorage.getItem('b')`, "two"},
		{`String(sessionStorage.getItem('nope'))`, "null"},
		{`String(sessionStorage.length)`, "2"},
		{`sessionStorage.key(1)`, "b"},
		{`Object.keys(sessionStorage).join()`, "a,b"},
		{`String('a' in sessionStorage)`, "true"},
		{`delete sessionStorage.a; String(sessionStorage.length)`, "1"},
		{`String(sessionStorage instanceof Storage)`, "true"},
		{`try { new Storage(); 'no' } catch (e) { e.name }`, "TypeError"},
		{`sessionStorage.clear(); String(sessionStorage.length)`, "0"},
	}
	for _, tt := range tests {
		got, err := rt.EvalString(tt.js)
		if err != nil {
			t.Fatalf("%s: %v", tt.js, err)
		}
		if got != tt.want {
			t.Errorf("%s = %q, want %q", tt.js, got, tt.want)
		}
	}
	if n, _ := session.Len(); n != 0 {
		t.Fatalf("store still has %d keys", n)
	}
}

func TestStorageQuotaError(t *testing.T) {
	rt := newStorageRuntime(t, Areas{Local: newMemoryStore(t)})
	got, err := rt.EvalString(`try {
		localStorage.setItem('k', 'x'.repeat(` + "10 * 1024 * 1024" + `));
		'no';
	} catch (e) { e.name }`)
	if err != nil {
		t.Fatal(err)
	}
	if got != "QuotaExceededError" {
		t.Fatalf("got %q", got)
	}
}
