package worker

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cryguy/hostjs/core"
)

func testOptions() WorkerOptions {
	return WorkerOptions{
		Stdio:  Stdio{Stdout: io.Discard, Stderr: io.Discard},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func newTestWorker(t *testing.T, mainModule string, perms PermissionsOptions, opts WorkerOptions) *MainWorker {
	t.Helper()
	w, err := New(mainModule, perms, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(w.Close)
	return w
}

func run(t *testing.T, w *MainWorker, src string) string {
	t.Helper()
	out, err := w.ExecuteScript("test.js", src)
	if err != nil {
		t.Fatalf("ExecuteScript(%q): %v", src, err)
	}
	return out
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestDenoArgs(t *testing.T) {
	opts := testOptions()
	opts.Bootstrap = DefaultBootstrap()
	opts.Bootstrap.Args = []string{"--flag"}
	w := newTestWorker(t, "file:///main.js", PermissionsOptions{}, opts)
	if got := run(t, w, "Deno.args.length"); got != "1" {
		t.Fatalf("Deno.args.length = %q, want 1", got)
	}
	if got := run(t, w, "Deno.args[0]"); got != "--flag" {
		t.Fatalf("Deno.args[0] = %q", got)
	}
}

func TestDefaultBootstrap(t *testing.T) {
	w := newTestWorker(t, "file:///main.js", PermissionsOptions{}, testOptions())
	tests := []struct{ js, want string }{
		{"navigator.userAgent", "hello_runtime"},
		{"navigator.hardwareConcurrency", "1"},
		{"Deno.version.deno + '/' + Deno.version.typescript", "x/x"},
		{"Deno.args.length", "0"},
		{"typeof sessionStorage", "object"},
		{"typeof localStorage", "undefined"},
		{"typeof fetch + typeof BroadcastChannel + typeof URL.createObjectURL", "functionfunctionfunction"},
		{"try { new Worker('w.js'); 'no' } catch (e) { e.message }", "Web workers are not supported"},
	}
	for _, tt := range tests {
		if got := run(t, w, tt.js); got != tt.want {
			t.Errorf("%s = %q, want %q", tt.js, got, tt.want)
		}
	}
}

func TestLocation(t *testing.T) {
	opts := testOptions()
	opts.Bootstrap = DefaultBootstrap()
	opts.Bootstrap.Location = "https://app.example.com/base/"
	w := newTestWorker(t, "file:///main.js", PermissionsOptions{}, opts)
	if got := run(t, w, "location.origin"); got != "https://app.example.com" {
		t.Fatalf("location.origin = %q", got)
	}
	if got := run(t, w, "URL.createObjectURL(new Blob(['x'])).startsWith('blob:https://app.example.com/')"); got != "true" {
		t.Fatalf("blob URL origin: %q", got)
	}
}

func TestBadPermission(t *testing.T) {
	_, err := New("file:///main.js", PermissionsOptions{AllowNet: []string{"http://bad/path"}}, testOptions())
	if !errors.Is(err, ErrBadPermission) {
		t.Fatalf("err = %v, want ErrBadPermission", err)
	}
}

func TestBadMainModule(t *testing.T) {
	if _, err := New("main.js", PermissionsOptions{}, testOptions()); !errors.Is(err, core.ErrBadSpecifier) {
		t.Fatalf("err = %v, want ErrBadSpecifier", err)
	}
}

func TestMainModuleWithFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "hello from "+r.URL.Path)
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	writeFile(t, dir, "dep.js", fmt.Sprintf("export const endpoint = %q;\n", srv.URL+"/greet"))
	main := writeFile(t, dir, "main.js", `import { endpoint } from './dep.js';
const res = await fetch(endpoint);
globalThis.result = res.status + ':' + await res.text();
`)

	w := newTestWorker(t, fileURL(main).String(), PermissionsOptions{
		AllowNet:  []string{},
		AllowRead: []string{dir},
	}, testOptions())
	if err := w.ExecuteMainModule(); err != nil {
		t.Fatalf("ExecuteMainModule: %v", err)
	}
	if got := run(t, w, "globalThis.result"); got != "200:hello from /greet" {
		t.Fatalf("result = %q", got)
	}
}

func TestFetchWithoutNetPermission(t *testing.T) {
	w := newTestWorker(t, "file:///main.js", PermissionsOptions{}, testOptions())
	code := `await fetch('https://example.com/');`
	id, err := w.LoadMainModule("file:///main.js", &code)
	if err != nil {
		t.Fatal(err)
	}
	err = w.ModEvaluate(id)
	var ex *core.JSException
	if !errors.As(err, &ex) {
		t.Fatalf("err = %v, want *core.JSException", err)
	}
	if ex.Name != "PermissionDenied" || !strings.Contains(ex.Message, "net access") {
		t.Fatalf("exception = %s: %s", ex.Name, ex.Message)
	}
}

func TestLoaderNeedsReadPermission(t *testing.T) {
	dir := t.TempDir()
	main := writeFile(t, dir, "main.js", "globalThis.loaded = true;")
	w := newTestWorker(t, fileURL(main).String(), PermissionsOptions{}, testOptions())
	err := w.ExecuteMainModule()
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
	if !errors.Is(err, core.ErrLoader) {
		t.Fatalf("err = %v, want ErrLoader", err)
	}
}

func TestJSONModule(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "data.json", `{"name": "hostjs"}`)
	main := writeFile(t, dir, "main.js", `import data from './data.json' with { type: 'json' };
export const name = data.name;`)
	w := newTestWorker(t, fileURL(main).String(), PermissionsOptions{AllowRead: []string{dir}}, testOptions())
	id, err := w.LoadMainModule(fileURL(main).String(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.ModEvaluate(id); err != nil {
		t.Fatal(err)
	}
	ns, err := w.ModuleNamespace(id)
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := ns.Get("name"); v != "hostjs" {
		t.Fatalf("name = %#v", v)
	}
}

func TestDenoExit(t *testing.T) {
	var code int
	opts := testOptions()
	opts.OnExit = func(c int) { code = c }
	w := newTestWorker(t, "file:///main.js", PermissionsOptions{}, opts)
	_, err := w.ExecuteScript("exit.js", "Deno.exit(4)")
	var exit *ExitError
	if !errors.As(err, &exit) || exit.Code != 4 {
		t.Fatalf("err = %v, want ExitError with code 4", err)
	}
	if code != 4 || w.ExitCode() != 4 {
		t.Fatalf("exit code = %d/%d", code, w.ExitCode())
	}
}

func TestSessionStorage(t *testing.T) {
	w := newTestWorker(t, "file:///main.js", PermissionsOptions{}, testOptions())
	run(t, w, "sessionStorage.setItem('visits', '1')")
	if got := run(t, w, "sessionStorage.getItem('visits')"); got != "1" {
		t.Fatalf("visits = %q", got)
	}

	other := newTestWorker(t, "file:///main.js", PermissionsOptions{}, testOptions())
	if got := run(t, other, "String(sessionStorage.getItem('visits'))"); got != "null" {
		t.Fatalf("sessionStorage leaked between workers: %q", got)
	}
}

func TestLocalStoragePersists(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	opts.StorageDir = dir

	w, err := New("file:///main.js", PermissionsOptions{}, opts)
	if err != nil {
		t.Fatal(err)
	}
	run(t, w, "localStorage.token = 'abc'")
	w.Close()

	w2 := newTestWorker(t, "file:///main.js", PermissionsOptions{}, opts)
	if got := run(t, w2, "localStorage.getItem('token')"); got != "abc" {
		t.Fatalf("token = %q", got)
	}
}

func TestBroadcastBetweenWorkers(t *testing.T) {
	opts := testOptions()
	opts.Broadcast = NewBroadcastHub()
	a := newTestWorker(t, "file:///a.js", PermissionsOptions{}, opts)
	b := newTestWorker(t, "file:///b.js", PermissionsOptions{}, opts)

	run(t, b, "globalThis.inbox = []; new BroadcastChannel('jobs').onmessage = (e) => inbox.push(e.data.n);")
	run(t, a, "new BroadcastChannel('jobs').postMessage({ n: 7 })")
	if err := b.RunEventLoop(); err != nil {
		t.Fatal(err)
	}
	if got := run(t, b, "inbox.join()"); got != "7" {
		t.Fatalf("inbox = %q", got)
	}
}

func TestZeroBroadcastHubIsShared(t *testing.T) {
	opts := testOptions()
	opts.Broadcast = &BroadcastHub{}
	opts.Blobs = &BlobStore{}
	a := newTestWorker(t, "file:///a.js", PermissionsOptions{}, opts)
	b := newTestWorker(t, "file:///b.js", PermissionsOptions{}, opts)

	run(t, b, "globalThis.inbox = ''; new BroadcastChannel('zero').onmessage = (e) => { inbox = e.data; };")
	run(t, a, "new BroadcastChannel('zero').postMessage(URL.createObjectURL(new Blob(['y'])).slice(0, 5))")
	if err := b.RunEventLoop(); err != nil {
		t.Fatal(err)
	}
	if got := run(t, b, "inbox"); got != "blob:" {
		t.Fatalf("inbox = %q", got)
	}
	if opts.Blobs.Len() != 1 {
		t.Fatalf("shared store has %d blobs, want 1", opts.Blobs.Len())
	}
}

func TestExtensionsAndSnapshot(t *testing.T) {
	ext := &core.Extension{
		Name: "echo",
		Ops: map[string]core.OpFunc{
			"echo": func(args ...any) (any, error) { return args[0], nil },
		},
		JSFiles: []core.JSFile{{Filename: "bootstrap.js", Code: "globalThis.echo = (s) => core.ops.echo(s);"}},
	}
	opts := testOptions()
	opts.Extensions = []*core.Extension{ext}
	opts.WillSnapshot = true
	w := newTestWorker(t, "file:///main.js", PermissionsOptions{}, opts)
	if got := run(t, w, "echo('hi')"); got != "hi" {
		t.Fatalf("echo = %q", got)
	}
	run(t, w, "globalThis.saved = echo('kept')")
	snap, err := w.Snapshot()
	if err != nil {
		t.Fatal(err)
	}

	opts.WillSnapshot = false
	opts.StartupSnapshot = snap
	restored := newTestWorker(t, "file:///main.js", PermissionsOptions{}, opts)
	if got := run(t, restored, "saved"); got != "kept" {
		t.Fatalf("saved = %q", got)
	}
}
