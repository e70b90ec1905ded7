package permissions

import (
	"errors"
	"net/url"
	"path/filepath"
	"testing"
)

func mustNew(t *testing.T, opts Options) *Container {
	t.Helper()
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNilDeniesEmptyAllows(t *testing.T) {
	deny := mustNew(t, Options{})
	if err := deny.CheckNet("example.com:443"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("nil allow_net: got %v, want denial", err)
	}
	if err := deny.CheckEnv("HOME"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("nil allow_env: got %v, want denial", err)
	}

	allow := mustNew(t, Options{AllowNet: []string{}, AllowEnv: []string{}})
	if err := allow.CheckNet("example.com:443"); err != nil {
		t.Fatalf("empty allow_net: %v", err)
	}
	if err := allow.CheckEnvAll(); err != nil {
		t.Fatalf("empty allow_env: %v", err)
	}
}

func TestNetAllowList(t *testing.T) {
	c := mustNew(t, Options{AllowNet: []string{"Example.COM", "localhost:8080", "bücher.example"}})

	tests := []struct {
		target string
		ok     bool
	}{
		{"example.com:443", true},
		{"example.com", true},
		{"localhost:8080", true},
		{"localhost:9090", false},
		{"other.com:80", false},
		{"xn--bcher-kva.example:443", true},
	}
	for _, tt := range tests {
		err := c.CheckNet(tt.target)
		if tt.ok && err != nil {
			t.Errorf("CheckNet(%q) = %v, want nil", tt.target, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("CheckNet(%q) = nil, want denial", tt.target)
		}
	}
}

func TestCheckURLUsesDefaultPort(t *testing.T) {
	c := mustNew(t, Options{AllowNet: []string{"example.com:443"}})
	u, _ := url.Parse("https://example.com/path")
	if err := c.CheckURL(u); err != nil {
		t.Fatalf("https default port: %v", err)
	}
	u, _ = url.Parse("http://example.com/path")
	if err := c.CheckURL(u); err == nil {
		t.Fatal("http on port 80 should be denied")
	}
}

func TestBadEntries(t *testing.T) {
	bad := []Options{
		{AllowNet: []string{"example.com:99999"}},
		{AllowNet: []string{"example.com/path"}},
		{AllowNet: []string{""}},
		{AllowRead: []string{""}},
		{AllowEnv: []string{"A=B"}},
	}
	for _, opts := range bad {
		if _, err := New(opts); !errors.Is(err, ErrBadPermission) {
			t.Errorf("New(%+v) = %v, want ErrBadPermission", opts, err)
		}
	}
}

func TestPathPermissions(t *testing.T) {
	dir := t.TempDir()
	c := mustNew(t, Options{AllowRead: []string{dir}})

	if err := c.CheckRead(filepath.Join(dir, "a", "b.txt")); err != nil {
		t.Fatalf("read inside allowed dir: %v", err)
	}
	if err := c.CheckRead(dir); err != nil {
		t.Fatalf("read allowed dir: %v", err)
	}
	if err := c.CheckRead(filepath.Join(dir, "..", "escape.txt")); err == nil {
		t.Fatal("read outside allowed dir should be denied")
	}
	if err := c.CheckWrite(filepath.Join(dir, "x")); err == nil {
		t.Fatal("write without allow_write should be denied")
	}
}

func TestDeniedErrorMessage(t *testing.T) {
	c := mustNew(t, Options{})
	err := c.CheckRead("/etc/passwd")
	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("got %T, want *DeniedError", err)
	}
	if denied.Kind != Read {
		t.Fatalf("kind = %q, want %q", denied.Kind, Read)
	}
	if got, want := err.Error(), `requires read access to "/etc/passwd"`; got != want {
		t.Fatalf("message = %q, want %q", got, want)
	}
}

func TestQuery(t *testing.T) {
	c := mustNew(t, Options{AllowEnv: []string{"HOME"}, AllowHrtime: true, AllowRun: []string{}})

	tests := []struct {
		kind, target, want string
	}{
		{Env, "HOME", "granted"},
		{Env, "PATH", "denied"},
		{Env, "", "denied"},
		{HRTime, "", "granted"},
		{Run, "", "granted"},
		{Run, "git", "granted"},
		{Net, "", "denied"},
		{Write, "/tmp", "denied"},
	}
	for _, tt := range tests {
		got, err := c.Query(tt.kind, tt.target)
		if err != nil {
			t.Fatalf("Query(%q, %q): %v", tt.kind, tt.target, err)
		}
		if got != tt.want {
			t.Errorf("Query(%q, %q) = %q, want %q", tt.kind, tt.target, got, tt.want)
		}
	}

	if _, err := c.Query("camera", ""); err == nil {
		t.Fatal("unknown permission name should fail")
	}
}

func TestAllowAll(t *testing.T) {
	c := AllowAll()
	if err := c.CheckNet("anything:1"); err != nil {
		t.Fatal(err)
	}
	if err := c.CheckWrite("/tmp/x"); err != nil {
		t.Fatal(err)
	}
	if !c.HRTime() {
		t.Fatal("AllowAll should grant hrtime")
	}
}
