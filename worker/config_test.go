package worker

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
main_module: file:///srv/app/main.ts
memory_limit_mb: 64
permissions:
  allow_net: []
  allow_read: ["/srv/app"]
bootstrap:
  args: ["--verbose"]
  location: https://app.example.com/
`))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.MainModule != "file:///srv/app/main.ts" || cfg.MemoryLimitMB != 64 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Permissions.AllowNet == nil || len(cfg.Permissions.AllowNet) != 0 {
		t.Fatalf("AllowNet = %#v, want empty allow-all list", cfg.Permissions.AllowNet)
	}
	if len(cfg.Permissions.AllowRead) != 1 || cfg.Permissions.AllowRead[0] != "/srv/app" {
		t.Fatalf("AllowRead = %#v", cfg.Permissions.AllowRead)
	}
	if cfg.Permissions.AllowEnv != nil {
		t.Fatalf("AllowEnv = %#v, want nil", cfg.Permissions.AllowEnv)
	}
	if len(cfg.Bootstrap.Args) != 1 || cfg.Bootstrap.Location != "https://app.example.com/" {
		t.Fatalf("bootstrap = %+v", cfg.Bootstrap)
	}
	if cfg.Bootstrap.UserAgent != "hello_runtime" || cfg.Bootstrap.CPUCount != 1 {
		t.Fatalf("defaults lost: %+v", cfg.Bootstrap)
	}
}

func TestParseConfigInvalid(t *testing.T) {
	tests := map[string]string{
		"missing main":    "memory_limit_mb: 1\n",
		"negative memory": "main_module: file:///a.js\nmemory_limit_mb: -1\n",
		"bad location":    "main_module: file:///a.js\nbootstrap:\n  location: not a url\n",
	}
	for name, src := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseConfig([]byte(src)); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("err = %v, want ErrInvalidConfig", err)
			}
		})
	}

	if _, err := ParseConfig([]byte("main_module: [")); err == nil || errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("malformed YAML: err = %v", err)
	}
}

func TestLoadConfigCreatesWorker(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "worker.yaml", "main_module: file:///main.js\nstorage_dir: "+filepath.ToSlash(dir)+"\nbootstrap:\n  args: [a, b]\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	w, err := NewFromConfig(cfg, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(w.Close)
	if got := run(t, w, "Deno.args.join('+') + ':' + typeof localStorage"); got != "a+b:object" {
		t.Fatalf("got %q", got)
	}
}
