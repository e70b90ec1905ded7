package worker

import (
	"log/slog"
	"net/http"

	"github.com/cryguy/hostjs/core"
	"github.com/cryguy/hostjs/internal/permissions"
	"github.com/cryguy/hostjs/internal/webapi"
)

// PermissionsOptions lists what a worker may touch. For every list, nil
// denies the whole kind, an empty non-nil list allows all of it and
// anything else is an allow-list.
type PermissionsOptions = permissions.Options

// Stdio is the stdin/stdout/stderr triple of a worker. Unset streams fall
// back to the process's own.
type Stdio = webapi.Stdio

// BlobStore backs blob: URLs. Workers sharing a store see each other's
// object URLs.
type BlobStore = webapi.BlobStore

// BroadcastHub connects BroadcastChannel instances across workers.
type BroadcastHub = webapi.BroadcastHub

// NewBlobStore returns an empty store to share between workers. A zero
// BlobStore works too.
func NewBlobStore() *BlobStore { return webapi.NewBlobStore() }

// NewBroadcastHub returns a hub to share between workers. A zero
// BroadcastHub works too.
func NewBroadcastHub() *BroadcastHub { return webapi.NewBroadcastHub() }

var (
	// ErrBadPermission is returned by New when a permission entry cannot
	// be normalised.
	ErrBadPermission = permissions.ErrBadPermission
	// ErrPermissionDenied matches every permission failure seen by Go code.
	ErrPermissionDenied = permissions.ErrPermissionDenied
)

// BootstrapOptions is the runtime metadata a worker exposes to scripts
// through Deno, navigator and location.
type BootstrapOptions struct {
	Args                  []string `yaml:"args"`
	CPUCount              int      `yaml:"cpu_count" validate:"gte=0"`
	DebugFlag             bool     `yaml:"debug_flag"`
	EnableTestingFeatures bool     `yaml:"enable_testing_features"`
	// Location is an absolute URL or empty.
	Location       string `yaml:"location" validate:"omitempty,url"`
	NoColor        bool   `yaml:"no_color"`
	IsTTY          bool   `yaml:"is_tty"`
	RuntimeVersion string `yaml:"runtime_version"`
	TSVersion      string `yaml:"ts_version"`
	Unstable       bool   `yaml:"unstable"`
	UserAgent      string `yaml:"user_agent"`
}

// DefaultBootstrap returns the bootstrap used when WorkerOptions leaves it
// zero.
func DefaultBootstrap() BootstrapOptions {
	return BootstrapOptions{
		Args:           []string{},
		CPUCount:       1,
		RuntimeVersion: "x",
		TSVersion:      "x",
		UserAgent:      "hello_runtime",
	}
}

// WorkerOptions configures New.
type WorkerOptions struct {
	// Bootstrap defaults to DefaultBootstrap() when its zero value is given.
	Bootstrap  BootstrapOptions
	Extensions []*core.Extension
	// ModuleLoader defaults to an FSLoader bound to the worker's
	// permissions.
	ModuleLoader core.ModuleLoader
	Stdio        Stdio
	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// HTTPClient is used by fetch and by the default loader.
	HTTPClient *http.Client
	// Blobs and Broadcast are created per worker when nil.
	Blobs     *BlobStore
	Broadcast *BroadcastHub
	// StorageDir holds the localStorage database. Empty disables
	// localStorage; sessionStorage is always available.
	StorageDir string

	WillSnapshot    bool
	StartupSnapshot []byte
	MemoryLimitMB   int
	// OnExit is called when a script calls Deno.exit.
	OnExit func(code int)
}

func isZeroBootstrap(b BootstrapOptions) bool {
	return b.Args == nil && b.CPUCount == 0 && b.RuntimeVersion == "" && b.TSVersion == "" &&
		b.UserAgent == "" && b.Location == "" && !b.DebugFlag && !b.EnableTestingFeatures &&
		!b.NoColor && !b.IsTTY && !b.Unstable
}
