// Package worker is the batteries-included face of hostjs: a MainWorker is
// a core.JSRuntime with the web platform, the Deno namespace, permissions
// and a file/HTTP module loader wired in.
package worker

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/cryguy/hostjs/bridge"
	"github.com/cryguy/hostjs/core"
	"github.com/cryguy/hostjs/internal/permissions"
	"github.com/cryguy/hostjs/internal/webapi"
	"github.com/cryguy/hostjs/internal/webstorage"
)

// localStorageFile is the database name under WorkerOptions.StorageDir.
const localStorageFile = "local_storage.sqlite3"

// MainWorker runs one main module with the full runtime surface.
type MainWorker struct {
	rt         *core.JSRuntime
	mainModule string
	perms      *permissions.Container
	logger     *slog.Logger

	session *webstorage.Store
	local   *webstorage.Store

	exitCode atomic.Int64
	exited   atomic.Bool
}

// New creates a worker whose main module is mainModule, an absolute URL.
func New(mainModule string, perms PermissionsOptions, opts WorkerOptions) (*MainWorker, error) {
	if u, err := url.Parse(mainModule); err != nil || !u.IsAbs() {
		return nil, fmt.Errorf("%w: %q", core.ErrBadSpecifier, mainModule)
	}
	container, err := permissions.New(perms)
	if err != nil {
		return nil, err
	}

	boot := opts.Bootstrap
	if isZeroBootstrap(boot) {
		boot = DefaultBootstrap()
	}
	origin := ""
	if boot.Location != "" {
		loc, err := webapi.ParseURL(boot.Location, "", false)
		if err != nil {
			return nil, fmt.Errorf("bootstrap location %q: %w", boot.Location, err)
		}
		origin = webapi.Record(loc).Origin
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	blobs := opts.Blobs
	if blobs == nil {
		blobs = webapi.NewBlobStore()
	}
	hub := opts.Broadcast
	if hub == nil {
		hub = webapi.NewBroadcastHub()
	}
	loader := opts.ModuleLoader
	if loader == nil {
		loader = &FSLoader{Perms: container, Client: client}
	}

	w := &MainWorker{mainModule: mainModule, perms: container, logger: logger}
	w.exitCode.Store(-1)

	if w.session, err = webstorage.OpenMemory(); err != nil {
		return nil, err
	}
	if opts.StorageDir != "" {
		if w.local, err = webstorage.Open(filepath.Join(opts.StorageDir, localStorageFile)); err != nil {
			_ = w.session.Close()
			return nil, err
		}
	}

	logLevel := 0
	if boot.DebugFlag {
		logLevel = 1
	}
	onExit := func(code int) {
		w.exitCode.Store(int64(code))
		w.exited.Store(true)
		if opts.OnExit != nil {
			opts.OnExit(code)
		}
	}

	platform := core.Platform{
		Stdio: opts.Stdio,
		Setups: []webapi.Setup{
			webapi.SetupEvents,
			webapi.SetupEncoding,
			webapi.SetupGlobals(container.HRTime()),
			webapi.SetupURL,
			webapi.SetupBody,
			webapi.SetupBlobURLs(blobs, origin),
			webapi.SetupFetch(webapi.FetchOptions{
				Client:    client,
				Perms:     container,
				Blobs:     blobs,
				UserAgent: boot.UserAgent,
			}),
			webapi.SetupWebSocket(webapi.WebSocketOptions{
				Client:    client,
				Perms:     container,
				UserAgent: boot.UserAgent,
			}),
			webapi.SetupBroadcastChannel(hub),
			webapi.SetupDeno(webapi.DenoOptions{
				Bootstrap: webapi.Bootstrap{
					Args:           boot.Args,
					CPUCount:       boot.CPUCount,
					LogLevel:       logLevel,
					Location:       boot.Location,
					NoColor:        boot.NoColor,
					IsTTY:          boot.IsTTY,
					RuntimeVersion: boot.RuntimeVersion,
					TSVersion:      boot.TSVersion,
					UserAgent:      boot.UserAgent,
					Unstable:       boot.Unstable,
					PID:            os.Getpid(),
					PPID:           os.Getppid(),
				},
				Perms:  container,
				Stdio:  opts.Stdio,
				OnExit: onExit,
			}),
			webapi.SetupWorkerStub,
			webstorage.Setup(webstorage.Areas{Local: w.local, Session: w.session}),
		},
		Teardown: []webapi.Setup{webapi.BroadcastTeardown(hub), webapi.WebSocketTeardown()},
	}

	w.rt, err = core.NewPlatformRuntime(core.RuntimeOptions{
		ModuleLoader:    loader,
		Extensions:      opts.Extensions,
		WillSnapshot:    opts.WillSnapshot,
		StartupSnapshot: opts.StartupSnapshot,
		Logger:          logger,
		MemoryLimitMB:   opts.MemoryLimitMB,
	}, platform)
	if err != nil {
		w.closeStores()
		return nil, err
	}
	logger.Debug("worker created", "main_module", mainModule, "location", boot.Location)
	return w, nil
}

// ExecuteMainModule loads the main module given to New and evaluates it.
func (w *MainWorker) ExecuteMainModule() error {
	id, err := w.rt.LoadMainModule(w.mainModule, nil)
	if err != nil {
		return err
	}
	return w.ModEvaluate(id)
}

// ExecuteScript runs source as a classic script. See core.JSRuntime.
func (w *MainWorker) ExecuteScript(name, source string) (string, error) {
	out, err := w.rt.ExecuteScript(name, source)
	return out, w.exitErr(err)
}

// LoadMainModule loads the module graph rooted at specifier as the main
// module.
func (w *MainWorker) LoadMainModule(specifier string, code *string) (core.ModuleID, error) {
	return w.rt.LoadMainModule(specifier, code)
}

// LoadSideModule loads a module graph that is not the main module.
func (w *MainWorker) LoadSideModule(specifier string, code *string) (core.ModuleID, error) {
	return w.rt.LoadSideModule(specifier, code)
}

// ModEvaluate evaluates a loaded module and runs the event loop until it
// settles.
func (w *MainWorker) ModEvaluate(id core.ModuleID) error {
	return w.exitErr(w.rt.ModEvaluate(id))
}

// ModuleNamespace returns the exports of an evaluated module.
func (w *MainWorker) ModuleNamespace(id core.ModuleID) (*bridge.Object, error) {
	return w.rt.ModuleNamespace(id)
}

// RunEventLoop drives timers and host tasks until none remain.
func (w *MainWorker) RunEventLoop() error {
	return w.exitErr(w.rt.RunEventLoop())
}

// Snapshot captures the worker's scripts and modules. The worker must
// have been created with WorkerOptions.WillSnapshot.
func (w *MainWorker) Snapshot() ([]byte, error) {
	return w.rt.Snapshot()
}

// ExitCode reports the code passed to Deno.exit, or -1 if it was never
// called.
func (w *MainWorker) ExitCode() int {
	return int(w.exitCode.Load())
}

// ExitError is returned in place of the exception Deno.exit throws.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string { return fmt.Sprintf("worker exited with code %d", e.Code) }

// exitErr replaces the uncaught "Exit" exception thrown by Deno.exit.
func (w *MainWorker) exitErr(err error) error {
	if err == nil || !w.exited.Load() {
		return err
	}
	var ex *core.JSException
	if errors.As(err, &ex) && ex.Name == "Exit" {
		return &ExitError{Code: w.ExitCode()}
	}
	return err
}

// Close releases the isolate and the worker's storage.
func (w *MainWorker) Close() {
	w.rt.Close()
	w.closeStores()
}

func (w *MainWorker) closeStores() {
	if w.session != nil {
		_ = w.session.Close()
	}
	if w.local != nil {
		_ = w.local.Close()
	}
}
