package core

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cryguy/hostjs/internal/modules"
	"github.com/cryguy/hostjs/internal/ops"
)

var (
	// ErrBadSpecifier is returned when a module specifier is not an absolute URL.
	ErrBadSpecifier = errors.New("module specifier is not a valid URL")
	// ErrLoader matches every failure of a host ModuleLoader.
	ErrLoader = modules.ErrLoader
	// ErrSnapshotted is returned by script and module operations after Snapshot.
	ErrSnapshotted = errors.New("Scripts can not be executed after JsRuntime has been snapshotted.")
	// ErrNoSnapshotFlag is returned by Snapshot without RuntimeOptions.WillSnapshot.
	ErrNoSnapshotFlag = errors.New("Unable to snapshot JsRuntime when RuntimeOptions.will_snapshot is not true.")
	// ErrSnapshotConflict rejects WillSnapshot combined with StartupSnapshot.
	ErrSnapshotConflict = errors.New("will_snapshot and startup_snapshot are mutually exclusive")
	// ErrInvalidOpName is returned by New for an op name that is not a JS identifier.
	ErrInvalidOpName = ops.ErrInvalidOpName

	ErrClosed           = errors.New("runtime is closed")
	ErrMainModuleLoaded = errors.New("main module already loaded")
	ErrUnknownModule    = errors.New("unknown module id")
	ErrModuleStalled    = errors.New("module evaluation did not settle: the event loop is idle but the module promise is pending")
)

const unknownJSError = "Unknown JavaScript error."

// JSException is a JavaScript exception surfaced to Go. File and Line
// come from the first stack frame; Trace lists every frame as
// "file:line".
type JSException struct {
	Name    string
	Message string
	Code    int
	File    string
	Line    int
	Trace   []string
	Stack   string
}

func (e *JSException) Error() string {
	var b strings.Builder
	if e.Name != "" {
		b.WriteString(e.Name)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.File != unknownFile {
		fmt.Fprintf(&b, " (at %s:%d)", e.File, e.Line)
	}
	return b.String()
}

// newJSException builds a JSException from a thrown value's record.
// Engine placeholder file names are replaced by scriptName.
func newJSException(info modules.ErrorInfo, scriptName string) *JSException {
	ex := &JSException{
		Name:    info.Name,
		Message: info.Message,
		File:    unknownFile,
		Stack:   info.Stack,
	}
	if ex.Message == "" {
		ex.Message = unknownJSError
	}
	frames := parseStack(info.Stack, scriptName)
	ex.Trace = make([]string, 0, len(frames))
	for _, f := range frames {
		ex.Trace = append(ex.Trace, fmt.Sprintf("%s:%d", f.File, f.Line))
	}
	if len(frames) > 0 {
		ex.File = frames[0].File
		ex.Line = frames[0].Line
	}
	return ex
}

// translate turns internal failures into the package's error values.
func translate(err error, scriptName string) error {
	var se *modules.SyntaxError
	if errors.As(err, &se) {
		ex := &JSException{Name: "SyntaxError", Message: se.Message, File: se.File, Line: se.Line}
		if ex.File == "" {
			ex.File = unknownFile
		}
		ex.Trace = []string{fmt.Sprintf("%s:%d", ex.File, ex.Line)}
		return ex
	}
	return err
}
