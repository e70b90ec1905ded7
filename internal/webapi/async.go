package webapi

import (
	"errors"
	"fmt"
	"io/fs"
	"sync/atomic"

	"github.com/cryguy/hostjs/internal/engine"
	"github.com/cryguy/hostjs/internal/eventloop"
	"github.com/cryguy/hostjs/internal/permissions"
)

// asyncJS turns {"id":n} records from Go into promises and settles them
// when the host task completes. {"error":{name,message}} records reject
// or throw.
const asyncJS = `
(function() {
	var pending = {};
	function hostError(e) {
		var err;
		var errors = globalThis.Deno && globalThis.Deno.errors;
		if (errors && typeof errors[e.name] === 'function') return new errors[e.name](e.message);
		switch (e.name) {
		case 'TypeError': err = new TypeError(e.message); break;
		case 'RangeError': err = new RangeError(e.message); break;
		default:
			err = new Error(e.message);
			if (e.name) err.name = e.name;
		}
		return err;
	}
	Object.defineProperty(globalThis, '__hostAwait', {
		value: function(record) {
			var r = JSON.parse(record);
			if (r.error) return Promise.reject(hostError(r.error));
			return new Promise(function(resolve, reject) {
				pending[r.id] = { resolve: resolve, reject: reject };
			});
		}
	});
	Object.defineProperty(globalThis, '__hostUnwrap', {
		value: function(record) {
			var r = JSON.parse(record);
			if (r.error) throw hostError(r.error);
			return r.v;
		}
	});
	Object.defineProperty(globalThis, '__hostSettle', {
		value: function(id, ok, v) {
			var p = pending[id];
			if (!p) return;
			delete pending[id];
			if (ok) p.resolve(v);
			else p.reject(hostError(v));
		}
	});
})();
`

// hostError is the JS-visible form of a Go error.
type hostError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

func toHostError(err error) hostError {
	var he *HostError
	if errors.As(err, &he) {
		return hostError{Name: he.Name, Message: he.Message}
	}
	name := "Error"
	switch {
	case errors.Is(err, permissions.ErrPermissionDenied):
		name = "PermissionDenied"
	case errors.Is(err, fs.ErrNotExist):
		name = "NotFound"
	case errors.Is(err, fs.ErrExist):
		name = "AlreadyExists"
	case errors.Is(err, fs.ErrPermission):
		name = "PermissionDenied"
	}
	return hostError{Name: name, Message: err.Error()}
}

// HostError is an error surfaced to JavaScript with a specific
// constructor or name.
type HostError struct {
	Name    string
	Message string
}

func (e *HostError) Error() string { return e.Name + ": " + e.Message }

func typeError(format string, args ...any) error {
	return &HostError{Name: "TypeError", Message: fmt.Sprintf(format, args...)}
}

// syncResult encodes a synchronous call's outcome for __hostUnwrap.
func syncResult(v any, err error) string {
	if err != nil {
		return jsonString(map[string]any{"error": toHostError(err)})
	}
	return jsonString(map[string]any{"v": v})
}

// SyncResult is syncResult for setups living outside this package. The
// record carries {"v": v} or {"error": {"name", "message"}}.
func SyncResult(v any, err error) string { return syncResult(v, err) }

// asyncCalls starts Go work on background goroutines and settles the JS
// promise through the event loop.
type asyncCalls struct {
	el   *eventloop.EventLoop
	next atomic.Int64
}

func newAsyncCalls(rt engine.Runtime, el *eventloop.EventLoop) (*asyncCalls, error) {
	if a, ok := engine.GetSlot[*asyncCalls](rt.Slots()); ok {
		return a, nil
	}
	if err := rt.Eval(asyncJS); err != nil {
		return nil, fmt.Errorf("evaluating async.js: %w", err)
	}
	a := &asyncCalls{el: el}
	engine.SetSlot(rt.Slots(), a)
	return a, nil
}

// start runs fn off the JS goroutine and returns the record __hostAwait
// turns into a promise.
func (a *asyncCalls) start(kind string, fn func() (any, error)) string {
	return a.run(a.reserve(), kind, fn)
}

// reserve allocates a call id ahead of run.
func (a *asyncCalls) reserve() int64 { return a.next.Add(1) }

func (a *asyncCalls) run(id int64, kind string, fn func() (any, error)) string {
	task := a.el.StartTask(kind)
	go func() {
		v, err := fn()
		task.Complete(func(rt engine.Runtime) error {
			if err != nil {
				return rt.Eval(fmt.Sprintf("__hostSettle(%d, false, %s)", id, jsonString(toHostError(err))))
			}
			return rt.Eval(fmt.Sprintf("__hostSettle(%d, true, %s)", id, jsonString(v)))
		})
	}()
	return fmt.Sprintf(`{"id":%d}`, id)
}

// reject returns a record that makes __hostAwait reject immediately.
func reject(err error) string {
	return jsonString(map[string]any{"error": toHostError(err)})
}
