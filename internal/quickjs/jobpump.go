//go:build !v8

package quickjs

import (
	"reflect"
	"unsafe"

	"modernc.org/libc"
	lib "modernc.org/libquickjs"
	"modernc.org/quickjs"
)

// maxJobsPerPump bounds one microtask checkpoint so a promise chain that
// keeps scheduling itself cannot wedge the executor.
const maxJobsPerPump = 1 << 20

// executePendingJobs runs queued jobs (promise reactions) until the queue
// is empty. modernc.org/quickjs never calls JS_ExecutePendingJob on its
// own, so without this promise callbacks would never run.
//
// Returns the number of jobs executed.
func executePendingJobs(vm *quickjs.VM) int {
	rt, tls, ok := extractRuntime(vm)
	if !ok {
		return 0
	}

	count := 0
	for count < maxJobsPerPump {
		// A negative result means the job threw; the rejection is already
		// recorded on the promise it belonged to, so keep draining.
		ret := lib.XJS_ExecutePendingJob(tls, rt, 0)
		if ret == 0 {
			break
		}
		count++
	}
	return count
}

// extractRuntime reads the unexported cRuntime and tls fields out of a
// *quickjs.VM.
//
// VM struct layout (modernc.org/quickjs@v0.17.1):
//
//	type VM struct {
//	    cContext uintptr
//	    ...
//	    runtime  *runtime
//	}
//
//	type runtime struct {
//	    cRuntime uintptr
//	    tls      *libc.TLS
//	}
func extractRuntime(vm *quickjs.VM) (cRuntime uintptr, tls *libc.TLS, ok bool) {
	rtField := reflect.ValueOf(vm).Elem().FieldByName("runtime")
	if !rtField.IsValid() || rtField.IsNil() {
		return 0, nil, false
	}

	rtVal := reflect.NewAt(rtField.Type().Elem(), unsafe.Pointer(rtField.Pointer())).Elem()

	cRuntimeField := rtVal.FieldByName("cRuntime")
	if !cRuntimeField.IsValid() {
		return 0, nil, false
	}
	cRuntime = uintptr(cRuntimeField.Uint())

	tlsField := rtVal.FieldByName("tls")
	if !tlsField.IsValid() || tlsField.IsNil() {
		return 0, nil, false
	}
	tls = (*libc.TLS)(unsafe.Pointer(tlsField.Pointer()))

	return cRuntime, tls, true
}
