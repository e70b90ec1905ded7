// Package executor confines a JS isolate to a single goroutine.
//
// Each Runtime owns one Executor for its whole lifetime. Façade calls from
// arbitrary goroutines are queued and run one at a time on the executor
// goroutine, which is locked to its OS thread (V8 requires the isolate to
// stay on one thread). Calls made from the executor goroutine itself, e.g.
// an op that calls back into the runtime, run inline.
package executor

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/petermattis/goid"
)

// ErrStopped is returned by Do after Stop.
var ErrStopped = errors.New("executor stopped")

type job struct {
	fn  func() error
	res chan error
}

// Executor runs closures on one dedicated goroutine.
type Executor struct {
	jobs   chan job // façade calls
	nested chan job // calls issued on behalf of a job in progress
	done   chan struct{}
	exited chan struct{}
	gid    atomic.Int64
	once   sync.Once
}

// New starts an executor goroutine.
func New() *Executor {
	e := &Executor{
		jobs:   make(chan job),
		nested: make(chan job),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	started := make(chan struct{})
	go e.loop(started)
	<-started
	return e
}

func (e *Executor) loop(started chan<- struct{}) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(e.exited)

	e.gid.Store(goid.Get())
	close(started)

	for {
		select {
		case <-e.done:
			return
		case j := <-e.jobs:
			e.run(j)
		case j := <-e.nested:
			e.run(j)
		}
	}
}

func (e *Executor) run(j job) {
	j.res <- call(j.fn)
}

// call runs fn and turns a panic into an error.
func call(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic on executor: %v", p)
		}
	}()
	return fn()
}

// OnLoop reports whether the caller is running on the executor goroutine.
func (e *Executor) OnLoop() bool {
	return goid.Get() == e.gid.Load()
}

// Do runs fn on the executor goroutine and waits for it to finish.
func (e *Executor) Do(fn func() error) error {
	return e.submit(e.jobs, fn)
}

// Nested runs fn on the executor goroutine on behalf of a job that is
// currently blocked in Pump. Nested calls are served ahead of queued
// façade calls.
func (e *Executor) Nested(fn func() error) error {
	return e.submit(e.nested, fn)
}

func (e *Executor) submit(ch chan job, fn func() error) error {
	if e.OnLoop() {
		return call(fn)
	}
	j := job{fn: fn, res: make(chan error, 1)}
	select {
	case ch <- j:
	case <-e.done:
		return ErrStopped
	}
	return <-j.res
}

// Pump serves Nested calls until wait is closed. It must be called from
// the executor goroutine, typically while a background computation that
// needs the isolate (the module bundler) is running.
func (e *Executor) Pump(wait <-chan struct{}) {
	for {
		select {
		case <-wait:
			return
		case j := <-e.nested:
			e.run(j)
		}
	}
}

// Stop terminates the executor goroutine after the current job. Pending
// Do calls return ErrStopped.
func (e *Executor) Stop() {
	e.once.Do(func() {
		close(e.done)
	})
	if !e.OnLoop() {
		<-e.exited
	}
}
