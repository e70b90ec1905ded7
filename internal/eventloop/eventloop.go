// Package eventloop drives timers and host tasks for one isolate.
//
// Timer callbacks live in JS (globalThis.__timerCallbacks) and Go tracks
// only their scheduling. Host tasks are units of work finished off the JS
// goroutine, such as an HTTP fetch. They hand back a Settle func that the
// loop runs on the JS goroutine. The loop is driven by the runtime's
// executor and never touches JS from any other goroutine.
package eventloop

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cryguy/hostjs/internal/engine"
)

// ErrDeadline is returned by Drain when the deadline passes with work left.
var ErrDeadline = errors.New("event loop deadline exceeded")

// minInterval is the shortest setInterval period.
const minInterval = 10 * time.Millisecond

// ScriptError carries a JS exception thrown by a loop callback. Payload is
// the JSON record produced by __hostBridge.errorInfo; the runtime turns it
// into a typed exception.
type ScriptError struct {
	Source  string // "timer" or a task kind
	Payload string
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("uncaught exception in %s callback: %s", e.Source, e.Payload)
}

// Settle completes a host task on the JS goroutine.
type Settle func(rt engine.Runtime) error

// Task is a pending host task. Complete may be called from any goroutine.
type Task struct {
	el   *EventLoop
	Kind string
	gen  uint64
	once sync.Once
}

// Complete queues settle to run on the next loop turn. Only the first call
// has an effect.
func (t *Task) Complete(settle Settle) {
	t.once.Do(func() {
		t.el.mu.Lock()
		if t.gen != t.el.gen {
			t.el.mu.Unlock()
			return
		}
		t.el.pending--
		t.el.ready = append(t.el.ready, settle)
		t.el.mu.Unlock()
		t.el.wake()
	})
}

// timerEntry represents a pending setTimeout or setInterval callback.
type timerEntry struct {
	deadline time.Time
	interval time.Duration // 0 for setTimeout, >0 for setInterval
	id       int
	seq      uint64 // registration order, breaks deadline ties
	cleared  bool
}

// EventLoop manages Go-backed timers and host tasks.
type EventLoop struct {
	mu      sync.Mutex
	timers  map[int]*timerEntry
	nextID  int
	seq     uint64
	pending int    // started tasks not yet completed
	gen     uint64 // bumped by Reset
	ready   []Settle
	notify  chan struct{}
}

// New creates an empty EventLoop.
func New() *EventLoop {
	return &EventLoop{
		timers: make(map[int]*timerEntry),
		notify: make(chan struct{}, 1),
	}
}

func (el *EventLoop) wake() {
	select {
	case el.notify <- struct{}{}:
	default:
	}
}

// RegisterTimer creates a timer entry and returns its ID. The JS callback
// is stored in globalThis.__timerCallbacks[id].
func (el *EventLoop) RegisterTimer(delay time.Duration, isInterval bool) int {
	if delay < 0 {
		delay = 0
	}
	el.mu.Lock()
	defer el.mu.Unlock()
	el.nextID++
	el.seq++
	entry := &timerEntry{
		deadline: time.Now().Add(delay),
		id:       el.nextID,
		seq:      el.seq,
	}
	if isInterval {
		entry.interval = max(delay, minInterval)
	}
	el.timers[entry.id] = entry
	return entry.id
}

// ClearTimer cancels a timer by ID.
func (el *EventLoop) ClearTimer(id int) {
	el.mu.Lock()
	defer el.mu.Unlock()
	if t, ok := el.timers[id]; ok {
		t.cleared = true
		delete(el.timers, id)
	}
}

// StartTask registers a host task. The loop stays alive until the task is
// completed.
func (el *EventLoop) StartTask(kind string) *Task {
	el.mu.Lock()
	el.pending++
	gen := el.gen
	el.mu.Unlock()
	return &Task{el: el, Kind: kind, gen: gen}
}

// runReady settles every completed task. Returns true if any ran.
func (el *EventLoop) runReady(rt engine.Runtime) (bool, error) {
	el.mu.Lock()
	ready := el.ready
	el.ready = nil
	el.mu.Unlock()

	for i, settle := range ready {
		err := settle(rt)
		rt.RunMicrotasks()
		if err != nil {
			el.mu.Lock()
			el.ready = append(ready[i+1:], el.ready...)
			el.mu.Unlock()
			return true, err
		}
	}
	return len(ready) > 0, nil
}

// nextTimer returns the earliest live timer. Ties go to the timer that was
// registered first.
func (el *EventLoop) nextTimer() *timerEntry {
	var next *timerEntry
	for _, t := range el.timers {
		if t.cleared {
			continue
		}
		if next == nil || t.deadline.Before(next.deadline) ||
			(t.deadline.Equal(next.deadline) && t.seq < next.seq) {
			next = t
		}
	}
	return next
}

// fireTimer invokes the JS-side callback for id.
func (el *EventLoop) fireTimer(rt engine.Runtime, id int) error {
	js := fmt.Sprintf(`(function() {
		var entry = globalThis.__timerCallbacks && globalThis.__timerCallbacks[%d];
		if (!entry) return "";
		if (!entry.interval) delete globalThis.__timerCallbacks[%d];
		try {
			entry.fn.apply(null, entry.args || []);
			return "";
		} catch (e) {
			var info = globalThis.__hostBridge ? __hostBridge.errorInfo(e) : { name: '', message: String(e), stack: '' };
			return JSON.stringify(info);
		}
	})()`, id, id)
	payload, err := rt.EvalString(js)
	if err != nil {
		return fmt.Errorf("firing timer %d: %w", id, err)
	}
	if payload != "" {
		return &ScriptError{Source: "timer", Payload: payload}
	}
	return nil
}

// Drain runs timers and settles host tasks until none remain, an error
// occurs, or the deadline passes. A zero deadline means no limit.
// Must be called on the runtime's goroutine (JS engines are single-threaded).
func (el *EventLoop) Drain(rt engine.Runtime, deadline time.Time) error {
	rt.RunMicrotasks()
	for {
		ran, err := el.runReady(rt)
		if err != nil {
			return err
		}
		if ran {
			continue
		}

		el.mu.Lock()
		next := el.nextTimer()
		pending := el.pending
		var nextID int
		var wait time.Duration
		if next != nil {
			nextID = next.id
			wait = time.Until(next.deadline)
		}
		el.mu.Unlock()

		if next == nil && pending == 0 {
			return nil
		}

		if next == nil || wait > 0 {
			if fired, err := el.wait(next != nil, wait, deadline); err != nil || !fired {
				if err != nil {
					return err
				}
				continue
			}
		}

		el.mu.Lock()
		entry, ok := el.timers[nextID]
		if !ok || entry.cleared {
			el.mu.Unlock()
			continue
		}
		if entry.interval > 0 {
			entry.deadline = time.Now().Add(entry.interval)
		} else {
			delete(el.timers, nextID)
		}
		el.mu.Unlock()

		err = el.fireTimer(rt, nextID)
		rt.RunMicrotasks()
		if err != nil {
			return err
		}
	}
}

// wait blocks until a task completes, the next timer is due, or the
// deadline passes. It reports whether the timer is due.
func (el *EventLoop) wait(hasTimer bool, d time.Duration, deadline time.Time) (bool, error) {
	var timerC, deadlineC <-chan time.Time
	if hasTimer {
		t := time.NewTimer(d)
		defer t.Stop()
		timerC = t.C
	}
	if !deadline.IsZero() {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, ErrDeadline
		}
		t := time.NewTimer(remaining)
		defer t.Stop()
		deadlineC = t.C
	}
	select {
	case <-el.notify:
		return false, nil
	case <-timerC:
		return true, nil
	case <-deadlineC:
		return false, ErrDeadline
	}
}

// HasPending returns true if there are active timers or unfinished tasks.
func (el *EventLoop) HasPending() bool {
	el.mu.Lock()
	defer el.mu.Unlock()
	return len(el.timers) > 0 || el.pending > 0 || len(el.ready) > 0
}

// Reset clears all timers and forgets pending tasks. Tasks completed after
// a Reset are dropped.
func (el *EventLoop) Reset() {
	el.mu.Lock()
	defer el.mu.Unlock()
	el.timers = make(map[int]*timerEntry)
	el.nextID = 0
	el.pending = 0
	el.ready = nil
	el.gen++
}
