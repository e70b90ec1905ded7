package eventloop

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cryguy/hostjs/internal/backend"
	"github.com/cryguy/hostjs/internal/engine"
)

const testTimersJS = `
globalThis.__timerCallbacks = {};
globalThis.setTimeout = function(fn, delay) {
	var id = __timerRegister(delay || 0, false);
	globalThis.__timerCallbacks[id] = { fn: fn, args: [] };
	return id;
};
globalThis.setInterval = function(fn, delay) {
	var id = __timerRegister(delay || 0, true);
	globalThis.__timerCallbacks[id] = { fn: fn, args: [], interval: true };
	return id;
};
globalThis.clearTimeout = globalThis.clearInterval = function(id) {
	__timerClear(id);
	delete globalThis.__timerCallbacks[id];
};
globalThis.log = [];
`

func newTestLoop(t *testing.T) (engine.Runtime, *EventLoop) {
	t.Helper()
	rt, err := backend.New(engine.Config{})
	if err != nil {
		t.Fatalf("backend.New: %v", err)
	}
	t.Cleanup(rt.Close)

	el := New()
	if err := rt.RegisterFunc("__timerRegister", func(delayMs int, isInterval bool) int {
		return el.RegisterTimer(time.Duration(delayMs)*time.Millisecond, isInterval)
	}); err != nil {
		t.Fatalf("RegisterFunc: %v", err)
	}
	if err := rt.RegisterFunc("__timerClear", func(id int) { el.ClearTimer(id) }); err != nil {
		t.Fatalf("RegisterFunc: %v", err)
	}
	if err := rt.Eval(testTimersJS); err != nil {
		t.Fatalf("Eval: %v", err)
	}
	return rt, el
}

func logOf(t *testing.T, rt engine.Runtime) string {
	t.Helper()
	s, err := rt.EvalString("log.join(',')")
	if err != nil {
		t.Fatalf("EvalString: %v", err)
	}
	return s
}

func TestNewEventLoop(t *testing.T) {
	el := New()
	if el.HasPending() {
		t.Error("new event loop should have no pending work")
	}
}

func TestRegisterTimerIDs(t *testing.T) {
	el := New()
	if id := el.RegisterTimer(time.Second, false); id != 1 {
		t.Errorf("first timer ID = %d, want 1", id)
	}
	if id := el.RegisterTimer(time.Second, true); id != 2 {
		t.Errorf("second timer ID = %d, want 2", id)
	}
	if !el.HasPending() {
		t.Error("should have pending timers")
	}
	el.ClearTimer(1)
	el.ClearTimer(2)
	if el.HasPending() {
		t.Error("cleared timers still pending")
	}
}

func TestTimersFireInDeadlineOrder(t *testing.T) {
	rt, el := newTestLoop(t)
	if err := rt.Eval(`
		setTimeout(function() { log.push('c'); }, 30);
		setTimeout(function() { log.push('a'); }, 0);
		setTimeout(function() { log.push('b'); }, 10);
		setTimeout(function() { log.push('a2'); }, 0);
	`); err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if err := el.Drain(rt, time.Time{}); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if got := logOf(t, rt); got != "a,a2,b,c" {
		t.Errorf("order = %q, want a,a2,b,c", got)
	}
	if el.HasPending() {
		t.Error("loop still has pending work")
	}
}

func TestClearTimeout(t *testing.T) {
	rt, el := newTestLoop(t)
	if err := rt.Eval(`
		var id = setTimeout(function() { log.push('cleared'); }, 5);
		setTimeout(function() { log.push('kept'); }, 10);
		clearTimeout(id);
	`); err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if err := el.Drain(rt, time.Time{}); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if got := logOf(t, rt); got != "kept" {
		t.Errorf("log = %q, want kept", got)
	}
}

func TestIntervalRunsUntilCleared(t *testing.T) {
	rt, el := newTestLoop(t)
	if err := rt.Eval(`
		var n = 0;
		var id = setInterval(function() {
			n++;
			log.push(String(n));
			if (n === 3) clearInterval(id);
		}, 1);
	`); err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if err := el.Drain(rt, time.Now().Add(5*time.Second)); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if got := logOf(t, rt); got != "1,2,3" {
		t.Errorf("log = %q, want 1,2,3", got)
	}
}

func TestThrowingTimerStopsDrain(t *testing.T) {
	rt, el := newTestLoop(t)
	if err := rt.Eval(`
		setTimeout(function() { throw new Error('tick failed'); }, 0);
		setTimeout(function() { log.push('later'); }, 20);
	`); err != nil {
		t.Fatalf("Eval: %v", err)
	}
	err := el.Drain(rt, time.Time{})
	var se *ScriptError
	if !errors.As(err, &se) {
		t.Fatalf("Drain = %v, want *ScriptError", err)
	}
	if !strings.Contains(se.Payload, "tick failed") {
		t.Errorf("payload = %q, want it to mention tick failed", se.Payload)
	}
	if !el.HasPending() {
		t.Error("remaining timer was dropped")
	}
}

func TestDeadline(t *testing.T) {
	rt, el := newTestLoop(t)
	if err := rt.Eval("setTimeout(function() {}, 10000);"); err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if err := el.Drain(rt, time.Now().Add(20*time.Millisecond)); !errors.Is(err, ErrDeadline) {
		t.Errorf("Drain = %v, want ErrDeadline", err)
	}
}

func TestTaskSettlesOnLoop(t *testing.T) {
	rt, el := newTestLoop(t)
	task := el.StartTask("test")
	go func() {
		time.Sleep(10 * time.Millisecond)
		task.Complete(func(rt engine.Runtime) error {
			return rt.Eval("log.push('settled'); Promise.resolve().then(function() { log.push('micro'); });")
		})
	}()
	if err := el.Drain(rt, time.Now().Add(5*time.Second)); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if got := logOf(t, rt); got != "settled,micro" {
		t.Errorf("log = %q, want settled,micro", got)
	}
}

func TestTaskCompleteOnce(t *testing.T) {
	rt, el := newTestLoop(t)
	task := el.StartTask("test")
	task.Complete(func(rt engine.Runtime) error { return rt.Eval("log.push('one')") })
	task.Complete(func(rt engine.Runtime) error { return rt.Eval("log.push('two')") })
	if err := el.Drain(rt, time.Time{}); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if got := logOf(t, rt); got != "one" {
		t.Errorf("log = %q, want one", got)
	}
}

func TestResetDropsLateTasks(t *testing.T) {
	rt, el := newTestLoop(t)
	task := el.StartTask("test")
	el.RegisterTimer(time.Hour, false)
	el.Reset()
	if el.HasPending() {
		t.Error("Reset left pending work")
	}
	task.Complete(func(rt engine.Runtime) error { return rt.Eval("log.push('late')") })
	if el.HasPending() {
		t.Error("late completion revived the loop")
	}
	if err := el.Drain(rt, time.Time{}); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if got := logOf(t, rt); got != "" {
		t.Errorf("log = %q, want empty", got)
	}
}
