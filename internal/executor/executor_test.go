package executor

import (
	"errors"
	"sync"
	"testing"

	"github.com/petermattis/goid"
)

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	e := New()
	t.Cleanup(e.Stop)
	return e
}

func TestDoRunsOnOneGoroutine(t *testing.T) {
	e := newTestExecutor(t)

	var ids []int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.Do(func() error {
				mu.Lock()
				ids = append(ids, goid.Get())
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	if len(ids) != 8 {
		t.Fatalf("ran %d jobs, want 8", len(ids))
	}
	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("jobs ran on goroutines %v, want a single goroutine", ids)
		}
	}
}

func TestDoReturnsError(t *testing.T) {
	e := newTestExecutor(t)
	want := errors.New("boom")
	if err := e.Do(func() error { return want }); !errors.Is(err, want) {
		t.Errorf("Do = %v, want %v", err, want)
	}
}

func TestDoRecoversPanic(t *testing.T) {
	e := newTestExecutor(t)
	err := e.Do(func() error { panic("kaboom") })
	if err == nil {
		t.Fatal("expected error from panicking job")
	}
	if err := e.Do(func() error { return nil }); err != nil {
		t.Errorf("executor unusable after panic: %v", err)
	}
}

func TestReentrantDoRunsInline(t *testing.T) {
	e := newTestExecutor(t)
	depth := 0
	err := e.Do(func() error {
		depth++
		return e.Do(func() error {
			if !e.OnLoop() {
				t.Error("inner call not on executor goroutine")
			}
			depth++
			return nil
		})
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if depth != 2 {
		t.Errorf("depth = %d, want 2", depth)
	}
}

func TestPumpServesNestedCalls(t *testing.T) {
	e := newTestExecutor(t)

	var served []int64
	err := e.Do(func() error {
		loopID := goid.Get()
		done := make(chan struct{})
		go func() {
			defer close(done)
			for i := 0; i < 3; i++ {
				_ = e.Nested(func() error {
					served = append(served, goid.Get())
					return nil
				})
			}
		}()
		e.Pump(done)
		for _, id := range served {
			if id != loopID {
				t.Errorf("nested call ran on goroutine %d, want %d", id, loopID)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if len(served) != 3 {
		t.Errorf("served %d nested calls, want 3", len(served))
	}
}

func TestStop(t *testing.T) {
	e := New()
	e.Stop()
	e.Stop()
	if err := e.Do(func() error { return nil }); !errors.Is(err, ErrStopped) {
		t.Errorf("Do after Stop = %v, want ErrStopped", err)
	}
}
