package engine

import (
	"reflect"
	"sync"
)

// Slots is per-isolate storage keyed by Go type. It lets host callbacks
// recover isolate-scoped state (the op registry, module table, ...) from
// the Runtime alone, without package-level globals.
//
// The lock is only held while reading or writing the map, never while a
// slot value is in use, so callbacks may re-enter freely.
type Slots struct {
	mu sync.RWMutex
	m  map[reflect.Type]any
}

func (s *Slots) set(t reflect.Type, v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = make(map[reflect.Type]any)
	}
	s.m[t] = v
}

func (s *Slots) get(t reflect.Type) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[t]
	return v, ok
}

// SetSlot stores v in the slot for type T, replacing any previous value.
func SetSlot[T any](s *Slots, v T) {
	s.set(reflect.TypeFor[T](), v)
}

// GetSlot returns the value stored for type T.
func GetSlot[T any](s *Slots) (T, bool) {
	v, ok := s.get(reflect.TypeFor[T]())
	if !ok {
		var zero T
		return zero, false
	}
	return v.(T), true
}

// Clear drops every slot.
func (s *Slots) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m = nil
}
