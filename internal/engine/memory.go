package engine

import (
	"reflect"
	"sync"
)

// Tuple marks a group of Activate/extras values that should be flattened
// into memory by each element's own runtime type, rather than stored as a
// single slice value.
type Tuple []any

// Memory is the per-run mapping from runtime type to value: type-erased
// storage with typed getters. Keys are unique by type; re-adding the same
// type overwrites.
type Memory struct {
	mu     sync.RWMutex
	values map[reflect.Type]any
}

// NewMemory creates an empty Memory.
func NewMemory() *Memory {
	return &Memory{values: make(map[reflect.Type]any)}
}

// Set stores v keyed by its runtime type, overwriting any prior value of the
// same type. A Tuple is flattened: each element is stored by its own type.
func (m *Memory) Set(v any) {
	if v == nil {
		return
	}
	if t, ok := v.(Tuple); ok {
		for _, elem := range t {
			m.Set(elem)
		}
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[reflect.TypeOf(v)] = v
}

// GetType retrieves the stored value for the given runtime type.
func (m *Memory) GetType(t reflect.Type) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[t]
	return v, ok
}

// Keys returns the set of runtime types currently held, for diagnostics.
func (m *Memory) Keys() []reflect.Type {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]reflect.Type, 0, len(m.values))
	for t := range m.values {
		keys = append(keys, t)
	}
	return keys
}

// Extract retrieves a typed value of T from memory, keyed by T's runtime
// type. Returns a WorkflowError (ErrMissingMemoryKey) if no value of that
// type was ever Set.
func Extract[T any](m *Memory) (T, error) {
	var zero T
	t := reflect.TypeOf(zero)
	if t == nil {
		// T is an interface type; reflect.TypeOf(zero) is nil for a nil
		// interface value, so fall back to scanning for an assignable value.
		m.mu.RLock()
		defer m.mu.RUnlock()
		for _, v := range m.values {
			if tv, ok := v.(T); ok {
				return tv, nil
			}
		}
		return zero, NewWorkflowError(ErrMissingMemoryKey, "no value assignable to interface type found in memory")
	}
	v, ok := m.GetType(t)
	if !ok {
		return zero, NewWorkflowError(ErrMissingMemoryKey, "no value of type %s in memory", t)
	}
	tv, ok := v.(T)
	if !ok {
		return zero, NewWorkflowError(ErrMissingMemoryKey, "value of type %s did not assert to requested type", t)
	}
	return tv, nil
}
