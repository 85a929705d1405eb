package core

import (
	"fmt"
	"sync"
)

// State is arbitrary application state consulted by activation predicates and
// rendered into instruction templates.
type State map[string]any

// Clone returns a copy of s. Nested maps and slices are copied as well so a
// predicate cannot mutate the store through its snapshot.
func (s State) Clone() State {
	if s == nil {
		return State{}
	}
	out := make(State, len(s))
	for k, v := range s {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = cloneValue(vv)
		}
		return m
	case State:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = cloneValue(vv)
		}
		return out
	default:
		return v
	}
}

// Get returns the value stored under key.
func (s State) Get(key string) (any, bool) {
	v, ok := s[key]
	return v, ok
}

// Bool reports the truthiness of key. Missing keys, nil, false, zero numbers and
// empty strings are false.
func (s State) Bool(key string) bool {
	return Truthy(s[key])
}

// String returns the value under key formatted as a string, or "" when missing.
func (s State) String(key string) string {
	v, ok := s[key]
	if !ok || v == nil {
		return ""
	}
	if str, ok := v.(string); ok {
		return str
	}
	return fmt.Sprint(v)
}

// Truthy converts an arbitrary state value to a boolean.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && t != "false" && t != "0"
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case float32:
		return t != 0
	default:
		return true
	}
}

// StateStore is a concurrency-safe, versioned holder of State. Every mutation
// bumps the version.
type StateStore struct {
	mu      sync.RWMutex
	state   State
	version uint64
}

// NewStateStore creates a store seeded with a copy of initial.
func NewStateStore(initial State) *StateStore {
	return &StateStore{state: initial.Clone()}
}

// Snapshot returns a clone of the current state.
func (s *StateStore) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.state.Clone()
}

// Get returns a single value.
func (s *StateStore) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.state[key]
	return cloneValue(v), ok
}

// Set stores value under key.
func (s *StateStore) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == nil {
		s.state = State{}
	}
	s.state[key] = value
	s.version++
}

// Merge applies all entries of delta.
func (s *StateStore) Merge(delta State) {
	if len(delta) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == nil {
		s.state = State{}
	}
	for k, v := range delta {
		s.state[k] = cloneValue(v)
	}
	s.version++
}

// Replace swaps the whole state.
func (s *StateStore) Replace(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = state.Clone()
	s.version++
}

// Version returns the mutation counter.
func (s *StateStore) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.version
}
