package tree

import (
	"fmt"
	"reflect"

	"github.com/hupe1980/contextree/core"
)

// Predicate decides whether a node is active for a given state. A nil
// Predicate is always true.
type Predicate func(state core.State) (bool, error)

// Always is active for every state.
func Always() Predicate {
	return func(core.State) (bool, error) { return true, nil }
}

// Flag is active while state[key] is truthy.
func Flag(key string) Predicate {
	return func(s core.State) (bool, error) { return s.Bool(key), nil }
}

// Equals is active while state[key] equals value. Values of different types
// are compared by their formatted representation, so Equals("n", "3") matches 3.
func Equals(key string, value any) Predicate {
	return func(s core.State) (bool, error) {
		v, ok := s[key]
		if !ok {
			return false, nil
		}
		if reflect.DeepEqual(v, value) {
			return true, nil
		}
		return fmt.Sprint(v) == fmt.Sprint(value), nil
	}
}

// When adapts an infallible function.
func When(fn func(core.State) bool) Predicate {
	return func(s core.State) (bool, error) { return fn(s), nil }
}

// Not negates p. Errors pass through.
func Not(p Predicate) Predicate {
	return func(s core.State) (bool, error) {
		ok, err := eval(p, s)
		if err != nil {
			return false, err
		}
		return !ok, nil
	}
}

// All is active when every predicate is. It stops at the first false or error.
func All(ps ...Predicate) Predicate {
	return func(s core.State) (bool, error) {
		for _, p := range ps {
			ok, err := eval(p, s)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	}
}

// Any is active when at least one predicate is. It stops at the first true or error.
func Any(ps ...Predicate) Predicate {
	return func(s core.State) (bool, error) {
		for _, p := range ps {
			ok, err := eval(p, s)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}
}

// eval runs p and converts a panic into an error.
func eval(p Predicate, s core.State) (ok bool, err error) {
	if p == nil {
		return true, nil
	}
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("predicate panic: %v", r)
		}
	}()
	return p(s)
}
