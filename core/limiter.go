package core

import "sync"

// CycleLimiter enforces a maximum number of REASON steps per turn.
type CycleLimiter struct {
	max   int
	count int
	mu    sync.Mutex
}

// NewCycleLimiter creates a limiter. If max == 0, unlimited steps are allowed.
func NewCycleLimiter(max int) *CycleLimiter {
	return &CycleLimiter{max: max}
}

// Increment counts one step and returns a *LoopLimitError once the limit is exceeded.
func (cl *CycleLimiter) Increment() error {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	cl.count++
	if cl.max > 0 && cl.count > cl.max {
		return &LoopLimitError{Max: cl.max}
	}

	return nil
}

// Count returns the number of steps taken.
func (cl *CycleLimiter) Count() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	return cl.count
}

// Remaining returns how many steps are left before hitting the limit.
func (cl *CycleLimiter) Remaining() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.max == 0 {
		return -1 // unlimited
	}

	return cl.max - cl.count
}
