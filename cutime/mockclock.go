package cutime

import "sync/atomic"

// MockClock is a controllable time source that satisfies the same read
// contract as RobotClock. Its value only changes when the controlling entity
// (a test, or the replay engine feeding recorded timestamps) says so, which
// makes runs driven by a MockClock fully deterministic.
type MockClock struct {
	now atomic.Uint64
}

// NewMockClock creates a mock clock starting at reference time zero.
func NewMockClock() *MockClock {
	return &MockClock{}
}

// Now returns the current mock time. Safe for concurrent readers.
func (c *MockClock) Now() CuTime {
	return CuTime(c.now.Load())
}

// Set assigns the reported time.
func (c *MockClock) Set(t CuTime) {
	c.now.Store(uint64(t))
}

// Increment advances the reported time by d.
func (c *MockClock) Increment(d CuDuration) {
	c.now.Add(uint64(d))
}

// Decrement moves the reported time backward by d. This is a testing-only
// escape from the monotonicity contract; production code must never call it.
// It panics if the clock would go below time zero.
func (c *MockClock) Decrement(d CuDuration) {
	for {
		cur := c.now.Load()
		if uint64(d) > cur {
			panic(ErrTimeUnderflow)
		}

		if c.now.CompareAndSwap(cur, cur-uint64(d)) {
			return
		}
	}
}
