package cutime

import "time"

// TimeTeller can be used to get the current robot time. It is the only time
// source task code may consult; querying the OS clock directly inside a task
// would break replay determinism.
type TimeTeller interface {
	Now() CuTime
}

// RobotClock is the live monotonic time source. Its value is the reference
// instant chosen at construction plus the time elapsed since construction,
// so two runs can be correlated by recording the reference.
//
// A RobotClock is a read-only value handle. Copies share the same origin and
// report the same time, and Now is safe for concurrent use without locking.
type RobotClock struct {
	reference CuTime
	origin    time.Time
}

// NewRobotClock creates a clock whose Now starts at reference and advances
// with the host's monotonic clock. There is no set operation: live time only
// moves forward.
func NewRobotClock(reference CuTime) RobotClock {
	return RobotClock{
		reference: reference,
		origin:    time.Now(),
	}
}

// Now returns the current robot time. It never blocks and never decreases;
// consecutive calls may return equal values under low timer resolution.
func (c RobotClock) Now() CuTime {
	return c.reference.Add(DurationFromStd(time.Since(c.origin)))
}

// Reference returns the reference instant the clock was constructed with.
func (c RobotClock) Reference() CuTime {
	return c.reference
}
