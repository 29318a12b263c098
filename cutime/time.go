// Package cutime defines the robot's monotonic time domain and the clocks
// that produce it. All timestamps that cross the task graph are expressed in
// this domain, so a recorded run can be replayed with identical values.
package cutime

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrTimeUnderflow is the panic value raised when a subtraction in the time
// domain would produce a negative result. A negative elapsed time indicates a
// causality bug in the caller, so it is treated as a contract violation
// rather than a recoverable error.
var ErrTimeUnderflow = errors.New("cutime: subtraction underflow")

// CuDuration is an elapsed time in the robot's time domain, counted in
// nanoseconds. The 64-bit unsigned representation covers about 584 years,
// which keeps every timestamp in a log at 8 bytes.
type CuDuration uint64

// Units of CuDuration.
const (
	Nanosecond  CuDuration = 1
	Microsecond            = 1000 * Nanosecond
	Millisecond            = 1000 * Microsecond
	Second                 = 1000 * Millisecond
)

// DurationFromStd converts a standard library duration. Negative durations
// have no meaning in the robot time domain.
func DurationFromStd(d time.Duration) CuDuration {
	if d < 0 {
		panic(ErrTimeUnderflow)
	}

	return CuDuration(d)
}

// Add returns d + other, saturating at the maximum representable duration.
func (d CuDuration) Add(other CuDuration) CuDuration {
	sum := d + other
	if sum < d {
		return CuDuration(math.MaxUint64)
	}

	return sum
}

// Sub returns d - other. Subtracting a longer duration from a shorter one
// panics with ErrTimeUnderflow.
func (d CuDuration) Sub(other CuDuration) CuDuration {
	if other > d {
		panic(ErrTimeUnderflow)
	}

	return d - other
}

// Nanoseconds returns the duration as a nanosecond count.
func (d CuDuration) Nanoseconds() uint64 {
	return uint64(d)
}

// StdDuration converts to a standard library duration. Durations beyond the
// int64 range saturate.
func (d CuDuration) StdDuration() time.Duration {
	if uint64(d) > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}

	return time.Duration(d)
}

func (d CuDuration) String() string {
	return d.StdDuration().String()
}

// CuTime is a point in time, expressed as the duration elapsed since the
// clock's reference instant.
type CuTime uint64

// Add returns the time shifted forward by d, saturating at the maximum
// representable time.
func (t CuTime) Add(d CuDuration) CuTime {
	sum := t + CuTime(d)
	if sum < t {
		return CuTime(math.MaxUint64)
	}

	return sum
}

// Sub returns the duration elapsed from other to t. Subtracting a later time
// from an earlier one panics with ErrTimeUnderflow, since a duration cannot
// be negative.
func (t CuTime) Sub(other CuTime) CuDuration {
	if other > t {
		panic(ErrTimeUnderflow)
	}

	return CuDuration(t - other)
}

// Before reports whether t is earlier than other.
func (t CuTime) Before(other CuTime) bool {
	return t < other
}

// After reports whether t is later than other.
func (t CuTime) After(other CuTime) bool {
	return t > other
}

func (t CuTime) String() string {
	return fmt.Sprintf("+%s", CuDuration(t))
}

// noneBits is the bit pattern reserved for the unset state of the 64-bit
// optionals. It never collides with a meaningful value: a duration or
// timestamp of 2^64-1 ns is ~584 years past the reference instant.
const noneBits = math.MaxUint64

// OptionCuDuration is a duration that may be absent. The optional fits in 64
// bits so that high-frequency log columns are not doubled in size by a
// presence flag.
type OptionCuDuration uint64

// SomeDuration returns a present optional holding d.
func SomeDuration(d CuDuration) OptionCuDuration {
	if uint64(d) == noneBits {
		panic("cutime: duration value is reserved for the unset sentinel")
	}

	return OptionCuDuration(d)
}

// NoneDuration returns the absent optional.
func NoneDuration() OptionCuDuration {
	return OptionCuDuration(noneBits)
}

// IsNone reports whether the optional is absent.
func (o OptionCuDuration) IsNone() bool {
	return uint64(o) == noneBits
}

// Value returns the held duration and whether it is present.
func (o OptionCuDuration) Value() (CuDuration, bool) {
	if o.IsNone() {
		return 0, false
	}

	return CuDuration(o), true
}

// Bits returns the raw 64-bit encoding, for use by log codecs.
func (o OptionCuDuration) Bits() uint64 {
	return uint64(o)
}

// OptionCuDurationFromBits reconstructs an optional from its raw encoding.
func OptionCuDurationFromBits(bits uint64) OptionCuDuration {
	return OptionCuDuration(bits)
}

// OptionCuTime is a point in time that may be absent, using the same 64-bit
// sentinel encoding as OptionCuDuration.
type OptionCuTime uint64

// SomeTime returns a present optional holding t.
func SomeTime(t CuTime) OptionCuTime {
	if uint64(t) == noneBits {
		panic("cutime: time value is reserved for the unset sentinel")
	}

	return OptionCuTime(t)
}

// NoneTime returns the absent optional.
func NoneTime() OptionCuTime {
	return OptionCuTime(noneBits)
}

// IsNone reports whether the optional is absent.
func (o OptionCuTime) IsNone() bool {
	return uint64(o) == noneBits
}

// Value returns the held time and whether it is present.
func (o OptionCuTime) Value() (CuTime, bool) {
	if o.IsNone() {
		return 0, false
	}

	return CuTime(o), true
}

// Bits returns the raw 64-bit encoding, for use by log codecs.
func (o OptionCuTime) Bits() uint64 {
	return uint64(o)
}

// OptionCuTimeFromBits reconstructs an optional from its raw encoding.
func OptionCuTimeFromBits(bits uint64) OptionCuTime {
	return OptionCuTime(bits)
}

// CuTimeRange is the validity interval of a message. Start never exceeds End.
type CuTimeRange struct {
	Start CuTime
	End   CuTime
}

// NewCuTimeRange creates a range, panicking if start is after end.
func NewCuTimeRange(start, end CuTime) CuTimeRange {
	if start.After(end) {
		panic("cutime: range start is after its end")
	}

	return CuTimeRange{Start: start, End: end}
}

// Duration returns the length of the range.
func (r CuTimeRange) Duration() CuDuration {
	return r.End.Sub(r.Start)
}

// Contains reports whether t falls inside the range, inclusive of both
// bounds.
func (r CuTimeRange) Contains(t CuTime) bool {
	return !t.Before(r.Start) && !t.After(r.End)
}

// PartialCuTimeRange is a validity interval whose bounds may still be
// unknown, such as a sensor reading whose acquisition has not finished.
// Bounds are set-once: overwriting a bound panics, and once both bounds are
// present start <= end must hold.
type PartialCuTimeRange struct {
	start OptionCuTime
	end   OptionCuTime
}

// NewPartialCuTimeRange returns a range with both bounds unset.
func NewPartialCuTimeRange() PartialCuTimeRange {
	return PartialCuTimeRange{start: NoneTime(), end: NoneTime()}
}

// CompleteCuTimeRange returns a partial range with both bounds already set.
func CompleteCuTimeRange(start, end CuTime) PartialCuTimeRange {
	r := NewPartialCuTimeRange()
	r.SetStart(start)
	r.SetEnd(end)

	return r
}

// SetStart sets the lower bound. It panics if the bound was already set, or
// if the new bound would invert the interval.
func (r *PartialCuTimeRange) SetStart(t CuTime) {
	if !r.start.IsNone() {
		panic("cutime: range start already set")
	}

	if end, ok := r.end.Value(); ok && t.After(end) {
		panic("cutime: range start is after its end")
	}

	r.start = SomeTime(t)
}

// SetEnd sets the upper bound. It panics if the bound was already set, or if
// the new bound would invert the interval.
func (r *PartialCuTimeRange) SetEnd(t CuTime) {
	if !r.end.IsNone() {
		panic("cutime: range end already set")
	}

	if start, ok := r.start.Value(); ok && start.After(t) {
		panic("cutime: range start is after its end")
	}

	r.end = SomeTime(t)
}

// Start returns the lower bound and whether it has been set.
func (r PartialCuTimeRange) Start() (CuTime, bool) {
	return r.start.Value()
}

// End returns the upper bound and whether it has been set.
func (r PartialCuTimeRange) End() (CuTime, bool) {
	return r.end.Value()
}

// Full returns the completed range if both bounds are set.
func (r PartialCuTimeRange) Full() (CuTimeRange, bool) {
	start, ok := r.start.Value()
	if !ok {
		return CuTimeRange{}, false
	}

	end, ok := r.end.Value()
	if !ok {
		return CuTimeRange{}, false
	}

	return CuTimeRange{Start: start, End: end}, true
}

// Bits returns the raw encodings of both bounds, for use by log codecs.
func (r PartialCuTimeRange) Bits() (start, end uint64) {
	return r.start.Bits(), r.end.Bits()
}

// PartialCuTimeRangeFromBits reconstructs a partial range from the raw
// encodings of its bounds.
func PartialCuTimeRangeFromBits(start, end uint64) PartialCuTimeRange {
	return PartialCuTimeRange{
		start: OptionCuTimeFromBits(start),
		end:   OptionCuTimeFromBits(end),
	}
}
