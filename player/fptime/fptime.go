// Package fptime implements the 64-bit fixed-point time format used
// throughout the player core: the top 32 bits are whole seconds, the
// bottom 32 a binary fraction of a second. It is produced by an external
// monotonic-clock helper (see Clock) and never carries wall-clock/NTP
// semantics, so DST shifts and time-of-day steps cannot perturb it.
package fptime

import "time"

// Time is a Q32.32 fixed-point instant: seconds in the high 32 bits,
// a binary fraction of a second in the low 32.
type Time uint64

const fracBits = 32

// FromDuration converts a time.Duration into the fixed-point representation.
// Split into whole seconds and a sub-second remainder before scaling so the
// conversion cannot overflow uint64 for any duration a real stream session
// would reach (the naive d*2^32 form does, well within days of uptime).
func FromDuration(d time.Duration) Time {
	neg := d < 0
	if neg {
		d = -d
	}
	secs := uint64(d / time.Second)
	rem := uint64(d % time.Second)
	frac := (rem << fracBits) / uint64(time.Second)
	v := secs<<fracBits | frac
	if neg {
		return Time(-int64(v))
	}
	return Time(v)
}

// ToDuration converts the fixed-point instant back to a time.Duration delta.
func (t Time) ToDuration() time.Duration {
	v := int64(t)
	secs := v >> fracBits            // arithmetic shift: floors toward -inf
	frac := uint64(v) & (1<<fracBits - 1) // low bits are correct in two's complement
	return time.Duration(secs)*time.Second + time.Duration((frac*uint64(time.Second))>>fracBits)
}

// Add returns t advanced by d. Fixed-point addition is plain integer
// addition in this representation.
func (t Time) Add(d time.Duration) Time {
	return t + FromDuration(d)
}

// Sub returns the signed duration t - other.
func (t Time) Sub(other Time) time.Duration {
	return Time(int64(t) - int64(other)).ToDuration()
}

// AddFrames returns t advanced by the playout duration of n frames at
// sampleRate Hz (n may be negative).
func AddFrames(t Time, n int64, sampleRate int) Time {
	return t.Add(time.Duration(n) * time.Second / time.Duration(sampleRate))
}

// FramesUntil returns how many frames at sampleRate Hz separate t from
// deadline (positive if deadline is still in the future), rounding toward
// zero the way integer frame-gap math in the scheduler expects.
func FramesUntil(now, deadline Time, sampleRate int) int64 {
	d := deadline.Sub(now)
	return int64(d) * int64(sampleRate) / int64(time.Second)
}

// Clock produces fixed-point monotonic instants relative to a fixed
// process-local epoch captured at construction. The player core only
// ever receives Time values derived from it, never wall-clock time.
type Clock struct {
	epoch time.Time
}

// NewClock captures the current monotonic instant as epoch zero.
func NewClock() Clock {
	return Clock{epoch: time.Now()}
}

// Now returns the current fixed-point instant.
func (c Clock) Now() Time {
	return FromDuration(time.Since(c.epoch))
}
