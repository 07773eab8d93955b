// Package seq implements modular comparison and distance arithmetic over
// wrapping 16-bit sequence numbers and 32-bit timestamps.
//
// ordinate-based helpers that read the ring's reader cursor must be called
// with the ring lock held; the anchor they compare against changes under
// concurrent producer/consumer access.
package seq

// Num is a 16-bit wrapping packet sequence number.
type Num = uint16

// TS is a 32-bit wrapping frame timestamp, incremented by one per PCM frame.
type TS = uint32

// Succ returns x+1 mod 2^16.
func Succ(x Num) Num { return x + 1 }

// Pred returns x-1 mod 2^16.
func Pred(x Num) Num { return x - 1 }

// Sum returns a+b mod 2^16.
func Sum(a, b Num) Num { return a + b }

// Ordinate returns the signed distance of x from anchor, in [-32768, 32767].
// Positive means x is ahead of anchor in sequence order.
func Ordinate(x, anchor Num) int32 {
	d := uint16(x - anchor)
	if d >= 32768 {
		return int32(d) - 65536
	}
	return int32(d)
}

// Diff returns Ordinate(b, anchor) - Ordinate(a, anchor). Anchor is
// conventionally the ring's ab_read cursor; callers must hold the ring
// lock because that cursor can move between reads.
func Diff(a, b, anchor Num) int32 {
	return Ordinate(b, anchor) - Ordinate(a, anchor)
}

// After reports whether b is strictly after a in the 16-bit ordinate order
// anchored at a itself (i.e. the usual "is b newer than a" test).
func After(a, b Num) bool {
	return Ordinate(b, a) > 0
}

// TSSucc returns t+1 mod 2^32.
func TSSucc(t TS) TS { return t + 1 }

// TSAfter32 reports whether b comes strictly after a in 32-bit wrap order,
// assuming the live gap between any two timestamps is less than 2^31.
func TSAfter32(a, b TS) bool {
	if a == b {
		return false
	}
	return TS(b-a) < 1<<31
}

// TSLessOrEqual32 reports whether a <= b in 32-bit wrap order (used by the
// flush filter, which drops packets with ts <= boundary).
func TSLessOrEqual32(a, b TS) bool {
	return a == b || TSAfter32(a, b)
}

// TSDiff32 returns the signed 32-bit distance b-a, interpreting the wrap
// the same way TSAfter32 does (magnitude < 2^31 is a live delta).
func TSDiff32(a, b TS) int64 {
	d := int64(TS(b - a))
	if d >= 1<<31 {
		d -= 1 << 32
	}
	return d
}
