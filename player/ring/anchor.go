package ring

import (
	"sync/atomic"

	"slaveclock/player/fptime"
	"slaveclock/player/seq"
)

// Anchor maps a remote reference timestamp to the local monotonic instant
// it was observed at, as published by the external timing component
// roughly once a second.
type Anchor struct {
	RefTS         seq.TS
	RefLocalTime  fptime.Time
	RefRemoteTime fptime.Time
}

// Locked is zero iff no anchor has ever been stored.
func (a Anchor) Locked() bool { return a.RefTS != 0 }

// AnchorBox publishes an Anchor for lock-free, read-mostly consumption.
// It is a seqlock: one odd/even version counter guards an optimistic read,
// so the scheduler's hot per-tick poll never contends a mutex against the
// (roughly 1Hz) writer. Modeled on the shm seqlock ring buffer pattern
// (single writer, many optimistic readers, retry on a torn read).
type AnchorBox struct {
	version  atomic.Uint64
	refTS    atomic.Uint32
	refLocal atomic.Uint64
	refRemote atomic.Uint64
}

// Store publishes a new anchor. Single-writer: only the Player's
// reference-polling goroutine calls this.
func (b *AnchorBox) Store(a Anchor) {
	b.version.Add(1) // now odd: a write is in progress
	b.refTS.Store(uint32(a.RefTS))
	b.refLocal.Store(uint64(a.RefLocalTime))
	b.refRemote.Store(uint64(a.RefRemoteTime))
	b.version.Add(1) // now even: stable again
}

// Load returns the latest stable anchor. Stale-but-consistent reads are
// acceptable; a torn read is retried.
func (b *AnchorBox) Load() Anchor {
	for {
		v1 := b.version.Load()
		if v1&1 == 1 {
			continue
		}
		ts := b.refTS.Load()
		local := b.refLocal.Load()
		remote := b.refRemote.Load()
		v2 := b.version.Load()
		if v1 == v2 {
			return Anchor{
				RefTS:         seq.TS(ts),
				RefLocalTime:  fptime.Time(local),
				RefRemoteTime: fptime.Time(remote),
			}
		}
	}
}

// ReferenceTimestamp implements scheduler.ClockProvider: a lock-free read
// of the latest published anchor, suitable for the scheduler's per-tick
// poll. A zero RefTS (ref_ts==0, i.e. never stored) reports locked=false.
func (b *AnchorBox) ReferenceTimestamp() (Anchor, bool) {
	a := b.Load()
	return a, a.Locked()
}
