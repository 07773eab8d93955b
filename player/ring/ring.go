// Package ring implements the frame slot ring: a fixed-size, power-of-two
// addressed array of decoded-PCM slots shared between the jitter buffer
// (producer) and the scheduler (consumer).
package ring

import (
	"fmt"
	"sync"

	msdk "github.com/livekit/media-sdk"

	"slaveclock/player/fptime"
	"slaveclock/player/seq"
)

// DefaultSize is the default slot count (must stay a power of two).
const DefaultSize = 512

// Slot holds one decoded frame. The ring exclusively owns its PCM memory
// for the lifetime of a stream; callers must copy out (or emit
// immediately) rather than retain a pointer into a slot across a lock
// release.
type Slot struct {
	Ready          bool
	Timestamp      seq.TS
	SequenceNumber seq.Num
	PCM            msdk.PCM16Sample
}

// Ring is the slot ring plus the reader/writer cursors and buffering
// state, all guarded under a single lock.
type Ring struct {
	mu   sync.Mutex
	Cond *sync.Cond

	slots []Slot
	mask  seq.Num

	ABRead  seq.Num
	ABWrite seq.Num

	Synced    bool
	Buffering bool

	FirstPacketTS       *seq.TS
	FirstPacketDeadline *fptime.Time

	TimeOfLastAudioPacket fptime.Time

	PleaseStop bool

	// ConnectionStateToOutput is the scheduler's cached view of the
	// external output-routing decision; the producer reads it under the
	// ring lock and drops packets silently while it is false. Defaults
	// to true so a Ring built without an external gate behaves as if
	// always connected.
	ConnectionStateToOutput bool

	// flush fields are logically guarded by FlushMu, acquired (when
	// needed at all) strictly inside a held ring lock -- never the
	// other way around.
	FlushMu        sync.Mutex
	FlushRequested bool
	FlushTS        seq.TS
}

// RequiredSlots returns ceil((latency+offset)/frameSamples)+10, the
// minimum ring size for the given configured latency.
func RequiredSlots(latencyFrames, latencyOffsetFrames, frameSamples int) int {
	if frameSamples <= 0 {
		frameSamples = 1
	}
	total := latencyFrames + latencyOffsetFrames
	if total < 0 {
		total = 0
	}
	need := (total + frameSamples - 1) / frameSamples
	return need + 10
}

// New allocates a ring of n slots (rounded up to the next power of two),
// each sized to hold one stereo frame of up to maxFrameSamples samples.
func New(n, maxFrameSamples int) *Ring {
	if n <= 0 {
		n = DefaultSize
	}
	n = nextPow2(n)
	if maxFrameSamples <= 0 {
		maxFrameSamples = 1
	}
	r := &Ring{
		slots:                   make([]Slot, n),
		mask:                    seq.Num(n - 1),
		ConnectionStateToOutput: true,
		Buffering:               true,
	}
	r.Cond = sync.NewCond(&r.mu)
	for i := range r.slots {
		r.slots[i].PCM = make(msdk.PCM16Sample, 2*maxFrameSamples)
	}
	return r
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// Size returns the slot count (always a power of two).
func (r *Ring) Size() int { return int(r.mask) + 1 }

// Lock acquires the ring lock. Exported so jitter/scheduler can hold it
// across their own multi-step critical sections.
func (r *Ring) Lock()   { r.mu.Lock() }
func (r *Ring) Unlock() { r.mu.Unlock() }

// Slot returns the slot addressed by s. Caller must hold the ring lock.
func (r *Ring) Slot(s seq.Num) *Slot {
	return &r.slots[s&r.mask]
}

// Filled returns ABWrite - ABRead in ordinate order (frames currently
// between the cursors). Caller must hold the ring lock.
func (r *Ring) Filled() int32 {
	return seq.Diff(r.ABRead, r.ABWrite, r.ABRead)
}

// CheckInvariant returns an error if the ring-capacity invariant
// (ABWrite - ABRead <= N) is violated; used by tests, not the hot path.
func (r *Ring) CheckInvariant() error {
	if got := r.Filled(); got > int32(r.Size()) {
		return fmt.Errorf("ring: ab_write - ab_read = %d exceeds capacity %d", got, r.Size())
	}
	return nil
}

// Reset clears all slots and cursors to an unsynced, buffering state and
// resets the flush filter. Play builds a fresh ring with New instead, and
// the scheduler's flush handling uses ClearReadyFlags rather than Reset.
// Caller must hold the ring lock.
func (r *Ring) Reset(at seq.Num) {
	for i := range r.slots {
		r.slots[i].Ready = false
	}
	r.ABRead = at
	r.ABWrite = at
	r.Synced = false
	r.Buffering = true
	r.FirstPacketTS = nil
	r.FirstPacketDeadline = nil

	r.FlushMu.Lock()
	r.FlushRequested = false
	r.FlushTS = 0
	r.FlushMu.Unlock()
}

// ClearReadyFlags zeroes every slot's ready bit without moving cursors,
// used by the flush-application step.
func (r *Ring) ClearReadyFlags() {
	for i := range r.slots {
		r.slots[i].Ready = false
	}
}
