// Package stuff implements the packet-stuffing resampler: inserting or
// deleting one stereo sample per frame to correct clock drift, and the
// software volume/dither pass applied to every emitted sample. Both
// strategies implement scheduler.Stuffer.
package stuff

import (
	"sync"

	msdk "github.com/livekit/media-sdk"
)

// fullScale is 2^16: at this fix_volume, dithered_vol is the identity
//.
const fullScale = 1 << 16

// Volume holds the current software gain, guarded by its own lock, held
// only inside stuffing passes and never nested with the ring or anchor
// locks. Shared between whichever Strategy is active and
// player.Player.Volume.
type Volume struct {
	mu        sync.Mutex
	fixVolume uint32
}

// NewVolume returns a Volume at full scale (no attenuation, dither
// bypassed).
func NewVolume() *Volume {
	return &Volume{fixVolume: fullScale}
}

// Set stores a new linear gain in [0, 2^16].
func (v *Volume) Set(fixVolume uint32) {
	if fixVolume > fullScale {
		fixVolume = fullScale
	}
	v.mu.Lock()
	v.fixVolume = fixVolume
	v.mu.Unlock()
}

// Get returns the current linear gain.
func (v *Volume) Get() uint32 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.fixVolume
}

// lcg is the fixed pseudo-random generator used for triangular dither:
// s <- 69069*s + 3. A fresh lcg{} is used for every stuff pass (both
// rand_a and rand_b history zeroed on entry), rather than carrying state
// across calls.
type lcg struct{ s uint32 }

func (l *lcg) next() uint32 {
	l.s = 69069*l.s + 3
	return l.s
}

// ditherer applies dithered_vol to one sample at a time against a fixed
// gain and a freshly-zeroed LCG:
// dithered_vol(x) = (x*fix_volume + r_a - r_b) >> 16.
type ditherer struct {
	fixVolume uint32
	gen       lcg
}

func newDitherer(fixVolume uint32) ditherer {
	return ditherer{fixVolume: fixVolume}
}

func (d *ditherer) apply(x int16) int16 {
	if d.fixVolume == fullScale {
		return x
	}
	ra := int64(d.gen.next())
	rb := int64(d.gen.next())
	v := (int64(x)*int64(d.fixVolume) + ra - rb) >> 16
	return int16(v)
}

// applyAll dithers every sample of in into a freshly allocated buffer of
// the same length (an exact copy at full scale). This package uses it
// whenever no sample is inserted or dropped: amount == 0, a frame too
// short to stuff, or a failed resample.
func applyAll(in msdk.PCM16Sample, fixVolume uint32) msdk.PCM16Sample {
	out := make(msdk.PCM16Sample, len(in))
	d := newDitherer(fixVolume)
	for i, x := range in {
		out[i] = d.apply(x)
	}
	return out
}
