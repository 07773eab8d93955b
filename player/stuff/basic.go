package stuff

import (
	"math/rand"

	msdk "github.com/livekit/media-sdk"
)

// BasicStrategy is the "Basic" packet-stuffing strategy: pick a random
// interior frame index, interpolate or drop a single frame there, and
// apply software volume/dither to every emitted sample.
type BasicStrategy struct {
	volume *Volume
	rng    *rand.Rand
}

// NewBasicStrategy builds a BasicStrategy sharing the given Volume. rng
// defaults to a process-seeded source if nil (tests can inject a fixed
// one for a deterministic choice of interior index).
func NewBasicStrategy(volume *Volume, rng *rand.Rand) *BasicStrategy {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return &BasicStrategy{volume: volume, rng: rng}
}

// Process implements scheduler.Stuffer.
func (b *BasicStrategy) Process(in msdk.PCM16Sample, amount int) msdk.PCM16Sample {
	frames := len(in) / 2
	fixVolume := b.volume.Get()

	if amount == 0 || frames < 3 {
		return applyAll(in, fixVolume)
	}

	out := make(msdk.PCM16Sample, 2*(frames+amount))
	d := newDitherer(fixVolume)
	oi := 0

	k := 1 + b.rng.Intn(frames-2) // interior index, k in [1, frames-2]
	for fi := 0; fi < k; fi++ {
		out[oi] = d.apply(in[2*fi])
		out[oi+1] = d.apply(in[2*fi+1])
		oi += 2
	}

	if amount > 0 {
		// Interpolated frame between the neighbours surrounding k; the
		// frame at k itself is still copied afterward, unconsumed.
		left := (int32(in[2*(k-1)]) + int32(in[2*(k+1)])) / 2
		right := (int32(in[2*(k-1)+1]) + int32(in[2*(k+1)+1])) / 2
		out[oi] = d.apply(int16(left))
		out[oi+1] = d.apply(int16(right))
		oi += 2
		for fi := k; fi < frames; fi++ {
			out[oi] = d.apply(in[2*fi])
			out[oi+1] = d.apply(in[2*fi+1])
			oi += 2
		}
		return out
	}

	// amount < 0: drop the frame at k, resume from k+1.
	for fi := k + 1; fi < frames; fi++ {
		out[oi] = d.apply(in[2*fi])
		out[oi+1] = d.apply(in[2*fi+1])
		oi += 2
	}
	return out
}
