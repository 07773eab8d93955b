package stuff

import (
	resampler "github.com/tphakala/go-audio-resampler"

	msdk "github.com/livekit/media-sdk"
)

// edgeSamples is the number of leading/trailing stereo samples the soxr
// path preserves verbatim from the input, to keep a one-shot rational
// resample from smearing transients at frame edges.
const edgeSamples = 5

// SoxrStrategy is an optional high-quality packet-stuffing path: a
// one-shot rational-rate resample, targeting F+amount samples, of the
// frame body between the edgeSamples frames kept verbatim at each end,
// with software volume applied to the result. Requires frames longer
// than 2*edgeSamples; shorter frames fall back to dither-only passthrough
// the same way BasicStrategy does for amount==0.
type SoxrStrategy struct {
	volume     *Volume
	sampleRate int
}

// NewSoxrStrategy builds a SoxrStrategy sharing the given Volume, for a
// stream running at sampleRate Hz (used to derive the one-shot rational
// resample ratio for a given frame length).
func NewSoxrStrategy(volume *Volume, sampleRate int) *SoxrStrategy {
	if sampleRate <= 0 {
		sampleRate = 44100
	}
	return &SoxrStrategy{volume: volume, sampleRate: sampleRate}
}

// Process implements scheduler.Stuffer.
func (s *SoxrStrategy) Process(in msdk.PCM16Sample, amount int) msdk.PCM16Sample {
	frames := len(in) / 2
	fixVolume := s.volume.Get()

	if amount == 0 || frames <= 2*edgeSamples {
		return applyAll(in, fixVolume)
	}

	body := in[2*edgeSamples : len(in)-2*edgeSamples]
	bodyFrames := frames - 2*edgeSamples
	resampled, err := resampler.ResampleStereoInt16(body, s.sampleRate, s.sampleRate*(bodyFrames+amount)/bodyFrames)
	if err != nil {
		// Resample failed: fall back to the dither-only passthrough
		// rather than propagating a codec-level failure up through the
		// scheduler's hot path.
		return applyAll(in, fixVolume)
	}

	out := make(msdk.PCM16Sample, 2*edgeSamples+len(resampled)+2*edgeSamples)
	d := newDitherer(fixVolume)
	for i := 0; i < 2*edgeSamples; i++ {
		out[i] = d.apply(in[i])
	}
	oi := 2 * edgeSamples
	for _, x := range resampled {
		out[oi] = d.apply(x)
		oi++
	}
	for i := len(in) - 2*edgeSamples; i < len(in); i++ {
		out[oi] = d.apply(in[i])
		oi++
	}
	return out
}
