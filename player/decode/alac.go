package decode

import (
	"fmt"

	alac "github.com/mycophonic/saprobe-alac"
	msdk "github.com/livekit/media-sdk"
)

// ALACDecoder decodes ALAC packets via github.com/mycophonic/saprobe-alac,
// which is the one real ALAC decoder in reach of this module. It is kept
// fully opaque behind Decoder: nothing here inspects the ALAC bitstream.
type ALACDecoder struct {
	dec          *alac.Decoder
	frameSamples int
	channels     int
	scratch      []byte
}

// NewALACDecoder builds a decoder for the negotiated stream parameters
// (fmtp[1]=frameSamples, fmtp[3]=bitsPerSample, fmtp[11]=sampleRate;
// channels is always 2 for the stereo core).
func NewALACDecoder(frameSamples, bitsPerSample, sampleRate, channels int) (*ALACDecoder, error) {
	if bitsPerSample != 16 {
		return nil, fmt.Errorf("decode: unsupported bits_per_sample %d", bitsPerSample)
	}
	dec, err := alac.NewDecoder(alac.Config{
		FrameLength: uint32(frameSamples),
		NumChannels: uint8(channels),
		BitDepth:    uint8(bitsPerSample),
		SampleRate:  uint32(sampleRate),
	})
	if err != nil {
		return nil, fmt.Errorf("decode: alac.NewDecoder: %w", err)
	}
	return &ALACDecoder{dec: dec, frameSamples: frameSamples, channels: channels}, nil
}

func (d *ALACDecoder) FrameSamples() int { return d.frameSamples }

func (d *ALACDecoder) Decode(packet []byte, out msdk.PCM16Sample) (int, error) {
	pcm, err := d.dec.DecodePacket(packet)
	if err != nil {
		return 0, fmt.Errorf("alac decode: %w", err)
	}
	n := len(pcm) / 2
	if cap(out) < n {
		return 0, fmt.Errorf("%w: output buffer too small for %d samples", ErrMismatch, n)
	}
	for i := 0; i < n; i++ {
		out[i] = int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8)
	}
	return n, nil
}
