package decode

import (
	"fmt"

	"github.com/gotranspile/g722"
	msdk "github.com/livekit/media-sdk"
)

// G722Decoder decodes mono G.722 into the stereo PCM16 shape the ring
// expects, by upmixing L=R. It is a cheap, deterministic alternative to
// the ALAC decoder, one of several interchangeable codec implementations
// behind the Decoder interface. Play always builds an ALACDecoder, and
// the jitter/scheduler tests use their own stub decoders.
type G722Decoder struct {
	dec          *g722.Decoder
	frameSamples int
	monoBuf      []byte
}

// NewG722Decoder builds a decoder producing frameSamples stereo pairs per
// packet (so frameSamples mono G.722 samples per packet).
func NewG722Decoder(frameSamples int) *G722Decoder {
	return &G722Decoder{
		dec:          g722.NewDecoder(g722.Rate64000, g722.FlagPLC),
		frameSamples: frameSamples,
		monoBuf:      make([]byte, frameSamples*2),
	}
}

func (d *G722Decoder) FrameSamples() int { return d.frameSamples }

func (d *G722Decoder) Decode(packet []byte, out msdk.PCM16Sample) (int, error) {
	n, err := d.dec.Decode(d.monoBuf, packet)
	if err != nil {
		return 0, fmt.Errorf("g722 decode: %w", err)
	}
	monoSamples := n / 2
	if cap(out) < monoSamples*2 {
		return 0, fmt.Errorf("%w: output buffer too small for %d stereo samples", ErrMismatch, monoSamples*2)
	}
	for i := 0; i < monoSamples; i++ {
		v := int16(uint16(d.monoBuf[i*2]) | uint16(d.monoBuf[i*2+1])<<8)
		out[i*2] = v
		out[i*2+1] = v
	}
	return monoSamples * 2, nil
}
