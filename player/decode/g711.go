package decode

import (
	"fmt"

	"github.com/zaf/g711"
	msdk "github.com/livekit/media-sdk"
)

// G711Decoder decodes G.711 mu-law payloads into stereo PCM16 by upmixing
// L=R, an alternative Decoder in the same role as G722Decoder (see its
// doc comment); a-law streams use NewG711ADecoder instead.
type G711Decoder struct {
	frameSamples int
	alaw         bool
}

// NewG711Decoder builds a mu-law stand-in decoder.
func NewG711Decoder(frameSamples int) *G711Decoder {
	return &G711Decoder{frameSamples: frameSamples}
}

// NewG711ADecoder builds an a-law stand-in decoder.
func NewG711ADecoder(frameSamples int) *G711Decoder {
	return &G711Decoder{frameSamples: frameSamples, alaw: true}
}

func (d *G711Decoder) FrameSamples() int { return d.frameSamples }

func (d *G711Decoder) Decode(packet []byte, out msdk.PCM16Sample) (int, error) {
	var mono []int16
	var err error
	if d.alaw {
		mono, err = g711.DecodeAlaw(packet)
	} else {
		mono, err = g711.DecodeUlaw(packet)
	}
	if err != nil {
		return 0, fmt.Errorf("g711 decode: %w", err)
	}
	if cap(out) < len(mono)*2 {
		return 0, fmt.Errorf("%w: output buffer too small for %d stereo samples", ErrMismatch, len(mono)*2)
	}
	for i, v := range mono {
		out[i*2] = v
		out[i*2+1] = v
	}
	return len(mono) * 2, nil
}
