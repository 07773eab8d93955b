// Package decode implements the decrypt+decode pipeline: optional
// AES-128-CBC decryption of a packet payload followed by handing it to an
// opaque audio decoder that fills a PCM16 frame. The decoder itself is a
// black box behind the Decoder interface -- this package never
// reimplements codec internals, only plumbs bytes to one.
package decode

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"

	msdk "github.com/livekit/media-sdk"
)

// ErrMismatch is returned when a Decoder reports a PCM size that doesn't
// match the expected stereo frame size, or that exceeds the output buffer.
// It is never fatal: the producer logs it and drops the packet. Play does
// not run a validation decode; a decoder that cannot be built for the
// negotiated parameters is reported there as player.ErrDecodeMismatch.
var ErrMismatch = errors.New("decode: decoder output size mismatch")

// Decoder decodes one compressed audio packet into interleaved stereo
// PCM16 samples. Implementations are opaque: this package only calls
// through the interface.
type Decoder interface {
	// Decode decodes packet into out, which is sized 2*FrameSamples()
	// int16 values (stereo). It returns the number of samples actually
	// written; a mismatch against 2*FrameSamples() is ErrMismatch.
	Decode(packet []byte, out msdk.PCM16Sample) (int, error)
	// FrameSamples is the number of stereo sample pairs one packet
	// decodes to.
	FrameSamples() int
}

// Session holds the per-stream AES-128-CBC key/IV (if the stream is
// encrypted) and the Decoder used for every packet.
type Session struct {
	Decoder   Decoder
	Encrypted bool
	key       *SecretKey // nil when not encrypted
}

// NewSession builds a decode session. When encrypted is true, key and iv
// must each be 16 bytes; they are copied into a locked enclave (see
// SecretKey) and are never retained by the caller's slices.
func NewSession(dec Decoder, encrypted bool, key, iv []byte) (*Session, error) {
	s := &Session{Decoder: dec, Encrypted: encrypted}
	if encrypted {
		sk, err := NewSecretKey(key, iv)
		if err != nil {
			return nil, err
		}
		s.key = sk
	}
	return s, nil
}

// Close destroys any held key material.
func (s *Session) Close() {
	if s.key != nil {
		s.key.Destroy()
	}
}

// DecodeInto runs the decrypt+decode pipeline for one packet: if
// encrypted, AES-CBC-decrypt the leading length&^0xF bytes
// (the tail below one block passes through unchanged, since CBC only
// operates on whole blocks), then hand the result to the opaque decoder.
func (s *Session) DecodeInto(payload []byte, out msdk.PCM16Sample) (int, error) {
	buf := payload
	if s.Encrypted {
		plain, err := s.key.DecryptCBC(payload)
		if err != nil {
			return 0, fmt.Errorf("decode: decrypt: %w", err)
		}
		buf = plain
	}
	n, err := s.Decoder.Decode(buf, out)
	if err != nil {
		return 0, fmt.Errorf("decode: %w", err)
	}
	want := 2 * s.Decoder.FrameSamples()
	if n != want || n > len(out) {
		return 0, fmt.Errorf("%w: got %d samples, want %d", ErrMismatch, n, want)
	}
	return n, nil
}

// decryptCBCBytes decrypts the leading length&^0xF bytes of payload with
// AES-128-CBC using a throwaway copy of iv (CBC decryption consumes its
// IV destructively in the stdlib implementation, so the caller's IV must
// never be reused across packets without copying first). The remaining
// tail (< 16 bytes) is passed through unchanged, matching the source
// stream's padding convention.
func decryptCBCBytes(key, iv, payload []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	wholeLen := len(payload) &^ 0xF
	out := make([]byte, len(payload))
	copy(out, payload)
	if wholeLen > 0 {
		ivCopy := make([]byte, len(iv))
		copy(ivCopy, iv)
		mode := cipher.NewCBCDecrypter(block, ivCopy)
		mode.CryptBlocks(out[:wholeLen], payload[:wholeLen])
	}
	return out, nil
}
