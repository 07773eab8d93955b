package player

import (
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"

	"slaveclock/device/nullaudio"
	"slaveclock/player/fptime"
	"slaveclock/player/seq"
)

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.PacketStuffing = "weird"
	require.Error(t, bad.Validate())

	bad = cfg
	bad.Tolerance = -1
	require.Error(t, bad.Validate())

	bad = cfg
	bad.RingSize = 8
	bad.BufferStartFill = 9
	require.Error(t, bad.Validate())

	bad = cfg
	bad.MaxDACDelay = 0
	require.Error(t, bad.Validate())
}

func TestVol2AttnBoundsAndMonotonic(t *testing.T) {
	// Max volume maps to 0dB attenuation -> gain 1.
	require.InDelta(t, 0.0, vol2attn(0), 1e-9)
	// Bottom of the normal range maps to the software floor.
	require.InDelta(t, softwareMinDB*1000/20, vol2attn(-30), 1e-9)
	// Out-of-range inputs clamp rather than extrapolate.
	require.Equal(t, vol2attn(-30), vol2attn(-60))
	require.Equal(t, vol2attn(0), vol2attn(5))
	// Monotonic: louder airplay dB never yields more attenuation.
	require.Less(t, vol2attn(-20), vol2attn(-10))
}

func TestVolumeMuteSentinel(t *testing.T) {
	dev := nullaudio.New()
	p := New(DefaultConfig(), dev, &stubNetwork{}, &stubRefs{}, nil)
	p.Volume(-144)
	require.Equal(t, uint32(0), p.volume.Get())

	p.Volume(0)
	require.Equal(t, uint32(fullScaleVolume), p.volume.Get())
}

type stubNetwork struct {
	resends  int
	shutdown int
}

func (s *stubNetwork) RequestResend(seq.Num, int)     { s.resends++ }
func (s *stubNetwork) RequestedConnectionState() bool { return true }
func (s *stubNetwork) RequestShutdown()               { s.shutdown++ }

type stubRefs struct{ clock fptime.Clock }

func (r *stubRefs) ReferenceTimestamp() (seq.TS, fptime.Time, fptime.Time) {
	now := r.clock.Now()
	return 1, now, now
}

func TestPlayRejectsUnsupportedFormat(t *testing.T) {
	p := New(DefaultConfig(), nullaudio.New(), &stubNetwork{}, &stubRefs{}, nil)
	err := p.Play(StreamConfig{Fmtp: [12]int{0, 4, 0, 8, 0, 0, 0, 0, 0, 0, 0, 44100}})
	require.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestPlayRejectsResourceExhausted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RingSize = 4 // far smaller than latency requires
	cfg.Latency = 88200
	p := New(cfg, nullaudio.New(), &stubNetwork{}, &stubRefs{}, nil)
	err := p.Play(StreamConfig{Fmtp: [12]int{0, 4, 0, 16, 0, 0, 0, 0, 0, 0, 0, 44100}})
	require.ErrorIs(t, err, ErrResourceExhausted)
}

func TestPlayPutPacketStopLifecycle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Latency = 8
	cfg.AudioBackendBufferDesiredLength = 0
	dev := nullaudio.New()
	p := New(cfg, dev, &stubNetwork{}, &stubRefs{clock: fptime.NewClock()}, nil)

	err := p.Play(StreamConfig{Fmtp: [12]int{0, 4, 0, 16, 0, 0, 0, 0, 0, 0, 0, 44100}})
	require.NoError(t, err)

	// Garbage payloads never decode successfully, but PutPacket must
	// still classify/advance cursors without panicking and the
	// scheduler goroutine must still be cancellable.
	p.PutPacket(rtp.Header{SequenceNumber: 0, Timestamp: 0}, []byte{1, 2, 3, 4})
	p.PutPacket(rtp.Header{SequenceNumber: 1, Timestamp: 4}, []byte{5, 6, 7, 8})

	time.Sleep(20 * time.Millisecond)
	p.Flush(0)

	p.Stop()
	p.Stop() // must be idempotent on an already-stopped Player

	_ = p.Stats() // must not panic after Stop
}
