// Package player implements the control surface: Play,
// Flush, Volume, Stop, coordinating the lifecycle of the slot ring,
// decode session, jitter buffer and scheduler that live in its
// subpackages. It is the single "Player" value a caller constructs per
// stream, rather than relying on process-wide state.
package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/Laky-64/gologging"
	"github.com/livekit/protocol/logger"
	"github.com/pion/rtp"
	"golang.org/x/time/rate"

	"slaveclock/player/decode"
	"slaveclock/player/fptime"
	"slaveclock/player/jitter"
	"slaveclock/player/ring"
	"slaveclock/player/scheduler"
	"slaveclock/player/seq"
	"slaveclock/player/stats"
	"slaveclock/player/stuff"
)

// Fatal setup errors: Play aborts and returns one of these,
// wrapped with context, rather than starting a stream it cannot sustain.
var (
	ErrUnsupportedFormat = errors.New("player: unsupported format")
	ErrResourceExhausted = errors.New("player: resource exhausted")
	ErrDecodeMismatch    = errors.New("player: decode size mismatch")
)

// StreamConfig carries the per-stream encryption material and the
// negotiated fmtp parameters. Fmtp follows the standard 12-element
// AirPlay layout: Fmtp[1]=frame_samples, Fmtp[3]=bits_per_sample,
// Fmtp[11]=sample_rate.
type StreamConfig struct {
	Encrypted bool
	AESKey    [16]byte
	AESIV     [16]byte
	Fmtp      [12]int
}

// ReferenceProvider is the external clock/reference provider
// collaborator. A zero refTS return means "no lock yet".
type ReferenceProvider interface {
	ReferenceTimestamp() (refTS seq.TS, refLocalTime, refRemoteTime fptime.Time)
}

// NetworkControl bundles the network-layer collaborator surface: resend
// requests, shutdown notification, and the connection-state poll the
// scheduler reads every tick.
type NetworkControl interface {
	jitter.NetworkCollaborator
	RequestedConnectionState() bool
	RequestShutdown()
}

// CommandRunner is an optional NetworkControl capability: start/stop
// hooks run around the stream's lifecycle when the network collaborator
// supports them.
type CommandRunner interface {
	CommandStart()
	CommandStop()
}

// Device re-exports scheduler.Device so callers assembling a Player
// don't need to import the scheduler package directly.
type Device = scheduler.Device

// anchorPollPeriod is how often Player polls the external
// ReferenceProvider and republishes into the lock-free AnchorBox the
// scheduler reads every tick.
const anchorPollPeriod = 250 * time.Millisecond

// Player is the control-surface value: one instance per stream. New
// builds it in a stopped state; Play allocates the ring/decoder/
// scheduler and starts the scheduler goroutine; Stop tears everything
// back down.
type Player struct {
	cfg     Config
	device  Device
	network NetworkControl
	refs    ReferenceProvider
	log     *slog.Logger

	volume *stuff.Volume
	stats  *stats.Stats

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	ring     *ring.Ring
	anchor   *ring.AnchorBox
	session  *decode.Session
	sched    *scheduler.Scheduler
	resender *jitter.Resender
	jitBuf   *jitter.Buffer
}

// New builds a stopped Player. device, network and refs must not be nil.
func New(cfg Config, device Device, network NetworkControl, refs ReferenceProvider, log *slog.Logger) *Player {
	if log == nil {
		log = slog.Default()
	}
	return &Player{
		cfg:     cfg,
		device:  device,
		network: network,
		refs:    refs,
		log:     log,
		volume:  stuff.NewVolume(),
		stats:   stats.New(),
	}
}

// Play validates the format, builds the decoder and ring, and starts the
// scheduler goroutine. Fatal configuration problems abort before
// anything is started.
func (p *Player) Play(sc StreamConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errors.New("player: already playing")
	}

	frameSamples := sc.Fmtp[1]
	bitsPerSample := sc.Fmtp[3]
	sampleRate := sc.Fmtp[11]
	if bitsPerSample != 16 {
		return fmt.Errorf("%w: bits_per_sample %d", ErrUnsupportedFormat, bitsPerSample)
	}
	if frameSamples <= 0 || sampleRate <= 0 {
		return fmt.Errorf("%w: invalid fmtp frame_samples=%d sample_rate=%d", ErrUnsupportedFormat, frameSamples, sampleRate)
	}

	// Silence the vendored decoder libraries' own chatter, the same way
	// bridge.Service silences ntgcalls's gologging logger at startup.
	gologging.SetLevel(gologging.FatalLevel)

	dec, err := decode.NewALACDecoder(frameSamples, bitsPerSample, sampleRate, 2)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecodeMismatch, err)
	}

	var key, iv []byte
	if sc.Encrypted {
		key = append([]byte(nil), sc.AESKey[:]...)
		iv = append([]byte(nil), sc.AESIV[:]...)
	}
	session, err := decode.NewSession(dec, sc.Encrypted, key, iv)
	if err != nil {
		return fmt.Errorf("player: build decode session: %w", err)
	}

	ringSize := p.cfg.RingSize
	required := ring.RequiredSlots(int(p.cfg.Latency), int(p.cfg.AudioBackendLatencyOffset), frameSamples)
	if ringSize <= 0 {
		ringSize = nextPow2(required)
	}
	if required > ringSize {
		session.Close()
		return fmt.Errorf("%w: latency requires %d slots, ring holds %d", ErrResourceExhausted, required, ringSize)
	}

	r := ring.New(ringSize, frameSamples)
	anchor := &ring.AnchorBox{}

	st := p.stats
	st.ResetAnchor()
	resender := jitter.NewResender(p.network, st, rateLimitOrInf(p.cfg.ResendRateLimit), maxInt(p.cfg.ResendBurst, 1))
	jitBuf := jitter.New(r, session, st, resender, fptime.NewClock(), logger.GetLogger())

	stuffer := p.buildStuffer()

	schedCfg := scheduler.Config{
		FrameSamples:        frameSamples,
		SampleRate:          sampleRate,
		Latency:             p.cfg.Latency,
		LatencyOffset:       p.cfg.AudioBackendLatencyOffset,
		BufferDesiredLength: p.cfg.AudioBackendBufferDesiredLength,
		Tolerance:           p.cfg.Tolerance,
		ResyncThreshold:     p.cfg.ResyncThreshold,
		Timeout:             p.cfg.Timeout,
		MaxDacDelay:         p.cfg.MaxDACDelay,
	}
	sched := scheduler.New(schedCfg, r, anchor, p.device, p.network, resender, stuffer, st, fptime.NewClock(), logger.GetLogger())

	if err := p.device.Start(sampleRate); err != nil {
		session.Close()
		return fmt.Errorf("player: start device: %w", err)
	}

	p.ring = r
	p.anchor = anchor
	p.session = session
	p.sched = sched
	p.resender = resender
	p.jitBuf = jitBuf

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.running = true

	if cr, ok := p.network.(CommandRunner); ok {
		cr.CommandStart()
	}

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		sched.Run(ctx)
	}()
	go func() {
		defer p.wg.Done()
		p.pollReference(ctx)
	}()

	if p.cfg.StatisticsRequested {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.logStatistics(ctx)
		}()
	}

	p.log.Info("player: stream started", "frame_samples", frameSamples, "sample_rate", sampleRate, "ring_size", ringSize, "encrypted", sc.Encrypted)
	return nil
}

// PutPacket is the external RTP layer's entry point, taking the sequence
// number and timestamp straight from the packet's RTP header.
func (p *Player) PutPacket(header rtp.Header, payload []byte) {
	p.mu.Lock()
	buf := p.jitBuf
	p.mu.Unlock()
	if buf == nil {
		return
	}
	buf.PutPacket(seq.Num(header.SequenceNumber), seq.TS(header.Timestamp), payload)
}

// Flush requests a flush filter up to and including boundary, and resets
// the statistics baseline.
func (p *Player) Flush(boundary seq.TS) {
	p.mu.Lock()
	r := p.ring
	p.mu.Unlock()
	if r == nil {
		return
	}
	r.Lock()
	r.FlushMu.Lock()
	r.FlushRequested = true
	r.FlushTS = boundary
	r.FlushMu.Unlock()
	r.Unlock()
	p.stats.ResetAnchor()
	r.Cond.Signal()
}

// softwareMinDB/softwareMaxDB bound the software attenuation range
// airplay volume maps onto.
const (
	softwareMinDB = -48.1
	softwareMaxDB = 0.0
	airplayMinDB  = -30.0
	airplayMaxDB  = 0.0
	muteDB        = -144.0
)

// vol2attn linearly maps an AirPlay dB value in [-30, 0] onto the
// software attenuation range [-48.1dB, 0dB], then rescales it into the
// unit the gain formula expects: gain = 10^(vol2attn(v)/1000), an
// amplitude-ratio dB reading in thousandths.
func vol2attn(v float64) float64 {
	if v < airplayMinDB {
		v = airplayMinDB
	}
	if v > airplayMaxDB {
		v = airplayMaxDB
	}
	frac := (v - airplayMinDB) / (airplayMaxDB - airplayMinDB)
	dB := softwareMinDB + frac*(softwareMaxDB-softwareMinDB)
	return dB * 1000 / 20
}

// Volume translates an AirPlay dB value to a linear gain and applies it
// to the stuffing pass's dither, forwarding to a hardware volume hook
// (and clamping gain to 1) when the device exposes one.
func (p *Player) Volume(airplayDB float64) {
	gain := 0.0
	if airplayDB > muteDB {
		gain = math.Pow(10, vol2attn(airplayDB)/1000)
	}

	if vc, ok := p.device.(scheduler.VolumeController); ok {
		vc.SetHardwareVolume(airplayDB)
		gain = 1
	}

	fixVolume := uint32(math.Round(gain * float64(fullScaleVolume)))
	if fixVolume > fullScaleVolume {
		fixVolume = fullScaleVolume
	}
	p.volume.Set(fixVolume)
}

const fullScaleVolume = 1 << 16

// Stop signals the scheduler to exit, joins it, closes the device, and
// frees the ring/decoder. Safe to call on a Player that was never
// Play'd.
func (p *Player) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	r := p.ring
	session := p.session
	cancel := p.cancel
	p.running = false
	p.mu.Unlock()

	r.Lock()
	r.PleaseStop = true
	r.Unlock()
	r.Cond.Broadcast()

	cancel()
	p.wg.Wait()

	_ = p.device.Stop()
	session.Close()

	if cr, ok := p.network.(CommandRunner); ok {
		cr.CommandStop()
	}

	p.mu.Lock()
	p.ring = nil
	p.session = nil
	p.sched = nil
	p.jitBuf = nil
	p.mu.Unlock()

	p.log.Info("player: stream stopped")
}

// Stats returns a point-in-time snapshot of the running counters.
func (p *Player) Stats() stats.Snapshot {
	return p.stats.Snapshot()
}

func (p *Player) buildStuffer() scheduler.Stuffer {
	if p.cfg.PacketStuffing == StuffingSoxr {
		return stuff.NewSoxrStrategy(p.volume, 44100)
	}
	return stuff.NewBasicStrategy(p.volume, nil)
}

// pollReference republishes the external reference provider's latest
// anchor into the lock-free AnchorBox every anchorPollPeriod, so the
// scheduler's hot per-tick read never takes a lock.
func (p *Player) pollReference(ctx context.Context) {
	ticker := time.NewTicker(anchorPollPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ts, local, remote := p.refs.ReferenceTimestamp()
			if ts == 0 {
				continue
			}
			p.anchor.Store(ring.Anchor{RefTS: ts, RefLocalTime: local, RefRemoteTime: remote})
		}
	}
}

// logStatistics emits a periodic structured log line when
// statistics_requested is configured.
func (p *Player) logStatistics(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sn := p.Stats()
			p.log.Info("player: statistics",
				"late_packets", sn.LatePackets,
				"too_late_packets", sn.TooLatePackets,
				"missing_packets", sn.MissingPackets,
				"resends", sn.Resends,
				"device_delay_errors", sn.DeviceDelayErrors,
				"sync_error_frames", sn.SyncErrorFrames,
				"drift_frames_per_sec", sn.DriftFramesPerSec,
				"correction_rate", sn.CorrectionRate,
			)
		}
	}
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// rateLimitOrInf turns a configured requests/sec value into a
// golang.org/x/time/rate.Limit, treating <= 0 as "unthrottled" the same
// way jitter's test helpers use rate.Inf.
func rateLimitOrInf(perSec float64) rate.Limit {
	if perSec <= 0 {
		return rate.Inf
	}
	return rate.Limit(perSec)
}
