// Package scheduler implements the consumer side of the player core:
// get_frame's deadline-driven frame selection, initial buffering, flush
// application and drain, opportunistic resend, and missing-frame filler
// synthesis, plus the per-frame timing/sync loop that feeds
// the stuffing resampler.
package scheduler

import (
	"context"
	"math/rand"
	"time"

	msdk "github.com/livekit/media-sdk"
	"github.com/livekit/protocol/logger"

	"slaveclock/player/fptime"
	"slaveclock/player/jitter"
	"slaveclock/player/ring"
	"slaveclock/player/seq"
	"slaveclock/player/stats"
)

// wakePeriod is (4/3) * (352/44100) s, the periodic wake that keeps the
// scheduler running even in total silence. It is scaled to the
// configured sample rate/frame size at construction.
const wakeNumerator = 4
const wakeDenominator = 3

// Device is the output device collaborator. Play is
// blocking and fully consumes pcm. Optional capabilities (flush, delay,
// volume, parameters) are discovered via the Flusher/DelayReporter/
// VolumeController/ParameterProvider interfaces below, the same
// has-a-method-or-doesn't pattern as io.Closer/http.Flusher.
type Device interface {
	Start(sampleRate int) error
	Stop() error
	Play(pcm msdk.PCM16Sample) error
}

// Flusher is an optional Device capability: discard queued audio.
type Flusher interface {
	Flush()
}

// DelayReporter is an optional Device capability: frames currently
// queued. Implementations return ok=false on error.
type DelayReporter interface {
	Delay() (frames int64, ok bool)
}

// VolumeController is an optional Device capability: hardware mixer
// control, given the raw AirPlay dB value.
type VolumeController interface {
	SetHardwareVolume(airplayDB float64)
}

// Parameters describes a device's volume range and mute capability,
// returned by the optional ParameterProvider capability.
type Parameters struct {
	MaxVolumeDB, MinVolumeDB float64
	HasMute                  bool
}

// ParameterProvider is an optional Device capability.
type ParameterProvider interface {
	Parameters() Parameters
}

// ClockProvider supplies the reference anchor the scheduler aligns frame
// deadlines against.
// *ring.AnchorBox implements this with a lock-free seqlock read.
type ClockProvider interface {
	ReferenceTimestamp() (ring.Anchor, bool)
}

// ExternalControl is the network-layer collaborator the scheduler polls
// for connection-state transitions and notifies on timeout
// (get_requested_connection_state_to_output, rtsp_request_shutdown_stream).
type ExternalControl interface {
	RequestedConnectionState() bool
	RequestShutdown()
}

// Stuffer applies the packet-stuffing resampler and software volume/
// dither to one frame. amount is in {-1, 0, +1}.
type Stuffer interface {
	Process(in msdk.PCM16Sample, amount int) msdk.PCM16Sample
}

// Config holds the scheduler-relevant tunables.
type Config struct {
	FrameSamples  int
	SampleRate    int
	Latency       int64 // frames, typically 88200
	LatencyOffset int64 // signed frames, added to every deadline
	BufferDesiredLength int64 // target DAC queue depth, frames
	Tolerance           int64 // sync_error threshold before stuffing kicks in
	ResyncThreshold     int64 // 0 disables resync-via-flush
	Timeout             time.Duration
	MaxDacDelay         int64
}

// Scheduler is the consumer-side value: one instance per stream, created
// by Player.Play and torn down by Player.Stop.
type Scheduler struct {
	cfg Config

	ring     *ring.Ring
	clock    ClockProvider
	device   Device
	control  ExternalControl
	resender *jitter.Resender
	stuffer  Stuffer
	stats    *stats.Stats
	wallTime fptime.Clock
	log      logger.Logger

	wakePeriod time.Duration

	// consecutiveExcursions counts non-filler frames in a row whose
	// |sync_error| exceeded ResyncThreshold. Only
	// ever touched from the Run goroutine, same as firstPacketDeadline.
	consecutiveExcursions int
	shutdownSignaled      bool
	firstPacketDeadline   *fptime.Time

	// expectedTS tracks the timestamp the *current* ab_read slot is
	// predicted to carry, advancing by FrameSamples every time ab_read
	// advances (via a real arrival or a filler), and resynced to the
	// actual timestamp whenever one is known. It is what the missing-
	// frame due-check measures against, never a value frozen at the
	// moment buffering ended. Only touched from the Run goroutine.
	expectedTS     seq.TS
	haveExpectedTS bool

	// randFloat is the source for §4.5's correction rate-limit dice roll
	// (seconds 5-30: keep a correction with probability 352/1000).
	// Injectable so tests can make the decision deterministic.
	randFloat func() float64
}

// New builds a Scheduler. clock, device, control, resender and stuffer
// may not be nil; wallTime is the monotonic clock shared with the
// jitter buffer's arrival-time bookkeeping.
func New(cfg Config, r *ring.Ring, clock ClockProvider, device Device, control ExternalControl, resender *jitter.Resender, stuffer Stuffer, st *stats.Stats, wallTime fptime.Clock, log logger.Logger) *Scheduler {
	if cfg.FrameSamples <= 0 {
		cfg.FrameSamples = 352
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 44100
	}
	period := time.Duration(wakeNumerator) * time.Duration(cfg.FrameSamples) * time.Second /
		time.Duration(wakeDenominator) / time.Duration(cfg.SampleRate)
	return &Scheduler{
		cfg: cfg, ring: r, clock: clock, device: device, control: control,
		resender: resender, stuffer: stuffer, stats: st, wallTime: wallTime,
		log: log, wakePeriod: period, randFloat: rand.Float64,
	}
}

// Run executes the get_frame -> stuff -> device.Play loop until
// ring.PleaseStop is set. It never returns an error: all failures are
// logged and counted rather than propagated.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		pcm, ts, stop := s.getFrame()
		if stop {
			return
		}
		if pcm == nil {
			continue // nothing due yet; getFrame already waited
		}
		s.emit(pcm, ts)
	}
}

// emit runs the per-frame timing/sync loop and hands the result to the
// device. Filler frames (ts==0) skip sync correction
// entirely and go straight to the device, since dithering true silence
// would introduce audible noise where there should be none.
func (s *Scheduler) emit(pcm msdk.PCM16Sample, ts seq.TS) {
	if ts == 0 {
		_ = s.device.Play(pcm)
		return
	}

	dr, hasDelay := s.device.(DelayReporter)
	if !hasDelay {
		// No delay() hook at all: bypass stuffing entirely, still let
		// the stuffer apply software volume/dither at amount=0.
		_ = s.device.Play(s.stuffer.Process(pcm, 0))
		return
	}
	dacDelay, ok := dr.Delay()
	if !ok {
		s.stats.DeviceDelayErrors.Add(1)
		_ = s.device.Play(s.stuffer.Process(pcm, 0))
		return
	}

	anchor, locked := s.clock.ReferenceTimestamp()
	if !locked {
		_ = s.device.Play(s.stuffer.Process(pcm, 0))
		return
	}

	now := s.wallTime.Now()
	td := now.Sub(anchor.RefLocalTime)
	tdFrames := int64(td) * int64(s.cfg.SampleRate) / int64(time.Second)
	delay := tdFrames + dacDelay - seq.TSDiff32(anchor.RefTS, ts)
	syncError := delay - s.cfg.Latency

	amount := 0
	switch {
	case syncError > s.cfg.Tolerance:
		amount = -1
	case syncError < -s.cfg.Tolerance:
		amount = 1
	}
	if dacDelay < 5000 {
		amount = 0
	}
	amount = s.rateLimitCorrection(amount)

	s.stats.ObserveSyncError(float64(syncError))
	s.stats.RecordCorrection(amount)
	s.trackResync(syncError, ts)

	_ = s.device.Play(s.stuffer.Process(pcm, amount))
}

// rateLimitCorrection applies §4.5's correction rate limit: no
// correction in the first 5s after first_packet_deadline, a 352/1000
// keep-probability through second 30, unrestricted after.
func (s *Scheduler) rateLimitCorrection(amount int) int {
	if amount == 0 || s.firstPacketDeadline == nil {
		return amount
	}
	elapsed := s.wallTime.Now().Sub(*s.firstPacketDeadline)
	switch {
	case elapsed < 5*time.Second:
		return 0
	case elapsed < 30*time.Second:
		if s.randFloat() >= 352.0/1000.0 {
			return 0
		}
		return amount
	default:
		return amount
	}
}

// trackResync is §4.7 step 8: four consecutive non-filler frames beyond
// the resync threshold trigger an internal flush to the current head
// timestamp and reset the counter.
func (s *Scheduler) trackResync(syncError int64, headTS seq.TS) {
	if s.cfg.ResyncThreshold <= 0 {
		return
	}
	if abs64(syncError) <= s.cfg.ResyncThreshold {
		s.consecutiveExcursions = 0
		return
	}
	s.consecutiveExcursions++
	if s.consecutiveExcursions < 4 {
		return
	}
	s.consecutiveExcursions = 0
	r := s.ring
	r.Lock()
	r.FlushMu.Lock()
	r.FlushRequested = true
	r.FlushTS = headTS
	r.FlushMu.Unlock()
	r.Unlock()
	r.Cond.Signal()
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// getFrame blocks (via the ring condition variable) until a frame is
// due, please_stop is set, or the periodic wake fires, then performs
// each buffering/flush/resend/fill step atomically under the ring lock.
// Returns (nil, 0, false) when woken with nothing yet to do.
func (s *Scheduler) getFrame() (msdk.PCM16Sample, seq.TS, bool) {
	r := s.ring
	r.Lock()
	defer r.Unlock()

	if r.PleaseStop {
		return nil, 0, true
	}

	s.checkTimeout()
	s.trackConnectionState()
	s.applyFlushIfRequested()
	s.drainFlushFilter()

	if r.Buffering {
		s.stepBuffering()
		if r.PleaseStop {
			return nil, 0, true
		}
		if r.Buffering {
			r.Cond.Wait()
			return nil, 0, false
		}
	}

	if r.Synced {
		s.opportunisticResend()
	}

	anchor, locked := s.clock.ReferenceTimestamp()
	if !r.Synced || !locked {
		s.waitOneWakePeriod()
		return nil, 0, false
	}

	head := r.Slot(r.ABRead)
	if head.Ready {
		deadline := s.deadlineFor(head.Timestamp, anchor)
		now := s.wallTime.Now()
		if now.Sub(deadline) >= 0 {
			return s.popHead(head)
		}
		s.waitUntil(deadline)
		return nil, 0, false
	}

	// Missing frame: if it's already due, emit a filler; otherwise wait.
	// The due-check tracks ab_read's own expected timestamp, which
	// advances every tick ab_read does -- not a deadline frozen at the
	// moment buffering ended.
	if s.haveExpectedTS {
		deadline := s.deadlineFor(s.expectedTS, anchor)
		if s.wallTime.Now().Sub(deadline) >= 0 {
			return s.missingFrame()
		}
	}
	s.waitOneWakePeriod()
	return nil, 0, false
}

// deadlineFor implements §4.4.F's due-time formula.
func (s *Scheduler) deadlineFor(headTS seq.TS, anchor ring.Anchor) fptime.Time {
	delta := seq.TSDiff32(anchor.RefTS, headTS)
	frames := delta + s.cfg.Latency + s.cfg.LatencyOffset - s.cfg.BufferDesiredLength
	return fptime.AddFrames(anchor.RefLocalTime, frames, s.cfg.SampleRate)
}

// popHead returns the ready head slot's PCM, advances ab_read, and
// clears its ready flag. Caller must hold the ring lock.
func (s *Scheduler) popHead(head *ring.Slot) (msdk.PCM16Sample, seq.TS, bool) {
	out := make(msdk.PCM16Sample, len(head.PCM))
	copy(out, head.PCM)
	ts := head.Timestamp
	head.Ready = false
	s.ring.ABRead = seq.Succ(s.ring.ABRead)
	// A real arrival resyncs the prediction to its actual timestamp.
	s.expectedTS = ts + seq.TS(s.cfg.FrameSamples)
	s.haveExpectedTS = true
	return out, ts, false
}

// missingFrame synthesizes a zeroed filler frame for a slot that never
// arrived. Caller must hold the ring lock.
func (s *Scheduler) missingFrame() (msdk.PCM16Sample, seq.TS, bool) {
	head := s.ring.Slot(s.ring.ABRead)
	out := make(msdk.PCM16Sample, len(head.PCM))
	s.stats.MissingPackets.Add(1)
	s.ring.ABRead = seq.Succ(s.ring.ABRead)
	if s.haveExpectedTS {
		s.expectedTS += seq.TS(s.cfg.FrameSamples)
	}
	return out, 0, false // timestamp=0 marks it a filler frame
}

// checkTimeout is §4.4.A.
func (s *Scheduler) checkTimeout() {
	if s.cfg.Timeout <= 0 || s.shutdownSignaled {
		return
	}
	if s.wallTime.Now().Sub(s.ring.TimeOfLastAudioPacket) >= s.cfg.Timeout {
		s.control.RequestShutdown()
		s.shutdownSignaled = true
		if s.log != nil {
			s.log.Infow("source silence timeout, shutdown requested")
		}
	}
}

// trackConnectionState is §4.4.B.
func (s *Scheduler) trackConnectionState() {
	wasOn := s.ring.ConnectionStateToOutput
	on := s.control.RequestedConnectionState()
	s.ring.ConnectionStateToOutput = on
	if wasOn && !on {
		s.ring.FlushMu.Lock()
		s.ring.FlushRequested = true
		s.ring.FlushMu.Unlock()
	}
}

// applyFlushIfRequested is §4.4.C.
func (s *Scheduler) applyFlushIfRequested() {
	r := s.ring
	r.FlushMu.Lock()
	requested := r.FlushRequested
	r.FlushRequested = false
	r.FlushMu.Unlock()
	if !requested {
		return
	}
	if fl, ok := s.device.(Flusher); ok {
		fl.Flush()
	}
	r.ClearReadyFlags()
	r.FirstPacketTS = nil
	r.FirstPacketDeadline = nil
	r.Synced = false
	r.Buffering = true
	s.stats.ResetAnchor()
	s.consecutiveExcursions = 0
	s.firstPacketDeadline = nil
	s.haveExpectedTS = false
}

// maxFlushFramesPerTick bounds the flush-filter drain (§4.4.D / §9's
// retained-for-compatibility 8820-frame cap) so a very large backlog of
// already-filtered frames cannot livelock the scheduler on one tick.
const maxFlushFramesPerTick = 8820

// drainFlushFilter is §4.4.D.
func (s *Scheduler) drainFlushFilter() {
	r := s.ring
	r.FlushMu.Lock()
	flushTS := r.FlushTS
	r.FlushMu.Unlock()
	if flushTS == 0 {
		return
	}
	drained := 0
	for drained < maxFlushFramesPerTick {
		head := r.Slot(r.ABRead)
		if !head.Ready || !seq.TSLessOrEqual32(head.Timestamp, flushTS) {
			return
		}
		head.Ready = false
		r.ABRead = seq.Succ(r.ABRead)
		drained++
	}
	if s.log != nil {
		s.log.Infow("flush drain hit per-tick cap", "cap", maxFlushFramesPerTick)
	}
}

// stepBuffering is §4.4.E.
func (s *Scheduler) stepBuffering() {
	r := s.ring
	head := r.Slot(r.ABRead)
	if !head.Ready {
		return
	}

	anchor, locked := s.clock.ReferenceTimestamp()
	if !locked {
		return
	}

	if r.FirstPacketTS == nil {
		ts := head.Timestamp
		r.FirstPacketTS = &ts
		deadline := s.deadlineFor(ts, anchor)
		r.FirstPacketDeadline = &deadline
		s.firstPacketDeadline = &deadline
		if s.wallTime.Now().Sub(deadline) >= 0 {
			s.selfFlush(ts, 4410)
			return
		}
	}

	deadline := *r.FirstPacketDeadline
	now := s.wallTime.Now()
	if now.Sub(deadline) >= 0 {
		r.Buffering = false
		s.expectedTS = head.Timestamp
		s.haveExpectedTS = true
		s.stats.ResetAnchor()
		return
	}

	dacDelay := s.queryDelay()
	grossGap := fptime.FramesUntil(now, deadline, s.cfg.SampleRate)
	exactGap := grossGap - dacDelay
	if exactGap <= 0 {
		s.selfFlush(head.Timestamp, 0)
		return
	}

	fillSize := min3(4410, s.cfg.MaxDacDelay-dacDelay, exactGap)
	if fillSize > 0 {
		silence := make(msdk.PCM16Sample, 2*fillSize)
		_ = s.device.Play(silence)
	}
	if exactGap <= fillSize || exactGap <= int64(2*s.cfg.FrameSamples) {
		r.Buffering = false
		s.expectedTS = head.Timestamp
		s.haveExpectedTS = true
		s.stats.ResetAnchor()
	}
}

// selfFlush re-enters buffering with the filter boundary set aheadFrames
// past headTS (or immediately, if aheadFrames==0), used by §4.4.E's
// "deadline already past"/"exact_gap <= 0" recovery paths.
func (s *Scheduler) selfFlush(headTS seq.TS, aheadFrames seq.TS) {
	r := s.ring
	r.FlushMu.Lock()
	r.FlushRequested = true
	r.FlushTS = headTS + aheadFrames
	r.FlushMu.Unlock()
	r.Buffering = true
	r.FirstPacketTS = nil
	r.FirstPacketDeadline = nil
	s.firstPacketDeadline = nil
	s.haveExpectedTS = false
}

// opportunisticResend is §4.4.G: scan doubling offsets for not-ready
// slots within the filled range and request single-frame resends.
func (s *Scheduler) opportunisticResend() {
	r := s.ring
	filled := r.Filled()
	for offset := int32(8); offset <= filled/2; offset *= 2 {
		candidate := seq.Sum(r.ABRead, seq.Num(offset))
		if !r.Slot(candidate).Ready {
			s.resender.Request(candidate, 1)
		}
	}
}

func (s *Scheduler) queryDelay() int64 {
	dr, ok := s.device.(DelayReporter)
	if !ok {
		return 0
	}
	d, ok := dr.Delay()
	if !ok {
		s.stats.DeviceDelayErrors.Add(1)
		return 0
	}
	return d
}

// waitUntil waits on the ring condition until deadline or the periodic
// wake, whichever comes first. Caller must hold the ring lock (Cond.Wait
// releases and reacquires it).
func (s *Scheduler) waitUntil(deadline fptime.Time) {
	until := deadline.Sub(s.wallTime.Now())
	if until > s.wakePeriod || until < 0 {
		until = s.wakePeriod
	}
	s.timedWait(until)
}

func (s *Scheduler) waitOneWakePeriod() {
	s.timedWait(s.wakePeriod)
}

// timedWait performs a relative timed wait on the ring condition. Go's
// sync.Cond has no native timed wait, so a timer goroutine broadcasts the
// condition after d if nothing else does first; put_packet, flush, and
// stop can all wake it earlier via the same condition. Caller must hold
// the ring lock; Cond.Wait releases and reacquires it around the block.
func (s *Scheduler) timedWait(d time.Duration) {
	if d < 0 {
		d = 0
	}
	r := s.ring
	timer := time.AfterFunc(d, func() {
		r.Lock()
		r.Cond.Broadcast()
		r.Unlock()
	})
	defer timer.Stop()
	r.Cond.Wait()
}

func min3(a, b, c int64) int64 {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}
