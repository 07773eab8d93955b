package scheduler

import (
	"testing"
	"time"

	msdk "github.com/livekit/media-sdk"
	"github.com/stretchr/testify/require"

	"slaveclock/player/fptime"
	"slaveclock/player/jitter"
	"slaveclock/player/ring"
	"slaveclock/player/seq"
	"slaveclock/player/stats"
)

type fakeClock struct {
	anchor ring.Anchor
	locked bool
}

func (f fakeClock) ReferenceTimestamp() (ring.Anchor, bool) { return f.anchor, f.locked }

type fakeDevice struct {
	played [][]int16
	delay  int64
	hasDelay bool
	delayOK  bool
	flushed  bool
}

func (d *fakeDevice) Start(int) error { return nil }
func (d *fakeDevice) Stop() error     { return nil }
func (d *fakeDevice) Play(pcm msdk.PCM16Sample) error {
	d.played = append(d.played, append([]int16(nil), pcm...))
	return nil
}
func (d *fakeDevice) Flush() { d.flushed = true }

type fakeDeviceWithDelay struct {
	fakeDevice
}

func (d *fakeDeviceWithDelay) Delay() (int64, bool) { return d.delay, d.delayOK }

type fakeControl struct {
	state         bool
	shutdownCalls int
}

func (c *fakeControl) RequestedConnectionState() bool { return c.state }
func (c *fakeControl) RequestShutdown()                { c.shutdownCalls++ }

type identityStuffer struct {
	lastAmount int
}

func (s *identityStuffer) Process(in msdk.PCM16Sample, amount int) msdk.PCM16Sample {
	s.lastAmount = amount
	return in
}

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *ring.Ring, *fakeDevice, *fakeControl) {
	t.Helper()
	r := ring.New(64, 4)
	dev := &fakeDevice{}
	ctrl := &fakeControl{state: true}
	st := stats.New()
	resender := jitter.NewResender(nil, st, 1e9, 1<<20)
	sched := New(cfg, r, fakeClock{}, dev, ctrl, resender, &identityStuffer{}, st, fptime.NewClock(), nil)
	return sched, r, dev, ctrl
}

func TestDeadlineForMatchesColdStartExample(t *testing.T) {
	sched, _, _, _ := newTestScheduler(t, Config{SampleRate: 44100, Latency: 88200})
	refLocal := fptime.FromDuration(100 * time.Hour)
	anchor := ring.Anchor{RefTS: 10000, RefLocalTime: refLocal}

	deadline := sched.deadlineFor(10000, anchor)
	got := deadline.Sub(refLocal)
	require.InDelta(t, 2*time.Second, got, float64(time.Millisecond))
}

func TestDrainFlushFilterBoundaryInclusiveExclusive(t *testing.T) {
	sched, r, _, _ := newTestScheduler(t, Config{SampleRate: 44100})
	r.Lock()
	r.Synced = true
	r.ABRead = 0
	r.ABWrite = 3
	r.Slot(0).Ready = true
	r.Slot(0).Timestamp = 54999
	r.Slot(1).Ready = true
	r.Slot(1).Timestamp = 55000
	r.Slot(2).Ready = true
	r.Slot(2).Timestamp = 55001
	r.FlushMu.Lock()
	r.FlushTS = 55000
	r.FlushMu.Unlock()

	sched.drainFlushFilter()

	require.EqualValues(t, 2, r.ABRead)
	require.False(t, r.Slot(0).Ready)
	require.False(t, r.Slot(1).Ready)
	require.True(t, r.Slot(2).Ready)
	r.Unlock()
}

func TestApplyFlushIfRequestedResetsState(t *testing.T) {
	sched, r, dev, _ := newTestScheduler(t, Config{})
	r.Lock()
	r.Synced = true
	r.Buffering = false
	ts := seq.TS(123)
	r.FirstPacketTS = &ts
	r.Slot(5).Ready = true
	r.FlushMu.Lock()
	r.FlushRequested = true
	r.FlushMu.Unlock()

	sched.stats.ObserveSyncError(999)
	sched.consecutiveExcursions = 3

	sched.applyFlushIfRequested()

	require.True(t, dev.flushed)
	require.False(t, r.Synced)
	require.True(t, r.Buffering)
	require.Nil(t, r.FirstPacketTS)
	require.False(t, r.Slot(5).Ready)
	require.Zero(t, sched.consecutiveExcursions)
	require.Zero(t, sched.stats.Snapshot().SyncErrorFrames)
	r.Unlock()
}

func TestTrackResyncFlushesAfterFourExcursions(t *testing.T) {
	sched, r, _, _ := newTestScheduler(t, Config{ResyncThreshold: 10})

	for i := 0; i < 3; i++ {
		sched.trackResync(100, 5000)
		require.Equal(t, i+1, sched.consecutiveExcursions)
	}
	sched.trackResync(100, 5000)

	require.Zero(t, sched.consecutiveExcursions)
	r.FlushMu.Lock()
	defer r.FlushMu.Unlock()
	require.True(t, r.FlushRequested)
	require.EqualValues(t, 5000, r.FlushTS)
}

func TestTrackResyncResetsOnGoodFrame(t *testing.T) {
	sched, _, _, _ := newTestScheduler(t, Config{ResyncThreshold: 10})
	sched.trackResync(100, 5000)
	sched.trackResync(100, 5000)
	sched.trackResync(5, 5000) // within threshold
	require.Zero(t, sched.consecutiveExcursions)
}

func TestRateLimitCorrectionSuppressesFirstFiveSeconds(t *testing.T) {
	sched, _, _, _ := newTestScheduler(t, Config{})
	now := sched.wallTime.Now()
	sched.firstPacketDeadline = &now

	require.Equal(t, 0, sched.rateLimitCorrection(1))
}

func TestRateLimitCorrectionPassesThroughAfterThirtySeconds(t *testing.T) {
	sched, _, _, _ := newTestScheduler(t, Config{})
	past := sched.wallTime.Now().Add(-31 * time.Second)
	sched.firstPacketDeadline = &past

	require.Equal(t, 1, sched.rateLimitCorrection(1))
	require.Equal(t, -1, sched.rateLimitCorrection(-1))
}

func TestRateLimitCorrectionMidWindowUsesDiceRoll(t *testing.T) {
	sched, _, _, _ := newTestScheduler(t, Config{})
	past := sched.wallTime.Now().Add(-10 * time.Second)
	sched.firstPacketDeadline = &past

	sched.randFloat = func() float64 { return 0 } // always below 352/1000: keep
	require.Equal(t, 1, sched.rateLimitCorrection(1))

	sched.randFloat = func() float64 { return 0.999 } // above: drop
	require.Equal(t, 0, sched.rateLimitCorrection(1))
}

func TestOpportunisticResendScansDoublingOffsets(t *testing.T) {
	sched, r, _, _ := newTestScheduler(t, Config{})
	nc := &recordingResendCollaborator{}
	sched.resender = jitter.NewResender(nc, sched.stats, 1e9, 1<<20)

	r.Lock()
	r.ABRead = 0
	r.ABWrite = 40 // filled = 40, offsets scanned: 8,16 (32 > 20)
	r.Unlock()

	r.Lock()
	sched.opportunisticResend()
	r.Unlock()

	require.ElementsMatch(t, []seq.Num{8, 16}, nc.starts)
}

type recordingResendCollaborator struct {
	starts []seq.Num
}

func (r *recordingResendCollaborator) RequestResend(startSeq seq.Num, count int) {
	r.starts = append(r.starts, startSeq)
}

func TestEmitFillerFrameBypassesStuffer(t *testing.T) {
	sched, _, dev, _ := newTestScheduler(t, Config{})
	stuffer := sched.stuffer.(*identityStuffer)
	stuffer.lastAmount = -7 // sentinel: must not be touched

	sched.emit(make(msdk.PCM16Sample, 8), 0)

	require.Equal(t, -7, stuffer.lastAmount)
	require.Len(t, dev.played, 1)
}

func TestEmitNonFillerWithoutDelayReporterBypassesStuffingAmount(t *testing.T) {
	sched, _, dev, _ := newTestScheduler(t, Config{})
	stuffer := sched.stuffer.(*identityStuffer)

	sched.emit(make(msdk.PCM16Sample, 8), 100)

	require.Equal(t, 0, stuffer.lastAmount)
	require.Len(t, dev.played, 1)
}

func TestEmitNonFillerAppliesStuffingWhenSyncErrorExceedsTolerance(t *testing.T) {
	wallClock := fptime.NewClock()
	now := wallClock.Now()
	anchor := ring.Anchor{RefTS: 0, RefLocalTime: now.Add(-10 * time.Second)}

	dev := &fakeDeviceWithDelay{}
	dev.delay = 6000
	dev.delayOK = true
	st := stats.New()
	resender := jitter.NewResender(nil, st, 1e9, 1<<20)
	stuffer := &identityStuffer{}

	sched := New(Config{SampleRate: 44100, Latency: 1000, Tolerance: 5}, ring.New(64, 4),
		fakeClock{anchor: anchor, locked: true}, dev, &fakeControl{}, resender, stuffer, st, wallClock, nil)

	sched.emit(make(msdk.PCM16Sample, 8), 100)

	require.Equal(t, -1, stuffer.lastAmount)
	require.Len(t, dev.played, 1)
	require.Greater(t, st.Snapshot().SyncErrorFrames, 0.0)
}
