// Package nullaudio implements a reference player.Device that discards
// every frame it is given. It exists for tests and headless demo runs
// that need a real Device value without an actual sound card.
package nullaudio

import (
	"sync/atomic"

	msdk "github.com/livekit/media-sdk"
)

// Device is a no-op output device that tracks frame/flush counts and
// reports a configurable simulated queue depth, so scheduler and
// stuffing logic can be exercised without a sound card.
type Device struct {
	sampleRate atomic.Int64
	framesSeen atomic.Int64
	delay      atomic.Int64
	flushes    atomic.Int64
}

// New returns a Device with a zero simulated delay.
func New() *Device {
	return &Device{}
}

// Start implements player.Device.
func (d *Device) Start(sampleRate int) error {
	d.sampleRate.Store(int64(sampleRate))
	return nil
}

// Stop implements player.Device.
func (d *Device) Stop() error { return nil }

// Play implements player.Device: consumes and discards pcm, tracking the
// running frame count.
func (d *Device) Play(pcm msdk.PCM16Sample) error {
	d.framesSeen.Add(int64(len(pcm) / 2))
	return nil
}

// Flush implements the optional scheduler.Flusher capability.
func (d *Device) Flush() {
	d.flushes.Add(1)
}

// SetDelay sets the value the next Delay call reports (test/demo knob
// for simulating DAC queue depth).
func (d *Device) SetDelay(frames int64) {
	d.delay.Store(frames)
}

// Delay implements the optional scheduler.DelayReporter capability.
func (d *Device) Delay() (int64, bool) {
	return d.delay.Load(), true
}

// FramesPlayed returns the running total of frames handed to Play.
func (d *Device) FramesPlayed() int64 {
	return d.framesSeen.Load()
}

// Flushes returns how many times Flush was called.
func (d *Device) Flushes() int64 {
	return d.flushes.Load()
}
