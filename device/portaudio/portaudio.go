// Package portaudio implements a reference player.Device backed by
// github.com/gordonklaus/portaudio, giving the demo CLI a real sound
// card target. Device drivers are explicitly out of scope for the core
// itself; this package lives outside player/ entirely and only
// implements the Device interface plus the DelayReporter capability the
// scheduler discovers by type assertion (it has no Flush).
package portaudio

import (
	"errors"
	"fmt"
	"sync"

	pa "github.com/gordonklaus/portaudio"
	msdk "github.com/livekit/media-sdk"
)

// refCount tracks library-wide Initialize/Terminate calls: portaudio's C
// binding is process-global, so multiple Device values must share one
// Initialize/Terminate pair.
var (
	refMu    sync.Mutex
	refCount int
)

func initLib() error {
	refMu.Lock()
	defer refMu.Unlock()
	if refCount == 0 {
		if err := pa.Initialize(); err != nil {
			return fmt.Errorf("portaudio: initialize: %w", err)
		}
	}
	refCount++
	return nil
}

func termLib() {
	refMu.Lock()
	defer refMu.Unlock()
	refCount--
	if refCount <= 0 {
		refCount = 0
		_ = pa.Terminate()
	}
}

// Device plays stereo 16-bit PCM through the host's default output
// device via portaudio.
type Device struct {
	framesPerBuffer int

	mu     sync.Mutex
	stream *pa.Stream
	out    []int16
}

// New returns a Device that buffers framesPerBuffer stereo frames per
// portaudio callback (typically the stream's frame_samples).
func New(framesPerBuffer int) *Device {
	if framesPerBuffer <= 0 {
		framesPerBuffer = 352
	}
	return &Device{framesPerBuffer: framesPerBuffer}
}

// Start implements player.Device: opens and starts the default output
// stream at sampleRate, stereo, int16.
func (d *Device) Start(sampleRate int) error {
	if err := initLib(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.out = make([]int16, 2*d.framesPerBuffer)
	stream, err := pa.OpenDefaultStream(0, 2, float64(sampleRate), d.framesPerBuffer, &d.out)
	if err != nil {
		termLib()
		return fmt.Errorf("portaudio: open default stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		termLib()
		return fmt.Errorf("portaudio: start stream: %w", err)
	}
	d.stream = stream
	return nil
}

// Stop implements player.Device.
func (d *Device) Stop() error {
	d.mu.Lock()
	stream := d.stream
	d.stream = nil
	d.mu.Unlock()
	if stream == nil {
		return nil
	}
	err := stream.Stop()
	if cerr := stream.Close(); err == nil {
		err = cerr
	}
	termLib()
	return err
}

// Play implements player.Device: writes pcm to the stream in
// framesPerBuffer-sized chunks, blocking (via portaudio's own backpressure)
// until every sample has been handed to the host API.
func (d *Device) Play(pcm msdk.PCM16Sample) error {
	d.mu.Lock()
	stream := d.stream
	d.mu.Unlock()
	if stream == nil {
		return errors.New("portaudio: device not started")
	}

	frames := len(pcm) / 2
	for offset := 0; offset < frames; offset += d.framesPerBuffer {
		n := d.framesPerBuffer
		if offset+n > frames {
			n = frames - offset
		}
		d.mu.Lock()
		copy(d.out, pcm[2*offset:2*(offset+n)])
		for i := 2 * n; i < len(d.out); i++ {
			d.out[i] = 0
		}
		err := stream.Write()
		d.mu.Unlock()
		if err != nil {
			return fmt.Errorf("portaudio: write: %w", err)
		}
	}
	return nil
}

// Delay implements the optional scheduler.DelayReporter capability,
// approximating queued frames from the stream's reported output latency.
func (d *Device) Delay() (int64, bool) {
	d.mu.Lock()
	stream := d.stream
	d.mu.Unlock()
	if stream == nil {
		return 0, false
	}
	info := stream.Info()
	if info == nil {
		return -1, false
	}
	frames := int64(info.OutputLatency.Seconds() * info.SampleRate)
	return frames, true
}
