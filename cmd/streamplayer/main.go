// Command streamplayer is a demo CLI wiring player.Config -> player.Player
// -> a Device, mirroring cmd/sip-tg-bridge's "load config, build
// collaborators, run until interrupted" shape. It stands in for the RTSP
// control surface and RTP network layer, which are out of scope here: it
// feeds a synthetic packet stream so the jitter buffer, scheduler and
// stuffing resampler run end to end without a real AirPlay sender.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/Laky-64/gologging"

	"slaveclock/device/nullaudio"
	"slaveclock/device/portaudio"
	"slaveclock/player"
	"slaveclock/player/fptime"
	"slaveclock/player/seq"

	"github.com/pion/rtp"
)

// fixedClock is a demo player.ReferenceProvider that anchors ref_ts=0 at
// process start and advances it in lockstep with the monotonic clock,
// standing in for the external timing component, which is out of scope
// for the core.
type fixedClock struct {
	clock      fptime.Clock
	sampleRate int
}

func (c *fixedClock) ReferenceTimestamp() (seq.TS, fptime.Time, fptime.Time) {
	now := c.clock.Now()
	elapsedFrames := fptime.FramesUntil(fptime.Time(0), now, c.sampleRate)
	return seq.TS(uint32(elapsedFrames)), now, now
}

// demoNetwork is a minimal player.NetworkControl: always connected, logs
// resend requests and shutdown notifications instead of acting on a real
// socket.
type demoNetwork struct {
	log *slog.Logger
}

func (n *demoNetwork) RequestResend(startSeq seq.Num, count int) {
	n.log.Debug("resend requested", "start_seq", startSeq, "count", count)
}

func (n *demoNetwork) RequestedConnectionState() bool { return true }

func (n *demoNetwork) RequestShutdown() {
	n.log.Warn("source silence: shutdown requested")
}

func main() {
	gologging.SetLevel(gologging.WarnLevel)

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	configPath := "config.yaml"
	deviceName := "null"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}
	if len(os.Args) > 2 {
		deviceName = os.Args[2]
	}

	cfg, err := player.LoadConfig(configPath)
	if err != nil {
		logger.Warn("config error, using defaults", "error", err)
		cfg = player.DefaultConfig()
	}

	const frameSamples = 352
	const sampleRate = 44100

	var dev player.Device
	switch deviceName {
	case "portaudio":
		dev = portaudio.New(frameSamples)
	default:
		dev = nullaudio.New()
	}

	network := &demoNetwork{log: logger}
	refs := &fixedClock{clock: fptime.NewClock(), sampleRate: sampleRate}

	p := player.New(cfg, dev, network, refs, logger)

	err = p.Play(player.StreamConfig{
		Encrypted: false,
		Fmtp:      [12]int{0, frameSamples, 0, 16, 0, 0, 0, 0, 0, 0, 0, sampleRate},
	})
	if err != nil {
		logger.Error("play failed", "error", err)
		os.Exit(1)
	}
	p.Volume(-10)

	go feedSyntheticPackets(ctx, p, frameSamples, sampleRate)

	<-ctx.Done()
	logger.Info("shutting down...")
	p.Stop()
	logger.Info("shutdown complete")
}

// feedSyntheticPackets stands in for an RTP socket: it ticks once per
// packet period and calls Player.PutPacket with an undecodable payload,
// so the scheduler's missing-frame/filler path is what
// actually drives output in this demo.
func feedSyntheticPackets(ctx context.Context, p *player.Player, frameSamples, sampleRate int) {
	period := time.Duration(frameSamples) * time.Second / time.Duration(sampleRate)
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	var sequence uint16
	var timestamp uint32
	payload := make([]byte, 16)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.PutPacket(rtp.Header{SequenceNumber: sequence, Timestamp: timestamp}, payload)
			sequence++
			timestamp += uint32(frameSamples)
		}
	}
}
