// Package jitter implements the producer side of the jitter buffer:
// PutPacket, the entry point external RTP delivery calls for every
// arriving packet. Multiple network goroutines may call
// PutPacket concurrently; all of them serialize on the ring's lock.
package jitter

import (
	"errors"

	"github.com/livekit/protocol/logger"

	"slaveclock/player/decode"
	"slaveclock/player/fptime"
	"slaveclock/player/ring"
	"slaveclock/player/seq"
	"slaveclock/player/stats"
)

// Buffer is the producer half of the jitter buffer: a decrypt+decode
// pipeline feeding a slot ring, classifying every arriving packet as
// expected, ahead (a gap), behind-but-recoverable, or too late.
type Buffer struct {
	ring     *ring.Ring
	session  *decode.Session
	stats    *stats.Stats
	resender *Resender
	clock    fptime.Clock
	log      logger.Logger
}

// New builds a jitter Buffer over an already-allocated ring and decode
// session.
func New(r *ring.Ring, session *decode.Session, st *stats.Stats, resender *Resender, clock fptime.Clock, log logger.Logger) *Buffer {
	return &Buffer{ring: r, session: session, stats: st, resender: resender, clock: clock, log: log}
}

// PutPacket classifies an incoming packet against the ring's cursors,
// decodes it into the selected slot when in range, and signals the
// scheduler.
func (b *Buffer) PutPacket(sequence seq.Num, timestamp seq.TS, payload []byte) {
	r := b.ring
	r.Lock()
	defer r.Unlock()

	r.TimeOfLastAudioPacket = b.clock.Now()

	if !r.ConnectionStateToOutput {
		return
	}
	defer r.Cond.Signal()

	r.FlushMu.Lock()
	flushTS := r.FlushTS
	r.FlushMu.Unlock()
	if flushTS != 0 {
		if seq.TSLessOrEqual32(timestamp, flushTS) {
			return
		}
		// Strictly after the filter boundary: clear it (exclusive-clear
		// flush-filter semantics).
		r.FlushMu.Lock()
		if r.FlushTS == flushTS {
			r.FlushTS = 0
		}
		r.FlushMu.Unlock()
	}

	if !r.Synced {
		r.ABRead = sequence
		r.ABWrite = sequence
		r.Synced = true
	}

	var target *ring.Slot
	switch {
	case sequence == r.ABWrite:
		target = r.Slot(sequence)
		r.ABWrite = seq.Succ(r.ABWrite)

	case seq.After(r.ABWrite, sequence):
		gap := seq.Diff(r.ABWrite, sequence, r.ABWrite)
		for s := r.ABWrite; s != sequence; s = seq.Succ(s) {
			r.Slot(s).Ready = false
		}
		b.resender.Request(r.ABWrite, int(gap))
		target = r.Slot(sequence)
		r.ABWrite = seq.Succ(sequence)

	case seq.After(r.ABRead, sequence):
		target = r.Slot(sequence)
		b.stats.LatePackets.Add(1)

	default:
		b.stats.TooLatePackets.Add(1)
		return
	}

	n, err := b.session.DecodeInto(payload, target.PCM)
	if err != nil {
		if errors.Is(err, decode.ErrMismatch) {
			if b.log != nil {
				b.log.Infow("decode size mismatch, dropping packet", "seq", sequence, "ts", timestamp)
			}
			return
		}
		if b.log != nil {
			b.log.Infow("decode failed, dropping packet", "seq", sequence, "ts", timestamp, "error", err)
		}
		return
	}
	_ = n
	target.Ready = true
	target.Timestamp = timestamp
	target.SequenceNumber = sequence
}
