package jitter

import (
	"golang.org/x/time/rate"

	"slaveclock/player/seq"
	"slaveclock/player/stats"
)

// NetworkCollaborator is the external RTP layer's resend-request hook.
// Fire-and-forget: the core never waits for, or even knows whether, a
// resend succeeds.
type NetworkCollaborator interface {
	RequestResend(startSeq seq.Num, count int)
}

// Resender wraps a NetworkCollaborator with a token-bucket throttle so a
// pathological gap pattern (or the scheduler's opportunistic rescan)
// cannot turn into a resend-request storm against the sender.
type Resender struct {
	nc      NetworkCollaborator
	limiter *rate.Limiter
	stats   *stats.Stats
}

// NewResender builds a Resender allowing up to burst immediate requests
// and refilling at limit requests/sec thereafter.
func NewResender(nc NetworkCollaborator, st *stats.Stats, limit rate.Limit, burst int) *Resender {
	return &Resender{nc: nc, limiter: rate.NewLimiter(limit, burst), stats: st}
}

// Request issues a resend for [startSeq, startSeq+count) if the rate
// limiter allows it; silently dropped otherwise (the next opportunistic
// scan, or the next real gap, will simply try again).
func (r *Resender) Request(startSeq seq.Num, count int) {
	if count <= 0 || r.nc == nil {
		return
	}
	if !r.limiter.Allow() {
		return
	}
	r.nc.RequestResend(startSeq, count)
	if r.stats != nil {
		r.stats.Resends.Add(1)
	}
}
