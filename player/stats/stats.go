// Package stats tracks the counters and rolling averages the player
// core reports: lost/late/missing packet counts and exponentially-smoothed
// sync error, drift, and correction-rate averages, updated off the hot
// decode path so a statistics consumer never blocks the scheduler.
package stats

import (
	"sync"
	"sync/atomic"
)

// smoothing is the EMA weight given to each new sample; ~1/32 matches the
// kind of slow-moving average a once-per-few-seconds log line wants
// without being so slow it hides a real step change in drift.
const smoothing = 1.0 / 32.0

// Stats aggregates the core's running counters. Safe for concurrent use
// from the producer (jitter) and consumer (scheduler) goroutines.
type Stats struct {
	LatePackets    atomic.Uint64
	TooLatePackets atomic.Uint64
	MissingPackets atomic.Uint64
	Resends        atomic.Uint64
	DeviceDelayErrors atomic.Uint64

	mu             sync.Mutex
	syncErrorEMA   float64
	driftEMA       float64
	correctionRate float64
	haveSyncError  bool
	haveDrift      bool
}

// New returns a zeroed Stats.
func New() *Stats { return &Stats{} }

// ObserveSyncError folds a new sync_error sample (frames) into the
// rolling average. Filler frames (timestamp==0) must never be passed
// here -- they must never contribute to sync statistics.
func (s *Stats) ObserveSyncError(frames float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.haveSyncError {
		s.syncErrorEMA = frames
		s.haveSyncError = true
		return
	}
	s.syncErrorEMA += smoothing * (frames - s.syncErrorEMA)
}

// ObserveDrift folds a new measured clock-drift sample (frames/sec) into
// the rolling average.
func (s *Stats) ObserveDrift(framesPerSec float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.haveDrift {
		s.driftEMA = framesPerSec
		s.haveDrift = true
		return
	}
	s.driftEMA += smoothing * (framesPerSec - s.driftEMA)
}

// RecordCorrection folds a stuffing decision (-1, 0, +1) into the rolling
// correction-rate average (corrections per frame).
func (s *Stats) RecordCorrection(amount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := 0.0
	if amount != 0 {
		v = 1.0
	}
	s.correctionRate += smoothing * (v - s.correctionRate)
}

// ResetAnchor clears the rolling averages, called when flush() resets the
// statistics baseline.
func (s *Stats) ResetAnchor() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncErrorEMA = 0
	s.driftEMA = 0
	s.correctionRate = 0
	s.haveSyncError = false
	s.haveDrift = false
}

// Snapshot is a point-in-time, allocation-free copy of the rolling state
// suitable for a periodic statistics log line.
type Snapshot struct {
	LatePackets       uint64
	TooLatePackets    uint64
	MissingPackets    uint64
	Resends           uint64
	DeviceDelayErrors uint64
	SyncErrorFrames   float64
	DriftFramesPerSec float64
	CorrectionRate    float64
}

// Snapshot returns the current counters and rolling averages.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	sn := Snapshot{
		SyncErrorFrames:   s.syncErrorEMA,
		DriftFramesPerSec: s.driftEMA,
		CorrectionRate:    s.correctionRate,
	}
	s.mu.Unlock()
	sn.LatePackets = s.LatePackets.Load()
	sn.TooLatePackets = s.TooLatePackets.Load()
	sn.MissingPackets = s.MissingPackets.Load()
	sn.Resends = s.Resends.Load()
	sn.DeviceDelayErrors = s.DeviceDelayErrors.Load()
	return sn
}
