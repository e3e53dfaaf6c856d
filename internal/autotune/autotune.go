// Package autotune implements the Auto-Tuner (C13): periodic
// percentile recomputation of two risk parameters from recent
// evaluation samples, with an atomic, order-preserving rewrite of the
// env file and an immediate in-memory update (§4.13).
package autotune

import (
	"math"
	"sort"
	"sync"
)

// Sample is one evaluated signal's §4.13 inputs.
type Sample struct {
	SpreadToATR float64
	DriftToATR  float64
}

// Store is a bounded, mutex-guarded ring of recent samples. Entry
// Engine evaluations feed it via its narrow SampleRecorder seam; it
// has no knowledge of entry/management beyond that shape.
type Store struct {
	mu   sync.Mutex
	cap  int
	next int
	buf  []Sample
	full bool
}

// NewStore constructs a Store bounded to capacity samples.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Store{cap: capacity, buf: make([]Sample, capacity)}
}

// RecordSample implements entry.SampleRecorder.
func (s *Store) RecordSample(spreadToATR, driftToATR float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf[s.next] = Sample{SpreadToATR: spreadToATR, DriftToATR: driftToATR}
	s.next = (s.next + 1) % s.cap
	if s.next == 0 {
		s.full = true
	}
}

// Samples returns a snapshot of all currently held samples, oldest
// first is not preserved (ring order is irrelevant to a percentile).
func (s *Store) Samples() []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.next
	if s.full {
		n = s.cap
	}
	out := make([]Sample, n)
	copy(out, s.buf[:n])
	return out
}

// Len reports how many samples are currently held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return s.cap
	}
	return s.next
}

// percentile computes the p-th percentile (0..1) of vals via
// nearest-rank on a sorted copy. vals must be non-empty.
func percentile(vals []float64, p float64) float64 {
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// Compute implements §4.13's two percentile derivations, clamped to
// their configured bounds. Returns ok=false if fewer than minSamples
// are held.
func Compute(samples []Sample, percentileRank, spreadMin, spreadMax, driftMin, driftMax float64, minSamples int) (spreadMaxATRRatio, driftLimitATRMult float64, ok bool) {
	if len(samples) < minSamples {
		return 0, 0, false
	}
	spreadVals := make([]float64, len(samples))
	driftVals := make([]float64, len(samples))
	for i, s := range samples {
		spreadVals[i] = s.SpreadToATR
		driftVals[i] = s.DriftToATR
	}
	spreadMaxATRRatio = clamp(percentile(spreadVals, percentileRank), spreadMin, spreadMax)
	driftLimitATRMult = clamp(percentile(driftVals, percentileRank), driftMin, driftMax)
	return spreadMaxATRRatio, driftLimitATRMult, true
}
