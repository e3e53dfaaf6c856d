// Package confluence builds anchor-based confluence counters (§4.6)
// used as prompt hints for the AI Oracle: given an anchor Q-Trend
// signal, how much corroborating vs opposing evidence surrounds it.
package confluence

import (
	"time"

	"github.com/goldbrain/engine/internal/signal"
)

const defaultWindow = 600 * time.Second

// Stats is the confluence summary around a Q-Trend anchor.
type Stats struct {
	AnchorSource    string
	AnchorSide      signal.Side
	AnchorTime      int64
	ConfirmBySource map[string]float64 // weighted confirm score per source
	OpposeBySource  map[string]float64
	Cancelled       bool
	CancelReason    string
}

func confirmedWeight(c signal.Confirmed) float64 {
	switch c {
	case signal.ConfirmedBarClose:
		return 1.0
	case signal.ConfirmedIntrabar:
		return 0.6
	default:
		return 0.8
	}
}

func eventWeight(event string) float64 {
	if containsTouch(event) {
		return 0.7
	}
	return 1.0
}

func containsTouch(event string) bool {
	for _, sub := range []string{"touch", "retrace", "bounce"} {
		if len(event) >= len(sub) && indexOf(event, sub) >= 0 {
			return true
		}
	}
	return false
}

func indexOf(s, sub string) int {
	n, m := len(s), len(sub)
	for i := 0; i+m <= n; i++ {
		if s[i:i+m] == sub {
			return i
		}
	}
	return -1
}

// pickAnchor selects the newest Q-Trend signal, preferring
// Q-Trend-Strong over plain Q-Trend when both exist at the same time.
func pickAnchor(fresh []signal.Signal) (signal.Signal, bool) {
	var best signal.Signal
	found := false
	for _, s := range fresh {
		if s.Source != signal.SourceQTrend && s.Source != signal.SourceQTrendStrong {
			continue
		}
		if s.Side != signal.SideBuy && s.Side != signal.SideSell {
			continue
		}
		if !found {
			best, found = s, true
			continue
		}
		if s.EffectiveTime() > best.EffectiveTime() {
			best = s
		} else if s.EffectiveTime() == best.EffectiveTime() && s.Source == signal.SourceQTrendStrong {
			best = s
		}
	}
	return best, found
}

// Build computes Stats anchored on the freshest Q-Trend signal in
// fresh, aggregating confirm/oppose evidence within ±window of the
// anchor's time. Returns false if no Q-Trend anchor exists.
func Build(fresh []signal.Signal, window time.Duration) (Stats, bool) {
	if window <= 0 {
		window = defaultWindow
	}
	anchor, ok := pickAnchor(fresh)
	if !ok {
		return Stats{}, false
	}

	stats := Stats{
		AnchorSource:    anchor.Source,
		AnchorSide:      anchor.Side,
		AnchorTime:      anchor.EffectiveTime(),
		ConfirmBySource: map[string]float64{},
		OpposeBySource:  map[string]float64{},
	}

	windowSec := int64(window / time.Second)
	for _, s := range fresh {
		if s.Source == signal.SourceQTrend || s.Source == signal.SourceQTrendStrong {
			continue // never counts Q-Trend itself as confluence
		}
		dt := s.EffectiveTime() - stats.AnchorTime
		if abs64(dt) > windowSec {
			continue
		}
		weight := confirmedWeight(s.Confirmed) * eventWeight(s.Event)

		if s.Confirmed == signal.ConfirmedBarClose && dt > 0 && s.Side != signal.SideNone && s.Side != stats.AnchorSide &&
			(s.SignalType == signal.KindEntryTrigger || s.SignalType == signal.KindStructure) {
			stats.Cancelled = true
			stats.CancelReason = "cancel_due_to_opposite_bar_close"
		}

		switch {
		case s.Side == stats.AnchorSide:
			stats.ConfirmBySource[s.Source] += weight
		case s.Side != signal.SideNone:
			stats.OpposeBySource[s.Source] += weight
		}
	}
	return stats, true
}

// DerivedCounts produces lightweight confirm/oppose counts when no
// Q-Trend anchor is available, per §4.6's "lightweight derived
// counts" fallback: unique sources per side within window of center.
func DerivedCounts(fresh []signal.Signal, center int64, side signal.Side, window time.Duration) (confirmCount, opposeCount int) {
	windowSec := int64(window / time.Second)
	confirm := map[string]bool{}
	oppose := map[string]bool{}
	for _, s := range fresh {
		if abs64(s.EffectiveTime()-center) > windowSec || s.Side == signal.SideNone {
			continue
		}
		if s.Side == side {
			confirm[s.Source] = true
		} else {
			oppose[s.Source] = true
		}
	}
	return len(confirm), len(oppose)
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
