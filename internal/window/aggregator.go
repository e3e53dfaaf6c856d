// Package window implements the Window Aggregator (§4.5): given a
// trigger time/symbol/side, produces deduped aligned/opposed/neutral
// signal lists within a symmetric time window.
package window

import (
	"time"

	"github.com/goldbrain/engine/internal/signal"
)

const (
	alignedCap = 30
	opposedCap = 30
	neutralCap = 20
)

// Result is the output of Aggregate.
type Result struct {
	Symbol    string
	CenterTS  int64
	WindowSec int64
	Aligned   []signal.Signal
	Opposed   []signal.Signal
	Neutral   []signal.Signal
}

// AlignedCount, OpposedCount, NeutralCount are convenience accessors.
func (r Result) AlignedCount() int { return len(r.Aligned) }
func (r Result) OpposedCount() int { return len(r.Opposed) }
func (r Result) NeutralCount() int { return len(r.Neutral) }

// allowed reports whether (source, event) is part of the §4.5
// allowlist that may participate in a window.
func allowed(s signal.Signal) bool {
	switch s.Source {
	case signal.SourceQTrend, signal.SourceQTrendStrong:
		return true
	case signal.SourceZones:
		switch s.Event {
		case "zone_retrace_touch", "zone_touch", "new_zone_confirmed", "zone_confirmed":
			return true
		}
		return false
	case signal.SourceFVG:
		return s.Event == "fvg_touch"
	default:
		return false
	}
}

type dedupeKey struct {
	source, event string
	side          signal.Side
}

// Aggregate selects signals for symbol within |signal_time-center| <=
// windowSec from candidates, deduping by (source, event, side) and
// keeping the latest, then partitions by side relative to
// triggerSide. List sizes are hard-capped per §4.5.
func Aggregate(candidates []signal.Signal, symbol string, center int64, triggerSide signal.Side, window time.Duration) Result {
	windowSec := int64(window / time.Second)
	latest := make(map[dedupeKey]signal.Signal)

	for _, s := range candidates {
		if s.Symbol != symbol || !allowed(s) {
			continue
		}
		t := s.EffectiveTime()
		if abs64(t-center) > windowSec {
			continue
		}
		k := dedupeKey{source: s.Source, event: s.Event, side: s.Side}
		if existing, ok := latest[k]; !ok || s.EffectiveTime() > existing.EffectiveTime() {
			latest[k] = s
		}
	}

	res := Result{Symbol: symbol, CenterTS: center, WindowSec: windowSec}
	for _, s := range latest {
		switch {
		case s.Side == signal.SideNone:
			if len(res.Neutral) < neutralCap {
				res.Neutral = append(res.Neutral, s)
			}
		case s.Side == triggerSide:
			if len(res.Aligned) < alignedCap {
				res.Aligned = append(res.Aligned, s)
			}
		default:
			if len(res.Opposed) < opposedCap {
				res.Opposed = append(res.Opposed, s)
			}
		}
	}
	return res
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
