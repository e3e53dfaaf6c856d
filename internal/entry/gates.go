package entry

import (
	"math"
	"time"

	"github.com/goldbrain/engine/internal/outcome"
	"github.com/goldbrain/engine/internal/signal"
)

// inMarketGuardWindow implements §4.7.2 gate 5's broker-time session
// windows (23:50–23:59 and 00:00–00:30). Broker time is assumed equal
// to UTC; the execution process is the authority on broker-clock
// offset and is expected to pass a corrected heartbeat ts if this
// assumption ever needs revisiting.
func inMarketGuardWindow(now time.Time) bool {
	t := now.UTC()
	h, m := t.Hour(), t.Minute()
	if h == 23 && m >= 50 {
		return true
	}
	if h == 0 && m <= 30 {
		return true
	}
	return false
}

// driftPoint normalizes XAUUSD's raw point size per §4.7.2 gate 11.
func driftPoint(symbol string, rawPoint float64) float64 {
	if symbol == "XAUUSD" && rawPoint <= 0.01 {
		return 0.10
	}
	if rawPoint <= 0 {
		return 0.01
	}
	return rawPoint
}

func clampf(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// gateResult is returned by each deterministic pre-AI gate.
type gateResult struct {
	blocked bool
	code    outcome.Code
	message string
}

func pass() gateResult { return gateResult{} }

func block(code outcome.Code, msg string) gateResult {
	return gateResult{blocked: true, code: code, message: msg}
}

// checkHeartbeat is gate 4.
func checkHeartbeat(fresh bool) gateResult {
	if !fresh {
		return block(outcome.BlockedHeartbeat, "Blocked by heartbeat")
	}
	return pass()
}

// checkMarketGuard is gate 5. closeNeeded reports whether an open
// position should instead be closed with reason market_guard_close.
func checkMarketGuard(now time.Time, positionsOpen int) (res gateResult, closeNeeded bool) {
	if !inMarketGuardWindow(now) {
		return pass(), false
	}
	if positionsOpen > 0 {
		return pass(), true
	}
	return block(outcome.BlockedMarketGuard, "Blocked by market guard"), false
}

// checkPositionsOpenPolicy is gate 6.
func checkPositionsOpenPolicy(positionsOpen int, netSide, triggerSide signal.Side, addonCount, addonCap int) (res gateResult, isAddon bool) {
	if positionsOpen <= 0 {
		return pass(), false
	}
	if netSide == signal.SideNone {
		return block(outcome.SkipNetSideUnknown, "Skip: net side unknown"), false
	}
	if netSide != triggerSide {
		return block(outcome.SkipPositionOpen, "Skip: opposite-direction position open"), false
	}
	if addonCount >= addonCap {
		return block(outcome.SkipAddonLimit, "Skip: add-on cap reached"), false
	}
	return pass(), true
}

// checkMarketSanity is gate 7.
func checkMarketSanity(spread, hardCapPoints, point float64) gateResult {
	if spread <= 0 {
		return block(outcome.BlockedNoSpread, "Blocked: no spread")
	}
	spreadPoints := spread / point
	if spreadPoints >= hardCapPoints {
		return block(outcome.BlockedSpread, "Blocked: spread too wide")
	}
	return pass()
}

// checkSpreadVsATR is gate 8.
func checkSpreadVsATR(spreadPoints, atrPoints, maxRatio, softMinAtrToSpread float64) gateResult {
	if atrPoints <= 0 {
		return pass()
	}
	ratio := spreadPoints / atrPoints
	atrToSpread := atrPoints / math.Max(spreadPoints, 1e-9)
	if ratio > maxRatio && atrToSpread < softMinAtrToSpread {
		return block(outcome.BlockedSpreadVsATR, "Blocked: spread vs ATR")
	}
	return pass()
}

// lrrInputs bundles the §4.7.2 gate-9 hard-guard inputs.
type lrrInputs struct {
	ATRToSpread  float64
	Spread       float64
	SpreadMedian float64
	Price        float64
	SMA15        float64
	ATRNow       float64
	ATR24h       float64
}

// checkLRRHardGuards is gate 9.
func checkLRRHardGuards(in lrrInputs, cfg lrrConfig) gateResult {
	if in.ATRToSpread < cfg.EVHardMin {
		return block(outcome.LRRBlockedEV, "LRR blocked: EV")
	}
	if in.SpreadMedian > 0 && in.Spread > in.SpreadMedian*cfg.SpreadSpikeMultiple {
		return block(outcome.LRRBlockedSpreadSpike, "LRR blocked: spread spike")
	}
	if in.ATRNow > 0 {
		dist := math.Abs(in.Price-in.SMA15) / in.ATRNow
		if dist >= cfg.DistHardReject {
			return block(outcome.LRRBlockedDist, "LRR blocked: distance")
		}
	}
	if in.ATR24h > 0 && in.ATRNow/in.ATR24h >= cfg.VolPanicRatio {
		return block(outcome.LRRBlockedPanicVol, "LRR blocked: panic volatility")
	}
	return pass()
}

type lrrConfig struct {
	EVHardMin           float64
	SpreadSpikeMultiple float64
	DistHardReject      float64
	VolPanicRatio       float64
}

// checkCooldown is gate 10.
func checkCooldown(now, lastOrderSent time.Time, cooldown time.Duration) gateResult {
	if lastOrderSent.IsZero() {
		return pass()
	}
	if now.Sub(lastOrderSent) < cooldown {
		return block(outcome.BlockedCooldown, "Blocked: cooldown")
	}
	return pass()
}

// checkDriftGuard is gate 11. Returns the computed limit and drift for
// prompt context even when it does not block.
type driftConfig struct {
	ATRMult    float64
	MinPoints  float64
	MaxPoints  float64
	HardBlock  bool
}

func checkDriftGuard(symbol string, priceAtSignal, priceNow, rawPoint, atrEff float64, cfg driftConfig) (res gateResult, limitPoints, driftPoints float64) {
	point := driftPoint(symbol, rawPoint)
	limitPoints = clampf(atrEff*cfg.ATRMult/point, cfg.MinPoints, cfg.MaxPoints)
	driftPoints = math.Abs(priceNow-priceAtSignal) / point
	if cfg.HardBlock && driftPoints > limitPoints {
		return block(outcome.BlockedPriceDrift, "Blocked: price drift"), limitPoints, driftPoints
	}
	return pass(), limitPoints, driftPoints
}

