// Package market implements the Market Snapshot Provider (§4.4): an
// on-demand bundle of bid/ask/ATR/SMA/spread state per symbol,
// tolerant of missing ticks and derived only from closed bars.
package market

import (
	"sync"
	"time"
)

// Slope is the slope classification of the SMA(20) over closed M5
// bars; the provider builds no M15 bars.
type Slope string

const (
	SlopeUp   Slope = "UP"
	SlopeDown Slope = "DOWN"
	SlopeFlat Slope = "FLAT"
)

// Snapshot is the bundle returned by GetMarket.
type Snapshot struct {
	Symbol        string
	Bid           float64
	Ask           float64
	Point         float64
	ATRM5         float64
	ATRH1         float64
	ATR24hAvg     float64
	Spread        float64
	SpreadMedian  float64
	SpreadAvg     float64
	SMA15         float64
	SMASlope      Slope
	SwingLowM5    float64
	SwingHighM5   float64
	HasData       bool
}

// Bar is a closed M5 candle used for ATR/SMA derivation.
type Bar struct {
	Time       int64
	Open, High, Low, Close float64
}

const (
	atrPeriod        = 14
	smaWindow        = 20
	avgATRWindow     = 288 // ~24h of M5 bars
	swingWindow      = 20
	spreadLearnRate  = 0.03
	spreadRollingCap = 600 // samples
)

// symbolState holds the per-symbol rolling state the provider
// maintains between ticks: last-known ATR (for tolerating missing
// ticks), the M5 bar history, and the Robbins-Monro spread median.
type symbolState struct {
	bid, ask   float64
	point      float64
	bars       []Bar // closed bars only, oldest first
	spreadMed  float64
	medInit    bool
	spreadHist []float64
	lastATRM5  float64
	lastATRH1  float64
}

// Provider maintains per-symbol rolling state and answers on-demand
// snapshot queries.
type Provider struct {
	mu     sync.Mutex
	states map[string]*symbolState
}

// New constructs an empty Provider.
func New() *Provider {
	return &Provider{states: make(map[string]*symbolState)}
}

func (p *Provider) state(symbol string) *symbolState {
	st, ok := p.states[symbol]
	if !ok {
		st = &symbolState{point: 0.01}
		p.states[symbol] = st
	}
	return st
}

// OnTick updates bid/ask and the spread median/rolling average from a
// live tick. Safe to call at any rate; the median update is O(1).
func (p *Provider) OnTick(symbol string, bid, ask, point float64, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.state(symbol)
	st.bid, st.ask = bid, ask
	if point > 0 {
		st.point = point
	}
	spread := ask - bid
	if spread < 0 {
		spread = 0
	}
	p.updateSpreadMedian(st, spread)
	st.spreadHist = append(st.spreadHist, spread)
	if len(st.spreadHist) > spreadRollingCap {
		st.spreadHist = st.spreadHist[len(st.spreadHist)-spreadRollingCap:]
	}
}

// updateSpreadMedian applies a Robbins-Monro sign update: the
// estimate moves by a fixed learning rate times the spread's own
// scale toward each new sample, converging to the true median in
// O(1) per tick and without storing the full sample history.
func (p *Provider) updateSpreadMedian(st *symbolState, spread float64) {
	if !st.medInit {
		st.spreadMed = spread
		st.medInit = true
		return
	}
	step := spreadLearnRate * st.spreadMed
	if step <= 0 {
		step = spreadLearnRate * 0.01
	}
	switch {
	case spread > st.spreadMed:
		st.spreadMed += step
	case spread < st.spreadMed:
		st.spreadMed -= step
	}
}

// OnBarClose appends a newly closed M5 bar. The currently forming bar
// must never be passed here — callers only call this on bar close.
func (p *Provider) OnBarClose(symbol string, bar Bar) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.state(symbol)
	st.bars = append(st.bars, bar)
	if len(st.bars) > avgATRWindow {
		st.bars = st.bars[len(st.bars)-avgATRWindow:]
	}
	if atr, ok := trueRangeATR(st.bars, atrPeriod); ok {
		st.lastATRM5 = atr
	}
}

// GetMarket returns the current snapshot for symbol, reusing
// last-known ATR when recent bars are unavailable.
func (p *Provider) GetMarket(symbol string) Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.states[symbol]
	if !ok {
		return Snapshot{Symbol: symbol}
	}

	atrM5 := st.lastATRM5
	atr24h, _ := trueRangeATR(st.bars, min(len(st.bars), avgATRWindow))

	sma, slope := smaAndSlope(st.bars, smaWindow)
	swingLow, swingHigh := swingExtremes(st.bars, swingWindow)

	return Snapshot{
		Symbol:       symbol,
		Bid:          st.bid,
		Ask:          st.ask,
		Point:        st.point,
		ATRM5:        atrM5,
		ATRH1:        st.lastATRH1,
		ATR24hAvg:    atr24h,
		Spread:       st.ask - st.bid,
		SpreadMedian: st.spreadMed,
		SpreadAvg:    average(st.spreadHist),
		SMA15:        sma,
		SMASlope:     slope,
		SwingLowM5:   swingLow,
		SwingHighM5:  swingHigh,
		HasData:      len(st.bars) > 0 || st.bid > 0,
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// trueRangeATR computes a simple average of true ranges over the
// last `period` closed bars (period <= len(bars)).
func trueRangeATR(bars []Bar, period int) (float64, bool) {
	if period <= 0 || len(bars) < 2 {
		return 0, false
	}
	if period > len(bars) {
		period = len(bars)
	}
	start := len(bars) - period
	var sum float64
	n := 0
	for i := start; i < len(bars); i++ {
		if i == 0 {
			continue
		}
		tr := trueRange(bars[i], bars[i-1])
		sum += tr
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

func trueRange(cur, prev Bar) float64 {
	hl := cur.High - cur.Low
	hc := absf(cur.High - prev.Close)
	lc := absf(cur.Low - prev.Close)
	return maxf(hl, maxf(hc, lc))
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func average(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

// smaAndSlope computes SMA(window) over closed bars only and
// classifies the slope by comparing against the SMA one bar earlier.
func smaAndSlope(bars []Bar, window int) (float64, Slope) {
	if len(bars) < window+1 {
		if len(bars) == 0 {
			return 0, SlopeFlat
		}
		window = len(bars) - 1
		if window < 1 {
			return closesAverage(bars), SlopeFlat
		}
	}
	cur := smaOf(bars, len(bars)-window, len(bars))
	prev := smaOf(bars, len(bars)-window-1, len(bars)-1)
	switch {
	case cur > prev:
		return cur, SlopeUp
	case cur < prev:
		return cur, SlopeDown
	default:
		return cur, SlopeFlat
	}
}

func smaOf(bars []Bar, from, to int) float64 {
	if from < 0 {
		from = 0
	}
	if to > len(bars) {
		to = len(bars)
	}
	if to <= from {
		return 0
	}
	var sum float64
	for i := from; i < to; i++ {
		sum += bars[i].Close
	}
	return sum / float64(to-from)
}

func closesAverage(bars []Bar) float64 {
	return smaOf(bars, 0, len(bars))
}

// swingExtremes returns the lowest low / highest high over the last
// `window` closed M5 bars, used for sweep_extreme in ORDER messages.
func swingExtremes(bars []Bar, window int) (low, high float64) {
	if len(bars) == 0 {
		return 0, 0
	}
	if window > len(bars) {
		window = len(bars)
	}
	start := len(bars) - window
	low, high = bars[start].Low, bars[start].High
	for i := start; i < len(bars); i++ {
		if bars[i].Low < low {
			low = bars[i].Low
		}
		if bars[i].High > high {
			high = bars[i].High
		}
	}
	return low, high
}

// ATREffective clamps ATR_now between floor and spike-cap multiples of
// the 24h-average ATR, per §4.7.3.
func ATREffective(atrNow, atr24h, floorMult, spikeCapMult float64) float64 {
	if atr24h <= 0 {
		return atrNow
	}
	floor := atr24h * floorMult
	capVal := atr24h * spikeCapMult
	switch {
	case atrNow < floor:
		return floor
	case atrNow > capVal:
		return capVal
	default:
		return atrNow
	}
}
